package discord

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/mirru/mirru/internal/liberrors"
)

const (
	gatherTimeout = 10 * time.Second
	iceTimeout    = 15 * time.Second
	dtlsTimeout   = 10 * time.Second
)

const iceCredentialRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randomCredential(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = iceCredentialRunes[rand.Intn(len(iceCredentialRunes))]
	}
	return string(b)
}

// mediaPeer is the WebRTC leg of a voice gateway session.
// It owns the peer connection and the outbound audio and video tracks.
type mediaPeer struct {
	log logging.LeveledLogger

	pc         *webrtc.PeerConnection
	audioTrack *webrtc.TrackLocalStaticRTP
	videoTrack *webrtc.TrackLocalStaticRTP

	connected     chan struct{}
	connectedOnce sync.Once
	failed        chan struct{}
	failedOnce    sync.Once
}

func newMediaPeer(log logging.LeveledLogger) (*mediaPeer, error) {
	p := &mediaPeer{
		log:       log,
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}

	m := &webrtc.MediaEngine{}

	err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: 90000,
		},
		PayloadType: videoPayloadType,
	}, webrtc.RTPCodecTypeVideo)
	if err != nil {
		return nil, err
	}

	err = m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    "video/rtx",
			ClockRate:   90000,
			SDPFmtpLine: "apt=" + strconv.Itoa(videoPayloadType),
		},
		PayloadType: videoRTXPayloadType,
	}, webrtc.RTPCodecTypeVideo)
	if err != nil {
		return nil, err
	}

	err = m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: audioPayloadType,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	err = webrtc.RegisterDefaultInterceptors(m, registry)
	if err != nil {
		return nil, err
	}

	s := webrtc.SettingEngine{}
	s.SetICECredentials(randomCredential(4), randomCredential(24))

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(s),
	)

	p.pc, err = api.NewPeerConnection(webrtc.Configuration{
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	})
	if err != nil {
		return nil, err
	}

	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Debugf("mirror ICE state: %s", state)

		switch state {
		case webrtc.ICEConnectionStateConnected:
			p.connectedOnce.Do(func() {
				close(p.connected)
			})

		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			p.failedOnce.Do(func() {
				close(p.failed)
			})
		}
	})

	p.audioTrack, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "mirru")
	if err != nil {
		p.pc.Close() //nolint:errcheck
		return nil, err
	}

	p.videoTrack, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeH264,
		ClockRate: 90000,
	}, "video", "mirru")
	if err != nil {
		p.pc.Close() //nolint:errcheck
		return nil, err
	}

	for _, track := range []*webrtc.TrackLocalStaticRTP{p.audioTrack, p.videoTrack} {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			p.pc.Close() //nolint:errcheck
			return nil, err
		}

		// drain RTCP reports addressed to the sender.
		go func() {
			buf := make([]byte, 1500)
			for {
				_, _, err := sender.Read(buf)
				if err != nil {
					return
				}
			}
		}()
	}

	return p, nil
}

// createOffer generates the local offer with all host candidates gathered.
func (p *mediaPeer) createOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", liberrors.ErrMediaNegotiation{Reason: err.Error()}
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)

	err = p.pc.SetLocalDescription(offer)
	if err != nil {
		return "", liberrors.ErrMediaNegotiation{Reason: err.Error()}
	}

	select {
	case <-gatherComplete:
	case <-time.After(gatherTimeout):
		return "", liberrors.ErrTimeout{Phase: "ICE gathering", Timeout: gatherTimeout}
	}

	return p.pc.LocalDescription().SDP, nil
}

func (p *mediaPeer) setAnswer(answer string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
	if err != nil {
		return liberrors.ErrMediaNegotiation{Reason: err.Error()}
	}
	return nil
}

// waitConnected waits for the ICE and DTLS handshakes to complete.
func (p *mediaPeer) waitConnected(done <-chan struct{}) error {
	select {
	case <-p.connected:
	case <-p.failed:
		return liberrors.ErrMediaNegotiation{Reason: "ICE connection failed"}
	case <-done:
		return liberrors.ErrTransportClosed{Wrapped: errSessionClosed}
	case <-time.After(iceTimeout):
		return liberrors.ErrTimeout{Phase: "ICE connectivity", Timeout: iceTimeout}
	}

	dtls := make(chan struct{})
	var dtlsOnce sync.Once

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			dtlsOnce.Do(func() {
				close(dtls)
			})
		}
	})
	if p.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		return nil
	}

	select {
	case <-dtls:
		return nil
	case <-p.failed:
		return liberrors.ErrMediaNegotiation{Reason: "transport failed during DTLS handshake"}
	case <-done:
		return liberrors.ErrTransportClosed{Wrapped: errSessionClosed}
	case <-time.After(dtlsTimeout):
		return liberrors.ErrTimeout{Phase: "DTLS handshake", Timeout: dtlsTimeout}
	}
}

func (p *mediaPeer) close() {
	p.pc.Close() //nolint:errcheck
}
