// Package whip contains the WHIP source peer.
package whip

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/mirru/mirru/internal/hub"
	"github.com/mirru/mirru/internal/liberrors"
)

const (
	gatherTimeout  = 10 * time.Second
	connectTimeout = 15 * time.Second

	// interval of the keyframe requests sent toward the broadcaster
	// while mirrors are attached.
	periodicPLIInterval = 3 * time.Second
)

// State is the state of a Source.
type State int

// states.
const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateClosing
	StateGone
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return "gone"
}

// Source is a WHIP source peer.
// It terminates one WebRTC session initiated by a broadcaster and forwards
// every inbound RTP packet to the hub.
type Source struct {
	Hub *hub.Hub
	Log logging.LeveledLogger

	// called when the session ends for any reason other than Close().
	OnGone func()

	id string
	pc *webrtc.PeerConnection

	mutex     sync.Mutex
	state     State
	videoSSRC uint32
	audioSSRC uint32
	startTime time.Time

	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Init initializes the source peer.
func (s *Source) Init() error {
	s.id = uuid.NewString()
	s.state = StateIdle
	s.connected = make(chan struct{})
	s.done = make(chan struct{})

	m := &webrtc.MediaEngine{}

	err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return err
	}

	videoRTCPFeedback := []webrtc.RTCPFeedback{
		{Type: "goog-remb"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
	}

	err = m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: 90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;" +
				"profile-level-id=42e01f",
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: 102,
	}, webrtc.RTPCodecTypeVideo)
	if err != nil {
		return err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	s.pc, err = api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}

	for _, kind := range []webrtc.RTPCodecType{
		webrtc.RTPCodecTypeAudio,
		webrtc.RTPCodecTypeVideo,
	} {
		_, err = s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			s.pc.Close() //nolint:errcheck
			return err
		}
	}

	s.pc.OnTrack(s.handleTrack)
	s.pc.OnICEConnectionStateChange(s.handleICEStateChange)

	s.Hub.OnKeyframeRequest(s.sendPLI)

	return nil
}

// ID returns the WHIP resource identifier of the session.
func (s *Source) ID() string {
	return s.id
}

// State returns the current state.
func (s *Source) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// StartTime returns the instant the session became connected.
func (s *Source) StartTime() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.startTime
}

func (s *Source) setState(state State) {
	s.mutex.Lock()
	old := s.state
	s.state = state
	s.mutex.Unlock()

	if old != state {
		s.Log.Infof("source state: %s -> %s", old, state)
	}
}

// Negotiate consumes a SDP offer and returns the SDP answer.
// The answer contains all gathered host candidates.
func (s *Source) Negotiate(offer string) (string, error) {
	s.setState(StateNegotiating)

	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	})
	if err != nil {
		return "", liberrors.ErrMediaNegotiation{Reason: err.Error()}
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", liberrors.ErrMediaNegotiation{Reason: err.Error()}
	}

	gatherComplete := webrtc.GatheringCompletePromise(s.pc)

	err = s.pc.SetLocalDescription(answer)
	if err != nil {
		return "", liberrors.ErrMediaNegotiation{Reason: err.Error()}
	}

	select {
	case <-gatherComplete:
	case <-time.After(gatherTimeout):
		return "", liberrors.ErrTimeout{Phase: "ICE gathering", Timeout: gatherTimeout}
	}

	go s.watchConnect()

	return s.pc.LocalDescription().SDP, nil
}

func (s *Source) watchConnect() {
	select {
	case <-s.connected:
	case <-s.done:
	case <-time.After(connectTimeout):
		s.Log.Errorf("source ICE connection timed out")
		s.goGone()
	}
}

func (s *Source) handleICEStateChange(state webrtc.ICEConnectionState) {
	s.Log.Debugf("source ICE state: %s", state)

	switch state {
	case webrtc.ICEConnectionStateConnected:
		s.mutex.Lock()
		alreadyConnected := s.state == StateConnected
		if !alreadyConnected {
			s.state = StateConnected
			s.startTime = time.Now()
		}
		s.mutex.Unlock()

		if !alreadyConnected {
			s.Log.Infof("source state: %s -> %s", StateNegotiating, StateConnected)
			close(s.connected)
			s.Hub.SourceAttached()
		}

	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		s.goGone()
	}
}

func (s *Source) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	var kind hub.MediaKind
	if strings.HasPrefix(track.Codec().MimeType, "audio/") {
		kind = hub.MediaAudio
	} else {
		kind = hub.MediaVideo
	}

	s.mutex.Lock()
	if kind == hub.MediaVideo {
		s.videoSSRC = uint32(track.SSRC())
	} else {
		s.audioSSRC = uint32(track.SSRC())
	}
	s.mutex.Unlock()

	s.Log.Infof("source track started: %s ssrc=%d pt=%d",
		kind, track.SSRC(), track.PayloadType())

	if kind == hub.MediaVideo {
		go s.runPeriodicPLI()
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			s.Log.Debugf("source track %s ended: %v", kind, err)
			return
		}

		s.Hub.Publish(&hub.Frame{
			Kind:           kind,
			SSRC:           pkt.SSRC,
			PayloadType:    pkt.PayloadType,
			SequenceNumber: pkt.SequenceNumber,
			Timestamp:      pkt.Timestamp,
			Marker:         pkt.Marker,
			Payload:        pkt.Payload,
			ReceivedAt:     time.Now(),
		})
	}
}

// runPeriodicPLI keeps requesting keyframes while mirrors are attached,
// so that a mirror joining mid-stream does not wait for the natural
// keyframe period of the broadcaster.
func (s *Source) runPeriodicPLI() {
	t := time.NewTicker(periodicPLIInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if s.Hub.SubscriberCount() > 0 {
				s.sendPLI()
			}

		case <-s.done:
			return
		}
	}
}

func (s *Source) sendPLI() {
	s.mutex.Lock()
	ssrc := s.videoSSRC
	s.mutex.Unlock()

	if ssrc == 0 {
		return
	}

	err := s.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	})
	if err != nil {
		s.Log.Debugf("unable to send PLI: %v", err)
	}
}

func (s *Source) goGone() {
	s.closeOnce.Do(func() {
		s.setState(StateGone)
		close(s.done)
		s.pc.Close() //nolint:errcheck
		s.Hub.SourceDetached()

		if s.OnGone != nil {
			s.OnGone()
		}
	})
}

// Close tears down the session.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.done)
		s.pc.Close() //nolint:errcheck
		s.setState(StateGone)
		s.Hub.SourceDetached()
	})
}
