package discord

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/mirru/mirru/internal/liberrors"
)

// nonces must survive a float64 round trip on the server side.
const maxHeartbeatNonce = 1<<53 - 1

// close codes after which the voice gateway session cannot be resumed.
var voiceFatalCloseCodes = map[int]struct{}{
	4004: {},
	4006: {},
	4007: {},
	4008: {},
	4009: {},
	4010: {},
	4011: {},
	4012: {},
	4013: {},
	4014: {},
	4016: {},
	4017: {},
	4018: {},
	4019: {},
	4020: {},
}

// voiceMessage is the voice gateway envelope.
type voiceMessage struct {
	Op  int             `json:"op"`
	D   json.RawMessage `json:"d,omitempty"`
	Seq int64           `json:"seq,omitempty"`
}

// voiceSessionMode selects which media leg a voice session carries.
type voiceSessionMode int

const (
	// the session joined through VOICE_SERVER_UPDATE; carries audio.
	modeVoice voiceSessionMode = iota

	// the Go Live session joined through STREAM_SERVER_UPDATE; carries video.
	modeStream
)

// String implements fmt.Stringer.
func (m voiceSessionMode) String() string {
	if m == modeVoice {
		return "voice"
	}
	return "stream"
}

// voiceSession is one voice gateway connection plus its WebRTC leg.
type voiceSession struct {
	Mode      voiceSessionMode
	Endpoint  string
	ServerID  string
	ChannelID string
	UserID    Snowflake
	SessionID string
	Token     string
	Log       logging.LeveledLogger

	// called when the session ends for any reason other than Close().
	OnGone func(err error)

	peer *mediaPeer

	mutex      sync.Mutex
	conn       *websocket.Conn
	writeMutex sync.Mutex

	seqAck     int64
	lastNonce  uint64
	acksMissed int32

	hbInterval time.Duration

	readyCh chan voiceReadyData
	sdpCh   chan string
	helloCh chan voiceHelloData

	ready  voiceReadyData
	params *localParams

	done      chan struct{}
	closeOnce sync.Once
}

// Connect performs the full signalling sequence up to connected media.
func (v *voiceSession) Connect(ctx context.Context) error {
	v.readyCh = make(chan voiceReadyData, 1)
	v.sdpCh = make(chan string, 1)
	v.helloCh = make(chan voiceHelloData, 1)
	v.done = make(chan struct{})
	atomic.StoreInt64(&v.seqAck, 1)

	url := "wss://" + v.Endpoint + "/?v=9"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return liberrors.ErrTransportClosed{Wrapped: err}
	}
	v.conn = conn

	go v.runReader(conn, url)

	err = v.writeOp(voiceOpIdentify, voiceIdentifyData{
		ServerID:  v.ServerID,
		ChannelID: v.ChannelID,
		UserID:    v.UserID.String(),
		SessionID: v.SessionID,
		Token:     v.Token,
		Video:     true,
		Streams: []voiceStream{{
			Type:    "screen",
			RID:     "100",
			Quality: 100,
		}},
	})
	if err != nil {
		v.Close()
		return err
	}

	select {
	case hello := <-v.helloCh:
		v.hbInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
		go v.runHeartbeat()
	case <-v.done:
		return liberrors.ErrTransportClosed{Wrapped: errSessionClosed}
	case <-ctx.Done():
		v.Close()
		return ctx.Err()
	case <-time.After(signalTimeout):
		v.Close()
		return liberrors.ErrTimeout{Phase: "voice hello", Timeout: signalTimeout}
	}

	select {
	case v.ready = <-v.readyCh:
	case <-v.done:
		return liberrors.ErrTransportClosed{Wrapped: errSessionClosed}
	case <-ctx.Done():
		v.Close()
		return ctx.Err()
	case <-time.After(signalTimeout):
		v.Close()
		return liberrors.ErrTimeout{Phase: "voice ready", Timeout: signalTimeout}
	}

	v.Log.Debugf("%s session ready: ssrc=%d %s:%d",
		v.Mode, v.ready.SSRC, v.ready.IP, v.ready.Port)

	peer, err := newMediaPeer(v.Log)
	if err != nil {
		v.Close()
		return err
	}

	v.mutex.Lock()
	v.peer = peer
	v.mutex.Unlock()

	offer, err := v.peer.createOffer()
	if err != nil {
		v.Close()
		return err
	}

	v.params, err = extractLocalParams(offer)
	if err != nil {
		v.Close()
		return err
	}

	err = v.writeOp(voiceOpSelectProtocol, voiceSelectProtocolData{
		Protocol: "webrtc",
		Data:     v.params.Attributes,
		SDP:      v.params.Attributes,
		Codecs: []voiceCodec{
			{Name: "opus", Type: "audio", Priority: 1000,
				PayloadType: audioPayloadType, RTXPayloadType: nil},
			{Name: "H264", Type: "video", Priority: 1000,
				PayloadType: videoPayloadType, RTXPayloadType: videoRTXPayloadType},
		},
		RTCConnectionID: uuid.NewString(),
	})
	if err != nil {
		v.Close()
		return err
	}

	if v.Mode == modeStream {
		// announce the stream as inactive until media actually flows.
		err = v.sendVideo(false)
		if err != nil {
			v.Close()
			return err
		}
	}

	var bare string
	select {
	case bare = <-v.sdpCh:
	case <-v.done:
		return liberrors.ErrTransportClosed{Wrapped: errSessionClosed}
	case <-ctx.Done():
		v.Close()
		return ctx.Err()
	case <-time.After(signalTimeout):
		v.Close()
		return liberrors.ErrTimeout{Phase: "session description", Timeout: signalTimeout}
	}

	answer, err := buildAnswerSDP(bare, v.params, "recvonly")
	if err != nil {
		v.Close()
		return err
	}

	err = v.peer.setAnswer(answer)
	if err != nil {
		v.Close()
		return err
	}

	err = v.peer.waitConnected(v.done)
	if err != nil {
		v.Close()
		return err
	}

	speaking := 1
	delay := 5
	if v.Mode == modeStream {
		speaking = 2
		delay = 0
	}
	err = v.writeOp(voiceOpSpeaking, voiceSpeakingData{
		Speaking: speaking,
		Delay:    delay,
		SSRC:     v.ready.SSRC,
	})
	if err != nil {
		v.Close()
		return err
	}

	if v.Mode == modeStream {
		err = v.sendVideo(true)
		if err != nil {
			v.Close()
			return err
		}
	}

	return nil
}

// AudioTrack returns the outbound audio track.
func (v *voiceSession) AudioTrack() *webrtc.TrackLocalStaticRTP {
	return v.peer.audioTrack
}

// VideoTrack returns the outbound video track.
func (v *voiceSession) VideoTrack() *webrtc.TrackLocalStaticRTP {
	return v.peer.videoTrack
}

// SendVideoActive re-announces the video stream state.
func (v *voiceSession) SendVideoActive(active bool) error {
	return v.sendVideo(active)
}

func (v *voiceSession) sendVideo(active bool) error {
	videoSSRC := v.ready.SSRC
	rtxSSRC := uint32(0)
	if len(v.ready.Streams) > 0 {
		videoSSRC = v.ready.Streams[0].SSRC
		rtxSSRC = v.ready.Streams[0].RTXSSRC
	}

	audioSSRC := uint32(0)
	if active && v.params != nil {
		audioSSRC = v.params.AudioSSRC
		if v.params.VideoSSRC != 0 {
			videoSSRC = v.params.VideoSSRC
			rtxSSRC = v.params.RTXSSRC
		}
	}

	return v.writeOp(voiceOpVideo, voiceVideoData{
		AudioSSRC: audioSSRC,
		VideoSSRC: videoSSRC,
		RTXSSRC:   rtxSSRC,
		Streams: []videoStream{{
			Type:         "video",
			RID:          "100",
			SSRC:         videoSSRC,
			RTXSSRC:      rtxSSRC,
			Active:       active,
			Quality:      100,
			MaxBitrate:   3500000,
			MaxFramerate: 30,
			MaxResolution: videoStreamResolution{
				Type:   "fixed",
				Width:  1280,
				Height: 720,
			},
		}},
	})
}

func (v *voiceSession) writeOp(op int, d interface{}) error {
	buf, err := encodeMessage(op, d)
	if err != nil {
		return err
	}

	v.mutex.Lock()
	conn := v.conn
	v.mutex.Unlock()

	if conn == nil {
		return liberrors.ErrTransportClosed{Wrapped: errSessionClosed}
	}

	v.writeMutex.Lock()
	defer v.writeMutex.Unlock()

	err = conn.WriteMessage(websocket.TextMessage, buf)
	if err != nil {
		return liberrors.ErrTransportClosed{Wrapped: err}
	}
	return nil
}

func (v *voiceSession) runHeartbeat() {
	// the first beat is jittered across the interval.
	first := time.Duration(rand.Float64() * float64(v.hbInterval))

	select {
	case <-time.After(first):
	case <-v.done:
		return
	}

	t := time.NewTicker(v.hbInterval)
	defer t.Stop()

	for {
		if atomic.AddInt32(&v.acksMissed, 1) > 2 {
			// closing the socket makes the reader resume the session.
			v.Log.Warnf("%s session missed two heartbeat acks, forcing resume", v.Mode)
			v.mutex.Lock()
			v.conn.Close() //nolint:errcheck
			v.mutex.Unlock()
			atomic.StoreInt32(&v.acksMissed, 0)
		} else {
			nonce := rand.Uint64() % maxHeartbeatNonce
			atomic.StoreUint64(&v.lastNonce, nonce)
			v.writeOp(voiceOpHeartbeat, voiceHeartbeatData{ //nolint:errcheck
				T:      nonce,
				SeqAck: atomic.LoadInt64(&v.seqAck),
			})
		}

		select {
		case <-t.C:
		case <-v.done:
			return
		}
	}
}

func (v *voiceSession) runReader(conn *websocket.Conn, url string) {
	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-v.done:
				return
			default:
			}

			if ce, ok := err.(*websocket.CloseError); ok {
				if ce.Code == 4004 {
					v.goGone(liberrors.ErrAuthentication{Reason: ce.Text})
					return
				}
				if _, fatal := voiceFatalCloseCodes[ce.Code]; fatal {
					v.goGone(liberrors.ErrTransportClosed{Wrapped: ce})
					return
				}
			}

			conn = v.resume(url, err)
			if conn == nil {
				return
			}
			continue
		}

		var msg voiceMessage
		err = json.Unmarshal(buf, &msg)
		if err != nil {
			continue
		}
		if msg.Seq != 0 {
			atomic.StoreInt64(&v.seqAck, msg.Seq)
		}

		v.handleMessage(&msg)
	}
}

func (v *voiceSession) handleMessage(msg *voiceMessage) {
	switch msg.Op {
	case voiceOpHello:
		var hello voiceHelloData
		if json.Unmarshal(msg.D, &hello) != nil {
			return
		}
		pushLatest(v.helloCh, hello)

	case voiceOpReady:
		var ready voiceReadyData
		if json.Unmarshal(msg.D, &ready) != nil {
			return
		}
		pushLatest(v.readyCh, ready)

	case voiceOpSessionDescription:
		var desc voiceSessionDescriptionData
		if json.Unmarshal(msg.D, &desc) != nil {
			return
		}
		pushLatest(v.sdpCh, desc.SDP)

	case voiceOpHeartbeatAck:
		var ack voiceHeartbeatAckData
		if json.Unmarshal(msg.D, &ack) != nil {
			return
		}
		if ack.T == atomic.LoadUint64(&v.lastNonce) {
			atomic.StoreInt32(&v.acksMissed, 0)
		} else {
			// a foreign nonce means the server lost track of the
			// session; force a resume.
			v.Log.Warnf("%s session heartbeat nonce mismatch", v.Mode)
			v.mutex.Lock()
			v.conn.Close() //nolint:errcheck
			v.mutex.Unlock()
		}

	case voiceOpResumed:
		v.Log.Infof("%s session resumed", v.Mode)
	}
}

// resume redials the same endpoint and resumes the session after a socket
// drop. It returns the new connection, or nil if the session is gone.
func (v *voiceSession) resume(url string, cause error) *websocket.Conn {
	v.Log.Warnf("%s session connection lost (%v), resuming", v.Mode, cause)

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		v.goGone(liberrors.ErrTransportClosed{Wrapped: err})
		return nil
	}

	v.mutex.Lock()
	v.conn = conn
	v.mutex.Unlock()

	err = v.writeOp(voiceOpResume, voiceResumeData{
		ServerID:  v.ServerID,
		SessionID: v.SessionID,
		Token:     v.Token,
		SeqAck:    atomic.LoadInt64(&v.seqAck),
	})
	if err != nil {
		v.goGone(err)
		return nil
	}

	atomic.StoreInt32(&v.acksMissed, 0)
	return conn
}

func (v *voiceSession) goGone(err error) {
	v.closeOnce.Do(func() {
		close(v.done)

		v.mutex.Lock()
		v.conn.Close() //nolint:errcheck
		peer := v.peer
		v.mutex.Unlock()

		if peer != nil {
			peer.close()
		}

		if v.OnGone != nil {
			v.OnGone(err)
		}
	})
}

// Close tears down the session.
func (v *voiceSession) Close() {
	v.closeOnce.Do(func() {
		close(v.done)

		v.mutex.Lock()
		v.conn.Close() //nolint:errcheck
		peer := v.peer
		v.mutex.Unlock()

		if peer != nil {
			peer.close()
		}
	})
}
