package discord

import (
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/mirru/mirru/internal/hub"
	"github.com/mirru/mirru/internal/liberrors"
)

func TestStateString(t *testing.T) {
	for _, ca := range []struct {
		state State
		str   string
	}{
		{StateDisconnected, "disconnected"},
		{StateIdentifying, "identifying"},
		{StateUpdatingVoiceState, "updating_voice_state"},
		{StateVoiceConnecting, "voice_connecting"},
		{StateSelecting, "selecting"},
		{StateStreaming, "streaming"},
		{StateTerminating, "terminating"},
		{StateFailed, "failed"},
	} {
		require.Equal(t, ca.str, ca.state.String())
	}
}

func TestSessionModeString(t *testing.T) {
	require.Equal(t, "voice", modeVoice.String())
	require.Equal(t, "stream", modeStream.String())
}

func TestIsFatal(t *testing.T) {
	require.True(t, isFatal(liberrors.ErrAuthentication{Reason: "bad token"}))
	require.True(t, isFatal(liberrors.ErrMalformedSignalling{Reason: "bad payload"}))
	require.False(t, isFatal(liberrors.ErrTimeout{Phase: "x", Timeout: time.Second}))
	require.False(t, isFatal(liberrors.ErrTransportClosed{Wrapped: errSessionClosed}))
}

func TestMirrorInitEmptyToken(t *testing.T) {
	m := &Mirror{
		Token: "",
		Log:   logging.NewDefaultLoggerFactory().NewLogger("test"),
	}
	err := m.Init()
	require.Error(t, err)
	require.IsType(t, liberrors.ErrAuthentication{}, err)
}

func TestRecordRecoveryLimit(t *testing.T) {
	m := &Mirror{}

	for i := 0; i < maxRecoveries; i++ {
		require.True(t, m.recordRecovery())
	}
	require.False(t, m.recordRecovery())
}

func TestRecordRecoveryWindow(t *testing.T) {
	m := &Mirror{}

	// recoveries outside the window are forgotten.
	old := time.Now().Add(-2 * recoveryWindow)
	for i := 0; i < maxRecoveries; i++ {
		m.recoveries = append(m.recoveries, old)
	}

	require.True(t, m.recordRecovery())
}

func testVoiceSession(t *testing.T, mode voiceSessionMode) *voiceSession {
	audioTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "mirru")
	require.NoError(t, err)

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeH264,
		ClockRate: 90000,
	}, "video", "mirru")
	require.NoError(t, err)

	return &voiceSession{
		Mode: mode,
		Log:  logging.NewDefaultLoggerFactory().NewLogger("test"),
		peer: &mediaPeer{
			audioTrack: audioTrack,
			videoTrack: videoTrack,
		},
	}
}

func testForwarder(t *testing.T) (*forwarder, *hub.Hub) {
	h := &hub.Hub{}
	err := h.Init()
	require.NoError(t, err)

	f := &forwarder{
		Hub:    h,
		Voice:  testVoiceSession(t, modeVoice),
		Stream: testVoiceSession(t, modeStream),
		Log:    logging.NewDefaultLoggerFactory().NewLogger("test"),
	}
	err = f.Init()
	require.NoError(t, err)

	return f, h
}

func TestForwarderKeyframeWait(t *testing.T) {
	f, _ := testForwarder(t)

	require.True(t, f.waitingKeyframe)

	// a non-IDR access unit does not start video.
	f.handleFrame(&hub.Frame{
		Kind:           hub.MediaVideo,
		PayloadType:    102,
		SequenceNumber: 1,
		Timestamp:      3000,
		Marker:         true,
		Payload:        []byte{0x41, 0x01, 0x02},
	})
	require.True(t, f.waitingKeyframe)

	// an IDR access unit does.
	f.handleFrame(&hub.Frame{
		Kind:           hub.MediaVideo,
		PayloadType:    102,
		SequenceNumber: 2,
		Timestamp:      6000,
		Marker:         true,
		Payload:        []byte{0x65, 0x01, 0x02},
	})
	require.False(t, f.waitingKeyframe)
}

func TestForwarderLagRequestsKeyframe(t *testing.T) {
	f, h := testForwarder(t)

	count := 0
	h.OnKeyframeRequest(func() {
		count++
	})

	f.handleEvent(&hub.Event{Kind: hub.EventLag, Lag: 10})
	require.Equal(t, 1, count)
}

func TestForwarderSourceAttachedResets(t *testing.T) {
	f, h := testForwarder(t)

	// end the keyframe wait.
	f.handleFrame(&hub.Frame{
		Kind:           hub.MediaVideo,
		PayloadType:    102,
		SequenceNumber: 1,
		Timestamp:      3000,
		Marker:         true,
		Payload:        []byte{0x65, 0x01, 0x02},
	})
	require.False(t, f.waitingKeyframe)

	count := 0
	h.OnKeyframeRequest(func() {
		count++
	})

	// a new source re-enters the keyframe wait.
	f.handleEvent(&hub.Event{Kind: hub.EventSourceAttached})
	require.True(t, f.waitingKeyframe)
	require.Equal(t, 1, count)
}

func TestForwarderAudioPassthrough(t *testing.T) {
	f, _ := testForwarder(t)

	initial := f.audioSeq

	for i := 0; i < 3; i++ {
		f.handleFrame(&hub.Frame{
			Kind:           hub.MediaAudio,
			PayloadType:    111,
			SequenceNumber: uint16(100 + i),
			Timestamp:      uint32(i) * 960,
			Payload:        []byte{0xfc, 0x01},
		})
	}

	// outbound sequence numbers advance independently of the source.
	require.Equal(t, initial+3, f.audioSeq)
}
