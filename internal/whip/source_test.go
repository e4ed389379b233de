package whip

import (
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/mirru/mirru/internal/hub"
)

func TestNegotiate(t *testing.T) {
	h := &hub.Hub{}
	err := h.Init()
	require.NoError(t, err)

	s := &Source{
		Hub: h,
		Log: logging.NewDefaultLoggerFactory().NewLogger("whip"),
	}
	err = s.Init()
	require.NoError(t, err)
	defer s.Close()

	require.NotEmpty(t, s.ID())
	require.Equal(t, StateIdle, s.State())

	// broadcaster side
	m := &webrtc.MediaEngine{}
	err = m.RegisterDefaultCodecs()
	require.NoError(t, err)

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close() //nolint:errcheck

	for _, kind := range []webrtc.RTPCodecType{
		webrtc.RTPCodecTypeAudio,
		webrtc.RTPCodecTypeVideo,
	} {
		_, err = pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		require.NoError(t, err)
	}

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	err = pc.SetLocalDescription(offer)
	require.NoError(t, err)

	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		t.Fatal("gathering timed out")
	}

	answer, err := s.Negotiate(pc.LocalDescription().SDP)
	require.NoError(t, err)

	require.Contains(t, answer, "a=recvonly")
	require.Contains(t, answer, "H264/90000")
	require.Contains(t, answer, "opus/48000/2")
}

func TestNegotiateInvalidOffer(t *testing.T) {
	h := &hub.Hub{}
	err := h.Init()
	require.NoError(t, err)

	s := &Source{
		Hub: h,
		Log: logging.NewDefaultLoggerFactory().NewLogger("whip"),
	}
	err = s.Init()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Negotiate("not a sdp")
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	for _, ca := range []struct {
		state State
		str   string
	}{
		{StateIdle, "idle"},
		{StateNegotiating, "negotiating"},
		{StateConnected, "connected"},
		{StateClosing, "closing"},
		{StateGone, "gone"},
	} {
		require.Equal(t, ca.str, ca.state.String())
	}
}
