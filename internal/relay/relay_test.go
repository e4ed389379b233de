package relay

import (
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/mirru/mirru/internal/hub"
)

func testSupervisor(t *testing.T) *Supervisor {
	h := &hub.Hub{}
	err := h.Init()
	require.NoError(t, err)

	s := &Supervisor{
		Hub:        h,
		LogFactory: logging.NewDefaultLoggerFactory(),
	}
	err = s.Init()
	require.NoError(t, err)

	return s
}

func testOffer(t *testing.T) string {
	m := &webrtc.MediaEngine{}
	err := m.RegisterDefaultCodecs()
	require.NoError(t, err)

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() {
		pc.Close() //nolint:errcheck
	})

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

	return pc.LocalDescription().SDP
}

func TestListEmpty(t *testing.T) {
	s := testSupervisor(t)
	defer s.Close()

	require.Empty(t, s.List())
}

func TestCreateMirrorEmptyToken(t *testing.T) {
	s := testSupervisor(t)
	defer s.Close()

	_, err := s.CreateMirror("", 1, 2, nil)
	require.Error(t, err)

	// the slot stays as a null tombstone so indices remain stable.
	list := s.List()
	require.Len(t, list, 1)
	require.Nil(t, list[0])
}

func TestCreateMirrorSlotReuse(t *testing.T) {
	s := testSupervisor(t)
	defer s.Close()

	_, err := s.CreateMirror("", 1, 2, nil)
	require.Error(t, err)

	_, err = s.CreateMirror("", 3, 4, nil)
	require.Error(t, err)

	// the freed slot is re-filled instead of growing the list.
	require.Len(t, s.List(), 1)
}

func TestDeleteMirrorNotFound(t *testing.T) {
	s := testSupervisor(t)
	defer s.Close()

	require.False(t, s.DeleteMirror(0))
	require.False(t, s.DeleteMirror(-1))
	require.False(t, s.DeleteMirror(42))
}

func TestAttachSourceInvalidOffer(t *testing.T) {
	s := testSupervisor(t)
	defer s.Close()

	_, _, err := s.AttachSource("not a sdp")
	require.Error(t, err)

	_, ok := s.SourceID()
	require.False(t, ok)
}

func TestAttachSource(t *testing.T) {
	s := testSupervisor(t)
	defer s.Close()

	id, answer, err := s.AttachSource(testOffer(t))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Contains(t, answer, "a=recvonly")

	cur, ok := s.SourceID()
	require.True(t, ok)
	require.Equal(t, id, cur)
}

func TestAttachSourceReplace(t *testing.T) {
	s := testSupervisor(t)
	defer s.Close()

	id1, _, err := s.AttachSource(testOffer(t))
	require.NoError(t, err)

	id2, _, err := s.AttachSource(testOffer(t))
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	cur, ok := s.SourceID()
	require.True(t, ok)
	require.Equal(t, id2, cur)
}

func TestDetachSource(t *testing.T) {
	s := testSupervisor(t)
	defer s.Close()

	id, _, err := s.AttachSource(testOffer(t))
	require.NoError(t, err)

	require.False(t, s.DetachSource("unknown"))
	require.True(t, s.DetachSource(id))
	require.False(t, s.DetachSource(id))

	_, ok := s.SourceID()
	require.False(t, ok)
}
