package rtpreorderer

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func TestReorder(t *testing.T) {
	r := New()

	out, lost := r.Process(&rtp.Packet{
		Header: rtp.Header{SequenceNumber: 100},
	})
	require.Equal(t, []*rtp.Packet{
		{Header: rtp.Header{SequenceNumber: 100}},
	}, out)
	require.Equal(t, 0, lost)

	// out-of-order packet is buffered
	out, lost = r.Process(&rtp.Packet{
		Header: rtp.Header{SequenceNumber: 102},
	})
	require.Equal(t, []*rtp.Packet(nil), out)
	require.Equal(t, 0, lost)

	// gap filled, both packets are delivered in order
	out, lost = r.Process(&rtp.Packet{
		Header: rtp.Header{SequenceNumber: 101},
	})
	require.Equal(t, []*rtp.Packet{
		{Header: rtp.Header{SequenceNumber: 101}},
		{Header: rtp.Header{SequenceNumber: 102}},
	}, out)
	require.Equal(t, 0, lost)
}

func TestDuplicate(t *testing.T) {
	r := New()

	out, _ := r.Process(&rtp.Packet{
		Header: rtp.Header{SequenceNumber: 400},
	})
	require.Equal(t, 1, len(out))

	out, lost := r.Process(&rtp.Packet{
		Header: rtp.Header{SequenceNumber: 400},
	})
	require.Equal(t, []*rtp.Packet(nil), out)
	require.Equal(t, 0, lost)
}

func TestLostReporting(t *testing.T) {
	r := New()

	out, _ := r.Process(&rtp.Packet{
		Header: rtp.Header{SequenceNumber: 1000},
	})
	require.Equal(t, 1, len(out))

	// buffer one packet after a gap
	out, _ = r.Process(&rtp.Packet{
		Header: rtp.Header{SequenceNumber: 1005},
	})
	require.Equal(t, 0, len(out))

	// far-ahead packet flushes the buffer and declares the gaps lost
	out, lost := r.Process(&rtp.Packet{
		Header: rtp.Header{SequenceNumber: 1000 + bufferSize + 1},
	})
	require.Equal(t, []*rtp.Packet{
		{Header: rtp.Header{SequenceNumber: 1005}},
		{Header: rtp.Header{SequenceNumber: 1000 + bufferSize + 1}},
	}, out)
	require.Equal(t, bufferSize-1, lost)

	// delivery resumes in order
	out, lost = r.Process(&rtp.Packet{
		Header: rtp.Header{SequenceNumber: 1000 + bufferSize + 2},
	})
	require.Equal(t, 1, len(out))
	require.Equal(t, 0, lost)
}

func TestSequenceNumberWraparound(t *testing.T) {
	r := New()

	var expected []*rtp.Packet
	var all []*rtp.Packet

	for seq := uint16(0xfffd); seq != 3; seq++ {
		expected = append(expected, &rtp.Packet{
			Header: rtp.Header{SequenceNumber: seq},
		})

		out, lost := r.Process(&rtp.Packet{
			Header: rtp.Header{SequenceNumber: seq},
		})
		require.Equal(t, 0, lost)
		all = append(all, out...)
	}

	require.Equal(t, expected, all)
}
