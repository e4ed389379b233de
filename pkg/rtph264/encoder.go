package rtph264

import (
	"crypto/rand"

	"github.com/pion/rtp"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const (
	rtpVersion            = 2
	defaultPayloadMaxSize = 1200
)

func randUint32() (uint32, error) {
	var b [4]byte
	_, err := rand.Read(b[:])
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func packetCount(avail, le int) int {
	n := le / avail
	if (le % avail) != 0 {
		n++
	}
	return n
}

// Encoder is a RTP/H264 packetizer.
// It writes each NALU either as a single-NALU packet or as a FU-A sequence,
// and sets the marker bit on the last packet of each access unit.
// Specification: https://datatracker.ietf.org/doc/html/rfc6184
type Encoder struct {
	// payload type of packets.
	PayloadType uint8

	// SSRC of packets (optional).
	// It defaults to a random value.
	SSRC *uint32

	// initial sequence number of packets (optional).
	// It defaults to a random value.
	InitialSequenceNumber *uint16

	// maximum size of packet payloads (optional).
	// It defaults to 1200.
	PayloadMaxSize int

	sequenceNumber uint16
}

// Init initializes the encoder.
func (e *Encoder) Init() error {
	if e.SSRC == nil {
		v, err := randUint32()
		if err != nil {
			return err
		}
		e.SSRC = &v
	}
	if e.InitialSequenceNumber == nil {
		v, err := randUint32()
		if err != nil {
			return err
		}
		v2 := uint16(v)
		e.InitialSequenceNumber = &v2
	}
	if e.PayloadMaxSize == 0 {
		e.PayloadMaxSize = defaultPayloadMaxSize
	}

	e.sequenceNumber = *e.InitialSequenceNumber
	return nil
}

// Encode encodes an access unit into RTP/H264 packets.
// The given RTP timestamp is applied to every packet of the access unit.
func (e *Encoder) Encode(au [][]byte, timestamp uint32) ([]*rtp.Packet, error) {
	var rets []*rtp.Packet

	for i, nalu := range au {
		marker := i == (len(au) - 1)

		var pkts []*rtp.Packet
		if len(nalu) <= e.PayloadMaxSize {
			pkts = e.writeSingle(nalu, timestamp, marker)
		} else {
			pkts = e.writeFragmented(nalu, timestamp, marker)
		}
		rets = append(rets, pkts...)
	}

	return rets, nil
}

func (e *Encoder) writeSingle(nalu []byte, timestamp uint32, marker bool) []*rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			PayloadType:    e.PayloadType,
			SequenceNumber: e.sequenceNumber,
			Timestamp:      timestamp,
			SSRC:           *e.SSRC,
			Marker:         marker,
		},
		Payload: nalu,
	}

	e.sequenceNumber++

	return []*rtp.Packet{pkt}
}

func (e *Encoder) writeFragmented(nalu []byte, timestamp uint32, marker bool) []*rtp.Packet {
	// use only FU-A, not FU-B, since we always use non-interleaved mode
	// (packetization-mode=1)
	avail := e.PayloadMaxSize - 2
	le := len(nalu) - 1
	packetCount := packetCount(avail, le)

	ret := make([]*rtp.Packet, packetCount)

	nri := (nalu[0] >> 5) & 0x03
	typ := nalu[0] & 0x1F
	nalu = nalu[1:] // remove header
	le = avail
	start := uint8(1)
	end := uint8(0)

	for i := range ret {
		if i == (packetCount - 1) {
			end = 1
			le = len(nalu)
		}

		data := make([]byte, 2+le)
		data[0] = (nri << 5) | uint8(h264.NALUTypeFUA)
		data[1] = (start << 7) | (end << 6) | typ
		copy(data[2:], nalu)
		nalu = nalu[le:]

		ret[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        rtpVersion,
				PayloadType:    e.PayloadType,
				SequenceNumber: e.sequenceNumber,
				Timestamp:      timestamp,
				SSRC:           *e.SSRC,
				Marker:         (i == (packetCount-1) && marker),
			},
			Payload: data,
		}

		e.sequenceNumber++
		start = 0
	}

	return ret
}
