// Package rtph264 contains a RTP/H264 depacketizer and packetizer.
package rtph264

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ErrMorePacketsNeeded is returned when more packets are needed.
var ErrMorePacketsNeeded = errors.New("need more packets")

// ErrNonStartingPacketAndNoPrevious is returned when we received a non-starting
// packet of a fragmented NALU and we didn't receive anything before.
// It's normal to receive this when decoding a stream that has been already
// running for some time.
var ErrNonStartingPacketAndNoPrevious = errors.New(
	"received a non-starting fragment without any previous starting fragment")

// MalformedPacketError is returned when a packet cannot be parsed.
// The access unit being reassembled is dropped.
type MalformedPacketError struct {
	Reason string
}

// Error implements the error interface.
func (e MalformedPacketError) Error() string {
	return "malformed packet: " + e.Reason
}

func joinFragments(fragments [][]byte, size int) []byte {
	ret := make([]byte, size)
	n := 0
	for _, p := range fragments {
		n += copy(ret[n:], p)
	}
	return ret
}

func isAllZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// Decoder is a RTP/H264 depacketizer.
// It groups NALUs into access units, using the marker bit and timestamp
// changes as boundaries.
// Specification: https://datatracker.ietf.org/doc/html/rfc6184
type Decoder struct {
	firstPacketReceived bool
	fragments           [][]byte
	fragmentsSize       int
	fragmentNextSeqNum  uint16

	// for Decode()
	accessUnit          [][]byte
	accessUnitLen       int
	accessUnitSize      int
	accessUnitTimestamp uint32
	accessUnitNextSeq   uint16
}

// Init initializes the decoder.
func (d *Decoder) Init() error {
	return nil
}

func (d *Decoder) resetFragments() {
	d.fragments = d.fragments[:0]
	d.fragmentsSize = 0
}

func (d *Decoder) resetAccessUnit() {
	d.accessUnit = nil
	d.accessUnitLen = 0
	d.accessUnitSize = 0
}

func (d *Decoder) decodeNALUs(pkt *rtp.Packet) ([][]byte, error) {
	if len(pkt.Payload) < 1 {
		d.resetFragments()
		return nil, MalformedPacketError{Reason: "payload is too short"}
	}

	typ := h264.NALUType(pkt.Payload[0] & 0x1F)
	var nalus [][]byte

	switch typ {
	case h264.NALUTypeFUA:
		if len(pkt.Payload) < 2 {
			d.resetFragments()
			return nil, MalformedPacketError{Reason: "invalid FU-A packet (invalid size)"}
		}

		start := pkt.Payload[1] >> 7
		end := (pkt.Payload[1] >> 6) & 0x01

		if start == 1 {
			d.resetFragments()

			nri := (pkt.Payload[0] >> 5) & 0x03
			typ := pkt.Payload[1] & 0x1F
			d.fragmentsSize = len(pkt.Payload[1:])
			d.fragments = append(d.fragments, []byte{(nri << 5) | typ}, pkt.Payload[2:])
			d.fragmentNextSeqNum = pkt.SequenceNumber + 1
			d.firstPacketReceived = true

			// a FU with both Start and End set is forbidden by RFC 6184,
			// but some encoders emit it for small frames anyway.
			if end != 0 {
				nalus = [][]byte{joinFragments(d.fragments, d.fragmentsSize)}
				d.resetFragments()
				break
			}

			return nil, ErrMorePacketsNeeded
		}

		if d.fragmentsSize == 0 {
			if !d.firstPacketReceived {
				return nil, ErrNonStartingPacketAndNoPrevious
			}

			return nil, MalformedPacketError{Reason: "invalid FU-A packet (non-starting)"}
		}

		if pkt.SequenceNumber != d.fragmentNextSeqNum {
			d.resetFragments()
			return nil, MalformedPacketError{Reason: "discarding frame since a RTP packet is missing"}
		}

		d.fragmentsSize += len(pkt.Payload[2:])

		if d.fragmentsSize > h264.MaxAccessUnitSize {
			d.resetFragments()
			return nil, MalformedPacketError{Reason: fmt.Sprintf(
				"NALU size (%d) is too big, maximum is %d", d.fragmentsSize, h264.MaxAccessUnitSize)}
		}

		d.fragments = append(d.fragments, pkt.Payload[2:])
		d.fragmentNextSeqNum++

		if end != 1 {
			return nil, ErrMorePacketsNeeded
		}

		nalus = [][]byte{joinFragments(d.fragments, d.fragmentsSize)}
		d.resetFragments()

	case h264.NALUTypeSTAPA:
		d.resetFragments()

		payload := pkt.Payload[1:]

		for {
			if len(payload) < 2 {
				return nil, MalformedPacketError{Reason: "invalid STAP-A packet (invalid size)"}
			}

			size := uint16(payload[0])<<8 | uint16(payload[1])
			payload = payload[2:]

			// discard padding
			if size == 0 && isAllZero(payload) {
				break
			}

			if int(size) > len(payload) {
				return nil, MalformedPacketError{Reason: "invalid STAP-A packet (invalid size)"}
			}

			nalus = append(nalus, payload[:size])
			payload = payload[size:]

			if len(payload) == 0 {
				break
			}
		}

		if nalus == nil {
			return nil, MalformedPacketError{Reason: "STAP-A packet doesn't contain any NALU"}
		}

		d.firstPacketReceived = true

	case h264.NALUTypeSTAPB, h264.NALUTypeMTAP16,
		h264.NALUTypeMTAP24, h264.NALUTypeFUB:
		d.resetFragments()
		d.firstPacketReceived = true
		return nil, fmt.Errorf("packet type not supported (%v)", typ)

	default:
		d.resetFragments()
		d.firstPacketReceived = true
		nalus = [][]byte{pkt.Payload}
	}

	return nalus, nil
}

// Decode decodes an access unit from a RTP packet.
// An access unit ends when a packet carries the marker bit, or when the
// timestamp changes before any marker has been seen. The returned timestamp
// is the RTP timestamp of the returned access unit.
// A MalformedPacketError drops the access unit being reassembled.
func (d *Decoder) Decode(pkt *rtp.Packet) ([][]byte, uint32, error) {
	var flushed [][]byte
	var flushedTimestamp uint32

	// a timestamp change on the expected packet closes the access unit in
	// progress even when no marker was seen.
	if d.accessUnitLen > 0 && pkt.Timestamp != d.accessUnitTimestamp {
		if pkt.SequenceNumber == d.accessUnitNextSeq {
			flushed = d.accessUnit
			flushedTimestamp = d.accessUnitTimestamp
		}
		// otherwise the tail of the access unit was lost together
		// with its marker; discard the partial access unit.
		d.resetAccessUnit()
	}
	d.accessUnitNextSeq = pkt.SequenceNumber + 1

	nalus, err := d.decodeNALUs(pkt)
	if err != nil {
		var malformed MalformedPacketError
		if errors.As(err, &malformed) {
			d.resetAccessUnit()
		}
		if flushed != nil && errors.Is(err, ErrMorePacketsNeeded) {
			return flushed, flushedTimestamp, nil
		}
		return nil, 0, err
	}
	l := len(nalus)

	if (d.accessUnitLen + l) > h264.MaxNALUsPerAccessUnit {
		d.resetAccessUnit()
		return nil, 0, fmt.Errorf("NALU count exceeds maximum allowed (%d)",
			h264.MaxNALUsPerAccessUnit)
	}

	addSize := 0

	for _, nalu := range nalus {
		addSize += len(nalu)
	}

	if (d.accessUnitSize + addSize) > h264.MaxAccessUnitSize {
		size := d.accessUnitSize + addSize
		d.resetAccessUnit()
		return nil, 0, fmt.Errorf("access unit size (%d) is too big, maximum is %d",
			size, h264.MaxAccessUnitSize)
	}

	d.accessUnit = append(d.accessUnit, nalus...)
	d.accessUnitLen += l
	d.accessUnitSize += addSize
	d.accessUnitTimestamp = pkt.Timestamp

	if flushed != nil {
		return flushed, flushedTimestamp, nil
	}

	if !pkt.Marker {
		return nil, 0, ErrMorePacketsNeeded
	}

	ret := d.accessUnit

	// do not reuse the slice to avoid race conditions
	d.resetAccessUnit()

	return ret, pkt.Timestamp, nil
}

// MarshalAnnexB serializes an access unit into the Annex-B byte stream format,
// with a 4-byte start code before each NALU.
func MarshalAnnexB(au [][]byte) ([]byte, error) {
	return h264.AnnexB(au).Marshal()
}
