// Package rtpreorderer implements a filter to reorder incoming RTP packets.
package rtpreorderer

import (
	"github.com/pion/rtp"
)

const (
	bufferSize = 64
)

// Reorderer filters incoming RTP packets, in order to
// - order packets
// - remove duplicate packets
// - report lost packets
type Reorderer struct {
	initialized    bool
	expectedSeqNum uint16
	buffer         []*rtp.Packet
	absPos         uint16
}

// New allocates a Reorderer.
func New() *Reorderer {
	return &Reorderer{
		buffer: make([]*rtp.Packet, bufferSize),
	}
}

// Process processes a RTP packet.
// It returns the packets that can be delivered in order, and the number
// of packets that are declared lost.
func (r *Reorderer) Process(pkt *rtp.Packet) ([]*rtp.Packet, int) {
	if !r.initialized {
		r.initialized = true
		r.expectedSeqNum = pkt.SequenceNumber + 1
		return []*rtp.Packet{pkt}, 0
	}

	relPos := pkt.SequenceNumber - r.expectedSeqNum

	// packet is a duplicate or has been sent
	// before the first packet processed by Reorderer.
	// discard.
	if relPos > 0xFFF {
		return nil, 0
	}

	// buffer is full. flush buffered packets, declare the missing ones
	// lost and restart from the current packet.
	if relPos >= bufferSize {
		buffered := 0
		var ret []*rtp.Packet

		for i := uint16(0); i < bufferSize; i++ {
			p := (r.absPos + i) & (bufferSize - 1)
			if r.buffer[p] != nil {
				ret = append(ret, r.buffer[p])
				r.buffer[p] = nil
				buffered++
			}
		}

		ret = append(ret, pkt)
		lost := int(relPos) - buffered

		r.absPos = 0
		r.expectedSeqNum = pkt.SequenceNumber + 1

		return ret, lost
	}

	// there's a missing packet
	if relPos != 0 {
		p := (r.absPos + relPos) & (bufferSize - 1)

		// current packet is a duplicate. discard.
		if r.buffer[p] != nil {
			return nil, 0
		}

		// put current packet in buffer.
		r.buffer[p] = pkt
		return nil, 0
	}

	count := uint16(1)
	for {
		p := (r.absPos + count) & (bufferSize - 1)
		if r.buffer[p] == nil {
			break
		}
		count++
	}

	ret := make([]*rtp.Packet, count)
	ret[0] = pkt

	r.absPos++
	r.absPos &= (bufferSize - 1)

	for i := uint16(1); i < count; i++ {
		ret[i], r.buffer[r.absPos] = r.buffer[r.absPos], nil
		r.absPos++
		r.absPos &= (bufferSize - 1)
	}

	r.expectedSeqNum = pkt.SequenceNumber + count

	return ret, 0
}
