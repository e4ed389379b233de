package rtph264

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// PayloadStartsKeyframe reports whether a RTP/H264 payload begins an IDR
// access unit. It inspects single-NALU packets, the contents of STAP-A
// aggregations and the starting fragment of a FU-A sequence.
func PayloadStartsKeyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}

	typ := h264.NALUType(payload[0] & 0x1F)

	switch typ {
	case h264.NALUTypeIDR:
		return true

	case h264.NALUTypeSTAPA:
		payload = payload[1:]
		for len(payload) >= 2 {
			size := uint16(payload[0])<<8 | uint16(payload[1])
			payload = payload[2:]
			if size == 0 || int(size) > len(payload) {
				return false
			}
			if h264.NALUType(payload[0]&0x1F) == h264.NALUTypeIDR {
				return true
			}
			payload = payload[size:]
		}
		return false

	case h264.NALUTypeFUA:
		if len(payload) < 2 {
			return false
		}
		start := payload[1] >> 7
		return start == 1 && h264.NALUType(payload[1]&0x1F) == h264.NALUTypeIDR
	}

	return false
}

// IsKeyframe reports whether an access unit contains an IDR NALU.
func IsKeyframe(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) >= 1 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}
