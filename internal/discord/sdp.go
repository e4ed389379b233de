package discord

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/mirru/mirru/internal/liberrors"
)

const answerSessionHeader = "v=0\r\n" +
	"o=- 1420070400000 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=msid-semantic: WMS *\r\n" +
	"a=group:BUNDLE 0 1\r\n"

// localParams is everything extracted from the gathered local offer that the
// voice gateway needs to see.
type localParams struct {
	// filtered attribute block sent inside SelectProtocol.
	Attributes string

	AudioSSRC uint32
	VideoSSRC uint32
	RTXSSRC   uint32
	AudioMid  string
	VideoMid  string
}

// extractLocalParams filters the local SDP offer down to the attribute block
// expected by the voice gateway and collects the announced SSRCs and mids.
func extractLocalParams(offer string) (*localParams, error) {
	var desc sdp.SessionDescription
	err := desc.Unmarshal([]byte(offer))
	if err != nil {
		return nil, liberrors.ErrMediaNegotiation{Reason: err.Error()}
	}

	p := &localParams{
		AudioMid: "0",
		VideoMid: "1",
	}

	var lines []string
	seen := make(map[string]struct{})
	addLine := func(attr sdp.Attribute) {
		var line string
		if attr.Value != "" {
			line = "a=" + attr.Key + ":" + attr.Value
		} else {
			line = "a=" + attr.Key
		}
		if _, ok := seen[line]; ok {
			return
		}
		seen[line] = struct{}{}
		lines = append(lines, line)
	}

	for _, attr := range desc.Attributes {
		if attr.Key == "fingerprint" {
			addLine(attr)
		}
	}

	for _, media := range desc.MediaDescriptions {
		kind := media.MediaName.Media

		for _, attr := range media.Attributes {
			switch attr.Key {
			case "ice-ufrag", "ice-pwd", "ice-options", "extmap", "rtpmap":
				addLine(attr)

			case "ssrc":
				if kind == "audio" && p.AudioSSRC == 0 {
					fields := strings.Fields(attr.Value)
					if len(fields) == 0 {
						return nil, liberrors.ErrMediaNegotiation{Reason: "empty ssrc attribute"}
					}
					v, err := strconv.ParseUint(fields[0], 10, 32)
					if err != nil {
						return nil, liberrors.ErrMediaNegotiation{Reason: "invalid ssrc: " + fields[0]}
					}
					p.AudioSSRC = uint32(v)
				}

			case "ssrc-group":
				if kind == "video" && p.VideoSSRC == 0 {
					fields := strings.Fields(attr.Value)
					if len(fields) < 3 {
						return nil, liberrors.ErrMediaNegotiation{Reason: "invalid ssrc-group: " + attr.Value}
					}
					v, err := strconv.ParseUint(fields[1], 10, 32)
					if err != nil {
						return nil, liberrors.ErrMediaNegotiation{Reason: "invalid ssrc-group: " + attr.Value}
					}
					p.VideoSSRC = uint32(v)
					v, err = strconv.ParseUint(fields[2], 10, 32)
					if err != nil {
						return nil, liberrors.ErrMediaNegotiation{Reason: "invalid ssrc-group: " + attr.Value}
					}
					p.RTXSSRC = uint32(v)
				}

			case "mid":
				switch kind {
				case "audio":
					p.AudioMid = attr.Value
				case "video":
					p.VideoMid = attr.Value
				}
			}
		}
	}

	p.Attributes = "a=extmap-allow-mixed\n" + strings.Join(lines, "\n")

	return p, nil
}

// buildAnswerSDP turns the bare media block returned by the voice gateway's
// SessionDescription message into a full SDP answer.
// The transport attributes (candidates, ice credentials, fingerprint) of the
// gateway's block are copied into both rebuilt media sections.
func buildAnswerSDP(bare string, p *localParams, direction string) (string, error) {
	raw := answerSessionHeader +
		strings.ReplaceAll(
			strings.ReplaceAll(bare, "ICE/SDP", "UDP/TLS/RTP/SAVPF "+strconv.Itoa(audioPayloadType)),
			"\n", "\r\n")

	var parsed sdp.SessionDescription
	err := parsed.Unmarshal([]byte(raw))
	if err != nil {
		return "", liberrors.ErrMalformedSignalling{Reason: "invalid session description: " + err.Error()}
	}
	if len(parsed.MediaDescriptions) == 0 {
		return "", liberrors.ErrMalformedSignalling{Reason: "session description without media"}
	}

	port := parsed.MediaDescriptions[0].MediaName.Port.Value
	connection := parsed.MediaDescriptions[0].ConnectionInformation
	transportAttrs := parsed.MediaDescriptions[0].Attributes

	template := answerSessionHeader +
		audioMediaSection(port, p.AudioMid, direction) +
		videoMediaSection(port, p.VideoMid, direction)

	var rebuilt sdp.SessionDescription
	err = rebuilt.Unmarshal([]byte(template))
	if err != nil {
		return "", liberrors.ErrInternal{Reason: "invalid answer template: " + err.Error()}
	}

	for _, media := range rebuilt.MediaDescriptions {
		media.ConnectionInformation = connection
		media.Attributes = append(media.Attributes, transportAttrs...)
	}

	out, err := rebuilt.Marshal()
	if err != nil {
		return "", liberrors.ErrInternal{Reason: err.Error()}
	}
	return string(out), nil
}

func audioMediaSection(port int, mid string, direction string) string {
	pt := strconv.Itoa(audioPayloadType)
	return "m=audio " + strconv.Itoa(port) + " UDP/TLS/RTP/SAVPF " + pt + "\r\n" +
		"a=rtpmap:" + pt + " opus/48000/2\r\n" +
		"a=fmtp:" + pt + " minptime=10;useinbandfec=1;usedtx=0\r\n" +
		"a=rtcp-fb:" + pt + " transport-cc\r\n" +
		"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n" +
		"a=extmap:3 http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01\r\n" +
		"a=setup:passive\r\n" +
		"a=mid:" + mid + "\r\n" +
		"a=maxptime:60\r\n" +
		"a=" + direction + "\r\n" +
		"a=rtcp-mux\r\n"
}

func videoMediaSection(port int, mid string, direction string) string {
	pt := strconv.Itoa(videoPayloadType)
	rtx := strconv.Itoa(videoRTXPayloadType)
	return "m=video " + strconv.Itoa(port) + " UDP/TLS/RTP/SAVPF " + pt + " " + rtx + "\r\n" +
		"a=rtpmap:" + pt + " H264/90000\r\n" +
		"a=rtpmap:" + rtx + " rtx/90000\r\n" +
		"a=fmtp:" + pt + " x-google-max-bitrate=2500;level-asymmetry-allowed=1;" +
		"packetization-mode=1;profile-level-id=42e01f\r\n" +
		"a=fmtp:" + rtx + " apt=" + pt + "\r\n" +
		"a=rtcp-fb:" + pt + " ccm fir\r\n" +
		"a=rtcp-fb:" + pt + " nack\r\n" +
		"a=rtcp-fb:" + pt + " nack pli\r\n" +
		"a=rtcp-fb:" + pt + " goog-remb\r\n" +
		"a=rtcp-fb:" + pt + " transport-cc\r\n" +
		"a=extmap:2 http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time\r\n" +
		"a=extmap:3 http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01\r\n" +
		"a=extmap:14 urn:ietf:params:rtp-hdrext:toffset\r\n" +
		"a=extmap:13 urn:3gpp:video-orientation\r\n" +
		"a=extmap:5 http://www.webrtc.org/experiments/rtp-hdrext/playout-delay\r\n" +
		"a=setup:passive\r\n" +
		"a=mid:" + mid + "\r\n" +
		"a=" + direction + "\r\n" +
		"a=rtcp-mux\r\n"
}
