package discord

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testOffer = "v=0\r\n" +
	"o=- 123 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=fingerprint:sha-256 11:22:33:44\r\n" +
	"a=group:BUNDLE 0 1\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=ice-ufrag:aBcD\r\n" +
	"a=ice-pwd:someicepasswordhere\r\n" +
	"a=ice-options:trickle\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n" +
	"a=ssrc:123456 cname:x\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 102 103\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=ice-ufrag:aBcD\r\n" +
	"a=ice-pwd:someicepasswordhere\r\n" +
	"a=rtpmap:102 H264/90000\r\n" +
	"a=rtpmap:103 rtx/90000\r\n" +
	"a=ssrc-group:FID 777888 777889\r\n" +
	"a=ssrc:777888 cname:x\r\n" +
	"a=ssrc:777889 cname:x\r\n"

func TestExtractLocalParams(t *testing.T) {
	p, err := extractLocalParams(testOffer)
	require.NoError(t, err)

	require.Equal(t, uint32(123456), p.AudioSSRC)
	require.Equal(t, uint32(777888), p.VideoSSRC)
	require.Equal(t, uint32(777889), p.RTXSSRC)
	require.Equal(t, "0", p.AudioMid)
	require.Equal(t, "1", p.VideoMid)

	lines := strings.Split(p.Attributes, "\n")
	require.Equal(t, "a=extmap-allow-mixed", lines[0])
	require.Contains(t, lines, "a=fingerprint:sha-256 11:22:33:44")
	require.Contains(t, lines, "a=ice-ufrag:aBcD")
	require.Contains(t, lines, "a=rtpmap:111 opus/48000/2")
	require.Contains(t, lines, "a=rtpmap:102 H264/90000")

	// attributes repeated across media sections appear once.
	count := 0
	for _, l := range lines {
		if l == "a=ice-ufrag:aBcD" {
			count++
		}
	}
	require.Equal(t, 1, count)

	// ssrc values are announced through the Video opcode, not the block.
	for _, l := range lines {
		require.False(t, strings.HasPrefix(l, "a=ssrc"))
	}
}

func TestExtractLocalParamsInvalid(t *testing.T) {
	_, err := extractLocalParams("not a sdp")
	require.Error(t, err)
}

const testBareBlock = "m=audio 50017 ICE/SDP\n" +
	"c=IN IP4 66.22.206.5\n" +
	"a=rtcp:50017\n" +
	"a=ice-ufrag:remoteUfrag\n" +
	"a=ice-pwd:remoteIcePassword\n" +
	"a=fingerprint:sha-256 AA:BB:CC:DD\n" +
	"a=candidate:1 1 UDP 4261412862 66.22.206.5 50017 typ host\n"

func TestBuildAnswerSDP(t *testing.T) {
	p := &localParams{
		AudioMid: "0",
		VideoMid: "1",
	}

	answer, err := buildAnswerSDP(testBareBlock, p, "recvonly")
	require.NoError(t, err)

	require.Contains(t, answer, "a=group:BUNDLE 0 1")
	require.Contains(t, answer, "m=audio 50017 UDP/TLS/RTP/SAVPF 111")
	require.Contains(t, answer, "m=video 50017 UDP/TLS/RTP/SAVPF 102 103")
	require.Contains(t, answer, "a=rtpmap:111 opus/48000/2")
	require.Contains(t, answer, "a=rtpmap:102 H264/90000")
	require.Contains(t, answer, "a=rtpmap:103 rtx/90000")
	require.Contains(t, answer, "a=fmtp:103 apt=102")
	require.Contains(t, answer, "a=setup:passive")
	require.Contains(t, answer, "a=recvonly")
	require.Contains(t, answer, "a=maxptime:60")

	// the transport attributes of the gateway's block are copied into
	// both media sections.
	candidate := "a=candidate:1 1 UDP 4261412862 66.22.206.5 50017 typ host"
	require.Equal(t, 2, strings.Count(answer, candidate))
	require.Equal(t, 2, strings.Count(answer, "a=ice-ufrag:remoteUfrag"))
	require.Equal(t, 2, strings.Count(answer, "c=IN IP4 66.22.206.5"))
}

func TestBuildAnswerSDPDirection(t *testing.T) {
	p := &localParams{AudioMid: "0", VideoMid: "1"}

	answer, err := buildAnswerSDP(testBareBlock, p, "inactive")
	require.NoError(t, err)
	require.Contains(t, answer, "a=inactive")
	require.NotContains(t, answer, "a=recvonly")
}

func TestBuildAnswerSDPInvalid(t *testing.T) {
	p := &localParams{AudioMid: "0", VideoMid: "1"}

	_, err := buildAnswerSDP("garbage without media", p, "recvonly")
	require.Error(t, err)
}
