// Package discord contains the mirror peer that relays media into a
// Discord voice channel through the Go Live streaming feature.
package discord

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/mirru/mirru/internal/liberrors"
)

// main gateway opcodes.
const (
	gwOpDispatch         = 0
	gwOpHeartbeat        = 1
	gwOpIdentify         = 2
	gwOpVoiceStateUpdate = 4
	gwOpResume           = 6
	gwOpReconnect        = 7
	gwOpInvalidSession   = 9
	gwOpHello            = 10
	gwOpHeartbeatAck     = 11
	gwOpStreamCreate     = 18
	gwOpStreamSetPaused  = 22
)

// voice gateway opcodes.
const (
	voiceOpIdentify           = 0
	voiceOpSelectProtocol     = 1
	voiceOpReady              = 2
	voiceOpHeartbeat          = 3
	voiceOpSessionDescription = 4
	voiceOpSpeaking           = 5
	voiceOpHeartbeatAck       = 6
	voiceOpResume             = 7
	voiceOpHello              = 8
	voiceOpResumed            = 9
	voiceOpVideo              = 12
)

// negotiated RTP payload types.
const (
	audioPayloadType    = 111
	videoPayloadType    = 102
	videoRTXPayloadType = 103
)

// gateway intents sent in Identify.
const (
	intentGuildVoiceStates = 1 << 7
	intentGuildMessages    = 1 << 9
	intentMessageContent   = 1 << 15

	identifyIntents = intentGuildVoiceStates | intentGuildMessages | intentMessageContent
)

// Snowflake is a 64-bit Discord id.
// It is marshaled as a JSON string and unmarshaled from either a string or a
// number, without going through float64, so that ids above 2^53 keep their
// precision.
type Snowflake uint64

// MarshalJSON implements json.Marshaler.
func (s Snowflake) MarshalJSON() ([]byte, error) {
	b := strconv.AppendUint([]byte{'"'}, uint64(s), 10)
	return append(b, '"'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Snowflake) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return liberrors.ErrMalformedSignalling{Reason: "invalid snowflake: " + string(b)}
	}
	*s = Snowflake(v)
	return nil
}

// String implements fmt.Stringer.
func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// message is the envelope shared by the main gateway and the voice gateway.
type message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

func encodeMessage(op int, d interface{}) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(message{Op: op, D: raw})
}

// main gateway payloads.

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	User             struct {
		ID Snowflake `json:"id"`
	} `json:"user"`
}

type voiceStateUpdateData struct {
	GuildID   Snowflake  `json:"guild_id"`
	ChannelID *Snowflake `json:"channel_id"`
	SelfMute  bool       `json:"self_mute"`
	SelfDeaf  bool       `json:"self_deaf"`
	SelfVideo bool       `json:"self_video"`
}

type voiceStateData struct {
	UserID    Snowflake `json:"user_id"`
	SessionID string    `json:"session_id"`
}

type voiceServerUpdateData struct {
	Token    string    `json:"token"`
	GuildID  Snowflake `json:"guild_id"`
	Endpoint string    `json:"endpoint"`
}

type streamCreateRequest struct {
	Type            string      `json:"type"`
	GuildID         Snowflake   `json:"guild_id"`
	ChannelID       Snowflake   `json:"channel_id"`
	PreferredRegion interface{} `json:"preferred_region"`
}

type streamSetPausedRequest struct {
	StreamKey string `json:"stream_key"`
	Paused    bool   `json:"paused"`
}

type streamCreateData struct {
	StreamKey    string `json:"stream_key"`
	RTCServerID  string `json:"rtc_server_id"`
	RTCChannelID string `json:"rtc_channel_id"`
}

type streamServerUpdateData struct {
	StreamKey string `json:"stream_key"`
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
}

// voice gateway payloads.

type voiceStream struct {
	Type    string `json:"type"`
	RID     string `json:"rid"`
	Quality int    `json:"quality"`
	SSRC    uint32 `json:"ssrc,omitempty"`
	RTXSSRC uint32 `json:"rtx_ssrc,omitempty"`
}

type voiceIdentifyData struct {
	ServerID  string        `json:"server_id"`
	ChannelID string        `json:"channel_id"`
	UserID    string        `json:"user_id"`
	SessionID string        `json:"session_id"`
	Token     string        `json:"token"`
	Video     bool          `json:"video"`
	Streams   []voiceStream `json:"streams"`
}

type voiceResumeData struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	SeqAck    int64  `json:"seq_ack"`
}

type voiceHelloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type voiceHeartbeatData struct {
	T      uint64 `json:"t"`
	SeqAck int64  `json:"seq_ack"`
}

type voiceHeartbeatAckData struct {
	T uint64 `json:"t"`
}

type voiceReadyData struct {
	SSRC    uint32        `json:"ssrc"`
	IP      string        `json:"ip"`
	Port    int           `json:"port"`
	Modes   []string      `json:"modes"`
	Streams []voiceStream `json:"streams"`
}

type voiceCodec struct {
	Name           string      `json:"name"`
	Type           string      `json:"type"`
	Priority       int         `json:"priority"`
	PayloadType    uint8       `json:"payload_type"`
	RTXPayloadType interface{} `json:"rtx_payload_type"`
}

type voiceSelectProtocolData struct {
	Protocol        string       `json:"protocol"`
	Data            string       `json:"data"`
	SDP             string       `json:"sdp"`
	Codecs          []voiceCodec `json:"codecs"`
	RTCConnectionID string       `json:"rtc_connection_id"`
}

type voiceSessionDescriptionData struct {
	SDP string `json:"sdp"`
}

type voiceSpeakingData struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

type voiceVideoData struct {
	AudioSSRC uint32        `json:"audio_ssrc"`
	VideoSSRC uint32        `json:"video_ssrc"`
	RTXSSRC   uint32        `json:"rtx_ssrc"`
	Streams   []videoStream `json:"streams"`
}

type videoStreamResolution struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type videoStream struct {
	Type          string                `json:"type"`
	RID           string                `json:"rid"`
	SSRC          uint32                `json:"ssrc"`
	RTXSSRC       uint32                `json:"rtx_ssrc"`
	Active        bool                  `json:"active"`
	Quality       int                   `json:"quality"`
	MaxBitrate    int                   `json:"max_bitrate"`
	MaxFramerate  int                   `json:"max_framerate"`
	MaxResolution videoStreamResolution `json:"max_resolution"`
}
