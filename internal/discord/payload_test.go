package discord

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnowflakeMarshal(t *testing.T) {
	// ids above 2^53 must not lose precision.
	buf, err := json.Marshal(Snowflake(1234567890123456789))
	require.NoError(t, err)
	require.Equal(t, `"1234567890123456789"`, string(buf))
}

func TestSnowflakeUnmarshal(t *testing.T) {
	for _, ca := range []struct {
		name string
		buf  string
		v    Snowflake
	}{
		{"string", `"1234567890123456789"`, 1234567890123456789},
		{"number", `1234567890123456789`, 1234567890123456789},
		{"small", `"42"`, 42},
	} {
		t.Run(ca.name, func(t *testing.T) {
			var s Snowflake
			err := json.Unmarshal([]byte(ca.buf), &s)
			require.NoError(t, err)
			require.Equal(t, ca.v, s)
		})
	}
}

func TestSnowflakeUnmarshalInvalid(t *testing.T) {
	var s Snowflake
	err := s.UnmarshalJSON([]byte(`"not a number"`))
	require.Error(t, err)
}

func TestEncodeMessage(t *testing.T) {
	buf, err := encodeMessage(gwOpHeartbeat, int64(42))
	require.NoError(t, err)
	require.JSONEq(t, `{"op": 1, "d": 42}`, string(buf))

	buf, err = encodeMessage(gwOpStreamSetPaused, streamSetPausedRequest{
		StreamKey: "guild:1:2:3",
		Paused:    false,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"op": 22, "d": {"stream_key": "guild:1:2:3", "paused": false}}`, string(buf))
}

func TestEnvelopeDecode(t *testing.T) {
	var msg message
	err := json.Unmarshal([]byte(`{"op":0,"t":"READY","s":3,"d":{"session_id":"abc",`+
		`"resume_gateway_url":"wss://gateway-us-east1-b.discord.gg",`+
		`"user":{"id":"159985870458322944"}}}`), &msg)
	require.NoError(t, err)
	require.Equal(t, gwOpDispatch, msg.Op)
	require.Equal(t, "READY", msg.T)
	require.Equal(t, int64(3), msg.S)

	var ready readyData
	err = json.Unmarshal(msg.D, &ready)
	require.NoError(t, err)
	require.Equal(t, "abc", ready.SessionID)
	require.Equal(t, Snowflake(159985870458322944), ready.User.ID)
}

func TestVoiceStateUpdateNullChannel(t *testing.T) {
	buf, err := json.Marshal(voiceStateUpdateData{
		GuildID:   1,
		ChannelID: nil,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"guild_id": "1", "channel_id": null,`+
		` "self_mute": false, "self_deaf": false, "self_video": false}`, string(buf))
}
