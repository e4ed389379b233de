package discord

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/mirru/mirru/internal/liberrors"
)

var (
	errInvalidSession = errors.New("session invalidated by the gateway")
	errSessionClosed  = errors.New("session closed")
)

// pushLatest replaces the buffered element of a capacity-1 channel.
func pushLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func unwrapCloseError(err error) (*websocket.CloseError, bool) {
	var wrapped liberrors.ErrTransportClosed
	if errors.As(err, &wrapped) {
		err = wrapped.Wrapped
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

const (
	gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	// timeout of each signalling phase.
	signalTimeout = 10 * time.Second
)

// close codes after which the main gateway session cannot be resumed.
var gatewayFatalCloseCodes = map[int]struct{}{
	4004: {},
	4009: {},
	4010: {},
	4011: {},
	4012: {},
	4013: {},
	4014: {},
}

// VoiceServerInfo is the credential set of a voice session, collected from
// the VOICE_STATE_UPDATE and VOICE_SERVER_UPDATE dispatches.
type VoiceServerInfo struct {
	ServerID  string
	UserID    Snowflake
	SessionID string
	Token     string
	Endpoint  string
}

// StreamServerInfo is the credential set of a Go Live stream session,
// collected from the STREAM_CREATE and STREAM_SERVER_UPDATE dispatches.
type StreamServerInfo struct {
	StreamKey string
	ServerID  string
	ChannelID string
	UserID    Snowflake
	SessionID string
	Token     string
	Endpoint  string
}

// Gateway is a client of the main gateway.
// It authenticates a user session and performs the voice state and Go Live
// signalling needed before the voice gateways can be reached.
type Gateway struct {
	Token     string
	GuildID   Snowflake
	ChannelID Snowflake
	Log       logging.LeveledLogger

	// called when the session ends for any reason other than Close().
	OnGone func(err error)

	mutex     sync.Mutex
	conn      *websocket.Conn
	sessionID string
	resumeURL string
	userID    Snowflake

	writeMutex sync.Mutex

	seq        int64
	acksMissed int32

	hbInterval time.Duration

	voiceStateCh   chan voiceStateData
	voiceServerCh  chan voiceServerUpdateData
	streamCreateCh chan streamCreateData
	streamServerCh chan streamServerUpdateData

	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials the main gateway, authenticates and waits for READY.
func (g *Gateway) Connect(ctx context.Context) error {
	g.voiceStateCh = make(chan voiceStateData, 1)
	g.voiceServerCh = make(chan voiceServerUpdateData, 1)
	g.streamCreateCh = make(chan streamCreateData, 1)
	g.streamServerCh = make(chan streamServerUpdateData, 1)
	g.done = make(chan struct{})

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return liberrors.ErrTransportClosed{Wrapped: err}
	}
	g.conn = conn

	hello, err := g.readHello(conn)
	if err != nil {
		conn.Close() //nolint:errcheck
		return err
	}
	g.hbInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond

	err = g.writeOp(gwOpIdentify, identifyData{
		Token:   g.Token,
		Intents: identifyIntents,
		Properties: identifyProperties{
			OS:      "linux",
			Browser: "chrome",
			Device:  "",
		},
	})
	if err != nil {
		conn.Close() //nolint:errcheck
		return err
	}

	err = g.waitReady(conn)
	if err != nil {
		conn.Close() //nolint:errcheck
		return err
	}

	go g.runHeartbeat()
	go g.runReader(conn)

	return nil
}

func (g *Gateway) readHello(conn *websocket.Conn) (*helloData, error) {
	msg, err := g.readMessage(conn, signalTimeout)
	if err != nil {
		return nil, err
	}
	if msg.Op != gwOpHello {
		return nil, liberrors.ErrMalformedSignalling{
			Reason: "expected hello, got op " + strconv.Itoa(msg.Op),
		}
	}

	var hello helloData
	err = json.Unmarshal(msg.D, &hello)
	if err != nil {
		return nil, liberrors.ErrMalformedSignalling{Reason: err.Error()}
	}
	return &hello, nil
}

func (g *Gateway) waitReady(conn *websocket.Conn) error {
	deadline := time.Now().Add(signalTimeout)

	for {
		msg, err := g.readMessage(conn, time.Until(deadline))
		if err != nil {
			return err
		}

		switch msg.Op {
		case gwOpDispatch:
			if msg.T != "READY" {
				continue
			}

			var ready readyData
			err = json.Unmarshal(msg.D, &ready)
			if err != nil {
				return liberrors.ErrMalformedSignalling{Reason: err.Error()}
			}

			g.mutex.Lock()
			g.sessionID = ready.SessionID
			g.resumeURL = ready.ResumeGatewayURL
			g.userID = ready.User.ID
			g.mutex.Unlock()

			g.Log.Infof("gateway ready: user %s", ready.User.ID)
			return nil

		case gwOpInvalidSession:
			return liberrors.ErrAuthentication{Reason: "session invalidated during identify"}

		case gwOpHeartbeat:
			g.sendHeartbeat() //nolint:errcheck
		}
	}
}

func (g *Gateway) readMessage(conn *websocket.Conn, timeout time.Duration) (*message, error) {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout)) //nolint:errcheck
	} else {
		conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}

	_, buf, err := conn.ReadMessage()
	if err != nil {
		if ce, ok := err.(*websocket.CloseError); ok {
			if ce.Code == 4004 {
				return nil, liberrors.ErrAuthentication{Reason: ce.Text}
			}
		}
		return nil, liberrors.ErrTransportClosed{Wrapped: err}
	}

	var msg message
	err = json.Unmarshal(buf, &msg)
	if err != nil {
		return nil, liberrors.ErrMalformedSignalling{Reason: err.Error()}
	}

	if msg.Op == gwOpDispatch && msg.S != 0 {
		atomic.StoreInt64(&g.seq, msg.S)
	}

	return &msg, nil
}

func (g *Gateway) writeOp(op int, d interface{}) error {
	buf, err := encodeMessage(op, d)
	if err != nil {
		return err
	}

	g.mutex.Lock()
	conn := g.conn
	g.mutex.Unlock()

	g.writeMutex.Lock()
	defer g.writeMutex.Unlock()

	err = conn.WriteMessage(websocket.TextMessage, buf)
	if err != nil {
		return liberrors.ErrTransportClosed{Wrapped: err}
	}
	return nil
}

func (g *Gateway) sendHeartbeat() error {
	return g.writeOp(gwOpHeartbeat, atomic.LoadInt64(&g.seq))
}

func (g *Gateway) runHeartbeat() {
	// the first beat is jittered across the interval.
	first := time.Duration(rand.Float64() * float64(g.hbInterval))

	select {
	case <-time.After(first):
	case <-g.done:
		return
	}

	t := time.NewTicker(g.hbInterval)
	defer t.Stop()

	for {
		if atomic.AddInt32(&g.acksMissed, 1) > 2 {
			// closing the socket makes the reader resume the session.
			g.Log.Warnf("gateway missed two heartbeat acks, forcing resume")
			g.mutex.Lock()
			g.conn.Close() //nolint:errcheck
			g.mutex.Unlock()
			atomic.StoreInt32(&g.acksMissed, 0)
		} else {
			g.sendHeartbeat() //nolint:errcheck
		}

		select {
		case <-t.C:
		case <-g.done:
			return
		}
	}
}

func (g *Gateway) runReader(conn *websocket.Conn) {
	for {
		msg, err := g.readMessage(conn, 0)
		if err != nil {
			select {
			case <-g.done:
				return
			default:
			}

			if _, ok := err.(liberrors.ErrAuthentication); ok {
				g.goGone(err)
				return
			}
			if ce, ok := unwrapCloseError(err); ok {
				if _, fatal := gatewayFatalCloseCodes[ce.Code]; fatal {
					g.goGone(err)
					return
				}
			}

			conn = g.resume(err)
			if conn == nil {
				return
			}
			continue
		}

		switch msg.Op {
		case gwOpDispatch:
			g.handleDispatch(msg)

		case gwOpHeartbeat:
			g.sendHeartbeat() //nolint:errcheck

		case gwOpHeartbeatAck:
			atomic.StoreInt32(&g.acksMissed, 0)

		case gwOpReconnect:
			g.Log.Infof("gateway requested reconnect")
			conn.Close() //nolint:errcheck

		case gwOpInvalidSession:
			g.goGone(liberrors.ErrTransportClosed{
				Wrapped: errInvalidSession,
			})
			return
		}
	}
}

func (g *Gateway) handleDispatch(msg *message) {
	switch msg.T {
	case "VOICE_STATE_UPDATE":
		var vs voiceStateData
		if json.Unmarshal(msg.D, &vs) != nil {
			return
		}

		g.mutex.Lock()
		own := vs.UserID == g.userID
		g.mutex.Unlock()

		if own {
			pushLatest(g.voiceStateCh, vs)
		}

	case "VOICE_SERVER_UPDATE":
		var vsu voiceServerUpdateData
		if json.Unmarshal(msg.D, &vsu) != nil {
			return
		}
		pushLatest(g.voiceServerCh, vsu)

	case "STREAM_CREATE":
		var sc streamCreateData
		if json.Unmarshal(msg.D, &sc) != nil {
			return
		}
		pushLatest(g.streamCreateCh, sc)

	case "STREAM_SERVER_UPDATE":
		var ssu streamServerUpdateData
		if json.Unmarshal(msg.D, &ssu) != nil {
			return
		}
		pushLatest(g.streamServerCh, ssu)
	}
}

// resume reconnects and resumes the session after a socket drop.
// It returns the new connection, or nil if the gateway is gone.
func (g *Gateway) resume(cause error) *websocket.Conn {
	g.Log.Warnf("gateway connection lost (%v), resuming", cause)

	g.mutex.Lock()
	url := g.resumeURL
	sessionID := g.sessionID
	g.mutex.Unlock()

	if url == "" {
		url = gatewayURL
	} else {
		url += "/?v=10&encoding=json"
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		g.goGone(liberrors.ErrTransportClosed{Wrapped: err})
		return nil
	}

	_, err = g.readHello(conn)
	if err != nil {
		conn.Close() //nolint:errcheck
		g.goGone(err)
		return nil
	}

	g.mutex.Lock()
	g.conn = conn
	g.mutex.Unlock()

	err = g.writeOp(gwOpResume, resumeData{
		Token:     g.Token,
		SessionID: sessionID,
		Seq:       atomic.LoadInt64(&g.seq),
	})
	if err != nil {
		conn.Close() //nolint:errcheck
		g.goGone(err)
		return nil
	}

	atomic.StoreInt32(&g.acksMissed, 0)
	return conn
}

// JoinVoice updates the voice state toward the configured channel and waits
// for the resulting session and server dispatches.
func (g *Gateway) JoinVoice(ctx context.Context) (*VoiceServerInfo, error) {
	channelID := g.ChannelID
	err := g.writeOp(gwOpVoiceStateUpdate, voiceStateUpdateData{
		GuildID:   g.GuildID,
		ChannelID: &channelID,
		SelfMute:  false,
		SelfDeaf:  false,
		SelfVideo: false,
	})
	if err != nil {
		return nil, err
	}

	info := &VoiceServerInfo{
		ServerID: g.GuildID.String(),
	}

	timeout := time.After(signalTimeout)
	gotState := false
	gotServer := false

	for !gotState || !gotServer {
		select {
		case vs := <-g.voiceStateCh:
			info.UserID = vs.UserID
			info.SessionID = vs.SessionID
			gotState = true

		case vsu := <-g.voiceServerCh:
			info.Token = vsu.Token
			info.Endpoint = vsu.Endpoint
			gotServer = true

		case <-timeout:
			return nil, liberrors.ErrTimeout{Phase: "voice state update", Timeout: signalTimeout}

		case <-ctx.Done():
			return nil, ctx.Err()

		case <-g.done:
			return nil, liberrors.ErrTransportClosed{Wrapped: errSessionClosed}
		}
	}

	return info, nil
}

// CreateStream starts a Go Live stream on the configured channel and waits
// for the resulting stream dispatches. The stream is immediately unpaused.
func (g *Gateway) CreateStream(ctx context.Context, voice *VoiceServerInfo) (*StreamServerInfo, error) {
	err := g.writeOp(gwOpStreamCreate, streamCreateRequest{
		Type:            "guild",
		GuildID:         g.GuildID,
		ChannelID:       g.ChannelID,
		PreferredRegion: nil,
	})
	if err != nil {
		return nil, err
	}

	info := &StreamServerInfo{
		UserID:    voice.UserID,
		SessionID: voice.SessionID,
	}

	timeout := time.After(signalTimeout)
	gotCreate := false
	gotServer := false

	for !gotCreate || !gotServer {
		select {
		case sc := <-g.streamCreateCh:
			info.StreamKey = sc.StreamKey
			info.ServerID = sc.RTCServerID
			info.ChannelID = sc.RTCChannelID
			gotCreate = true

		case ssu := <-g.streamServerCh:
			info.Token = ssu.Token
			info.Endpoint = ssu.Endpoint
			gotServer = true

		case <-timeout:
			return nil, liberrors.ErrTimeout{Phase: "stream create", Timeout: signalTimeout}

		case <-ctx.Done():
			return nil, ctx.Err()

		case <-g.done:
			return nil, liberrors.ErrTransportClosed{Wrapped: errSessionClosed}
		}
	}

	err = g.writeOp(gwOpStreamSetPaused, streamSetPausedRequest{
		StreamKey: info.StreamKey,
		Paused:    false,
	})
	if err != nil {
		return nil, err
	}

	return info, nil
}

func (g *Gateway) goGone(err error) {
	g.closeOnce.Do(func() {
		close(g.done)

		g.mutex.Lock()
		g.conn.Close() //nolint:errcheck
		g.mutex.Unlock()

		if g.OnGone != nil {
			g.OnGone(err)
		}
	})
}

// Close tears down the gateway session.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.done)

		g.mutex.Lock()
		g.conn.Close() //nolint:errcheck
		g.mutex.Unlock()
	})
}
