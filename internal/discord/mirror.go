package discord

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/logging"

	"github.com/mirru/mirru/internal/hub"
	"github.com/mirru/mirru/internal/liberrors"
)

const (
	// deadline of the teardown of a mirror's sockets and tasks.
	closeDeadline = 2 * time.Second

	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second

	// recoveries allowed within recoveryWindow before the mirror is
	// marked failed.
	maxRecoveries  = 5
	recoveryWindow = 1 * time.Minute
)

// State is the state of a Mirror.
type State int

// states.
const (
	StateDisconnected State = iota
	StateIdentifying
	StateUpdatingVoiceState
	StateVoiceConnecting
	StateSelecting
	StateStreaming
	StateTerminating
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateIdentifying:
		return "identifying"
	case StateUpdatingVoiceState:
		return "updating_voice_state"
	case StateVoiceConnecting:
		return "voice_connecting"
	case StateSelecting:
		return "selecting"
	case StateStreaming:
		return "streaming"
	case StateTerminating:
		return "terminating"
	}
	return "failed"
}

// Mirror is a mirror peer.
// It maintains a user session against the chat service, joins the configured
// voice channel, starts a Go Live stream and relays the hub's media into it.
type Mirror struct {
	Hub       *hub.Hub
	Token     string
	GuildID   Snowflake
	ChannelID Snowflake
	Log       logging.LeveledLogger

	// called on every state transition made by the mirror's own task,
	// including the switch to StateFailed (optional). The switch to
	// StateTerminating made by Close() is not reported.
	OnStateChange func(State)

	// called when the mirror gives up permanently (optional).
	OnFailed func(err error)

	mutex   sync.Mutex
	state   State
	lastErr error

	recoveries []time.Time

	done       chan struct{}
	terminated chan struct{}
	closeOnce  sync.Once
}

// Init initializes the mirror and starts connecting.
func (m *Mirror) Init() error {
	if m.Token == "" {
		return liberrors.ErrAuthentication{Reason: "empty token"}
	}

	m.state = StateDisconnected
	m.done = make(chan struct{})
	m.terminated = make(chan struct{})

	go m.run()

	return nil
}

// State returns the current state.
func (m *Mirror) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// LastError returns the error that caused the last recovery or failure.
func (m *Mirror) LastError() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.lastErr
}

func (m *Mirror) setState(state State) {
	m.mutex.Lock()
	old := m.state
	if old == StateTerminating || old == StateFailed {
		m.mutex.Unlock()
		return
	}
	m.state = state
	m.mutex.Unlock()

	if old != state {
		m.Log.Infof("mirror state: %s -> %s", old, state)

		if m.OnStateChange != nil {
			m.OnStateChange(state)
		}
	}
}

func (m *Mirror) run() {
	defer close(m.terminated)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.MaxInterval = backoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		err := m.runSession(bo)

		select {
		case <-m.done:
			return
		default:
		}

		if err == nil {
			err = liberrors.ErrTransportClosed{Wrapped: errSessionClosed}
		}

		m.mutex.Lock()
		m.lastErr = err
		m.mutex.Unlock()

		if isFatal(err) || !m.recordRecovery() {
			m.fail(err)
			return
		}

		m.setState(StateDisconnected)

		wait := bo.NextBackOff()
		m.Log.Warnf("mirror session ended (%v), retrying in %s", err, wait)

		select {
		case <-time.After(wait):
		case <-m.done:
			return
		}
	}
}

// isFatal reports whether the mirror must not retry after err.
func isFatal(err error) bool {
	var eAuth liberrors.ErrAuthentication
	var eMalformed liberrors.ErrMalformedSignalling
	return errors.As(err, &eAuth) || errors.As(err, &eMalformed)
}

func (m *Mirror) recordRecovery() bool {
	now := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	n := 0
	for _, t := range m.recoveries {
		if now.Sub(t) < recoveryWindow {
			m.recoveries[n] = t
			n++
		}
	}
	m.recoveries = m.recoveries[:n]

	if len(m.recoveries) >= maxRecoveries {
		return false
	}

	m.recoveries = append(m.recoveries, now)
	return true
}

func (m *Mirror) fail(err error) {
	m.mutex.Lock()
	m.state = StateFailed
	m.lastErr = err
	m.mutex.Unlock()

	m.Log.Errorf("mirror failed permanently: %v", err)

	if m.OnStateChange != nil {
		m.OnStateChange(StateFailed)
	}
	if m.OnFailed != nil {
		m.OnFailed(err)
	}
}

func (m *Mirror) runSession(bo *backoff.ExponentialBackOff) error {
	errCh := make(chan error, 1)
	pushErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.setState(StateIdentifying)

	gw := &Gateway{
		Token:     m.Token,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Log:       m.Log,
		OnGone:    pushErr,
	}
	err := gw.Connect(ctx)
	if err != nil {
		return err
	}
	defer closeWithDeadline(gw.Close)

	m.setState(StateUpdatingVoiceState)

	info, err := gw.JoinVoice(ctx)
	if err != nil {
		return err
	}

	m.setState(StateVoiceConnecting)

	voice := &voiceSession{
		Mode:      modeVoice,
		Endpoint:  info.Endpoint,
		ServerID:  info.ServerID,
		ChannelID: m.ChannelID.String(),
		UserID:    info.UserID,
		SessionID: info.SessionID,
		Token:     info.Token,
		Log:       m.Log,
		OnGone:    pushErr,
	}
	err = voice.Connect(ctx)
	if err != nil {
		return err
	}
	defer closeWithDeadline(voice.Close)

	// the voice gateway accepted the session; restart the backoff ladder.
	bo.Reset()

	streamInfo, err := gw.CreateStream(ctx, info)
	if err != nil {
		return err
	}

	m.setState(StateSelecting)

	stream := &voiceSession{
		Mode:      modeStream,
		Endpoint:  streamInfo.Endpoint,
		ServerID:  streamInfo.ServerID,
		ChannelID: streamInfo.ChannelID,
		UserID:    info.UserID,
		SessionID: info.SessionID,
		Token:     streamInfo.Token,
		Log:       m.Log,
		OnGone:    pushErr,
	}
	err = stream.Connect(ctx)
	if err != nil {
		return err
	}
	defer closeWithDeadline(stream.Close)

	m.setState(StateStreaming)

	// a keyframe is needed before video can flow.
	m.Hub.RequestKeyframe()

	return m.forward(voice, stream, errCh)
}

func (m *Mirror) forward(voice *voiceSession, stream *voiceSession, errCh chan error) error {
	sub := m.Hub.Subscribe()
	defer sub.Close()

	var sessionErr error
	sessionDone := make(chan struct{})
	go func() {
		select {
		case err := <-errCh:
			sessionErr = err
		case <-m.done:
		}
		close(sessionDone)
	}()

	fw := &forwarder{
		Hub:    m.Hub,
		Voice:  voice,
		Stream: stream,
		Log:    m.Log,
	}
	err := fw.Init()
	if err != nil {
		return err
	}

	for {
		frame, ev := sub.Next(sessionDone)
		if frame == nil && ev == nil {
			return sessionErr
		}

		if ev != nil {
			fw.handleEvent(ev)
		} else {
			fw.handleFrame(frame)
		}
	}
}

// closeWithDeadline invokes fn and force-returns after closeDeadline.
func closeWithDeadline(fn func()) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(closeDeadline):
	}
}

// Close tears down the mirror and waits for its tasks to terminate.
func (m *Mirror) Close() {
	m.closeOnce.Do(func() {
		m.mutex.Lock()
		if m.state != StateFailed {
			m.state = StateTerminating
		}
		m.mutex.Unlock()

		close(m.done)
	})

	select {
	case <-m.terminated:
	case <-time.After(closeDeadline):
	}
}
