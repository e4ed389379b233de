// Package relay contains the supervisor that ties the source peer to the
// mirror peers.
package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	"github.com/mirru/mirru/internal/discord"
	"github.com/mirru/mirru/internal/hub"
	"github.com/mirru/mirru/internal/liberrors"
	"github.com/mirru/mirru/internal/whip"
)

// MirrorInfo is a read-only snapshot of one mirror slot.
type MirrorInfo struct {
	GuildID   discord.Snowflake `json:"guild_id"`
	ChannelID discord.Snowflake `json:"channel_id"`
	State     string            `json:"state"`
	LastError string            `json:"last_error,omitempty"`
}

type mirrorEntry struct {
	mirror    *discord.Mirror
	guildID   discord.Snowflake
	channelID discord.Snowflake

	// closed when the slot is freed.
	done chan struct{}
}

// Supervisor owns the source peer and the mirror slot list.
// Mirror slots are never renumbered; a deleted mirror leaves a null slot that
// the next create may re-fill.
type Supervisor struct {
	Hub        *hub.Hub
	LogFactory logging.LoggerFactory

	log logging.LeveledLogger

	mutex   sync.Mutex
	source  *whip.Source
	mirrors []*mirrorEntry

	snapshot atomic.Pointer[[]*mirrorEntry]
}

// Init initializes the supervisor.
func (s *Supervisor) Init() error {
	s.log = s.LogFactory.NewLogger("relay")
	s.publishSnapshotLocked()
	return nil
}

// publishSnapshotLocked stores a copy of the slot list for lock-free reads.
// The caller must hold the mutex, except during Init.
func (s *Supervisor) publishSnapshotLocked() {
	snap := make([]*mirrorEntry, len(s.mirrors))
	copy(snap, s.mirrors)
	s.snapshot.Store(&snap)
}

// List returns the current mirror slots in order, with nil entries for freed
// slots so that indices remain stable.
func (s *Supervisor) List() []*MirrorInfo {
	snap := *s.snapshot.Load()

	out := make([]*MirrorInfo, len(snap))
	for i, e := range snap {
		if e == nil {
			continue
		}

		info := &MirrorInfo{
			GuildID:   e.guildID,
			ChannelID: e.channelID,
			State:     e.mirror.State().String(),
		}
		if err := e.mirror.LastError(); err != nil {
			info.LastError = err.Error()
		}
		out[i] = info
	}
	return out
}

// CreateMirror creates a mirror in the first free slot, streaming state
// transitions through onProgress until the mirror either starts streaming or
// fails permanently. It returns the slot id of the new mirror.
func (s *Supervisor) CreateMirror(
	token string,
	guildID discord.Snowflake,
	channelID discord.Snowflake,
	onProgress func(string),
) (int, error) {
	states := make(chan discord.State, 16)

	m := &discord.Mirror{
		Hub:       s.Hub,
		Token:     token,
		GuildID:   guildID,
		ChannelID: channelID,
		Log:       s.LogFactory.NewLogger("discord"),
		OnStateChange: func(st discord.State) {
			select {
			case states <- st:
			default:
			}
		},
	}

	e := &mirrorEntry{
		mirror:    m,
		guildID:   guildID,
		channelID: channelID,
		done:      make(chan struct{}),
	}
	id := s.allocSlot(e)

	err := m.Init()
	if err != nil {
		s.freeSlot(id)
		return 0, err
	}

	s.log.Infof("mirror %d created (guild %s, channel %s)", id, guildID, channelID)

	for {
		select {
		case st := <-states:
			if onProgress != nil {
				onProgress(st.String())
			}

			switch st {
			case discord.StateStreaming:
				return id, nil

			case discord.StateFailed:
				// the slot is kept as a tombstone until the
				// operator deletes it.
				err := m.LastError()
				if err == nil {
					err = liberrors.ErrInternal{Reason: "mirror failed"}
				}
				return id, err
			}

		case <-e.done:
			return id, liberrors.ErrInternal{Reason: "mirror deleted"}
		}
	}
}

func (s *Supervisor) allocSlot(e *mirrorEntry) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, existing := range s.mirrors {
		if existing == nil {
			s.mirrors[i] = e
			s.publishSnapshotLocked()
			return i
		}
	}

	s.mirrors = append(s.mirrors, e)
	s.publishSnapshotLocked()
	return len(s.mirrors) - 1
}

func (s *Supervisor) freeSlot(id int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if id < len(s.mirrors) && s.mirrors[id] != nil {
		close(s.mirrors[id].done)
		s.mirrors[id] = nil
		s.publishSnapshotLocked()
	}
}

// DeleteMirror tears down the mirror in the given slot and frees it.
// It reports whether the slot held a mirror.
func (s *Supervisor) DeleteMirror(id int) bool {
	s.mutex.Lock()

	if id < 0 || id >= len(s.mirrors) || s.mirrors[id] == nil {
		s.mutex.Unlock()
		return false
	}

	e := s.mirrors[id]
	s.mirrors[id] = nil
	s.publishSnapshotLocked()
	s.mutex.Unlock()

	close(e.done)
	e.mirror.Close()
	s.log.Infof("mirror %d deleted", id)
	return true
}

// AttachSource creates the source peer from a WHIP offer, replacing any
// existing one, and returns the session id and the SDP answer. Replacement
// preserves all mirrors; they observe a detach followed by an attach.
func (s *Supervisor) AttachSource(offer string) (string, string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.source != nil {
		s.log.Infof("replacing source session %s", s.source.ID())
		s.source.Close()
		s.source = nil
	}

	src := &whip.Source{
		Hub: s.Hub,
		Log: s.LogFactory.NewLogger("whip"),
	}
	src.OnGone = func() {
		s.clearSource(src)
	}

	err := src.Init()
	if err != nil {
		return "", "", err
	}

	answer, err := src.Negotiate(offer)
	if err != nil {
		src.Close()
		return "", "", err
	}

	s.source = src
	return src.ID(), answer, nil
}

// DetachSource tears down the source session with the given id.
// It reports whether such a session existed.
func (s *Supervisor) DetachSource(id string) bool {
	s.mutex.Lock()

	if s.source == nil || s.source.ID() != id {
		s.mutex.Unlock()
		return false
	}

	src := s.source
	s.source = nil
	s.mutex.Unlock()

	src.Close()
	return true
}

// SourceID returns the id of the current source session, if any.
func (s *Supervisor) SourceID() (string, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.source == nil {
		return "", false
	}
	return s.source.ID(), true
}

// SourceStartTime returns the instant the current source became connected.
func (s *Supervisor) SourceStartTime() (time.Time, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.source == nil || s.source.State() != whip.StateConnected {
		return time.Time{}, false
	}
	return s.source.StartTime(), true
}

func (s *Supervisor) clearSource(src *whip.Source) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.source == src {
		s.source = nil
	}
}

// Close tears down the source and every mirror.
func (s *Supervisor) Close() {
	s.mutex.Lock()
	src := s.source
	s.source = nil
	entries := s.mirrors
	s.mirrors = nil
	s.publishSnapshotLocked()
	s.mutex.Unlock()

	if src != nil {
		src.Close()
	}

	for _, e := range entries {
		if e != nil {
			close(e.done)
			e.mirror.Close()
		}
	}
}
