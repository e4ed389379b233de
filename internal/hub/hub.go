// Package hub contains the fan-out hub between the source peer and the mirrors.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	"github.com/mirru/mirru/internal/liberrors"
	"github.com/mirru/mirru/pkg/rtph264"
)

const (
	defaultQueueDepth = 256

	// minimum interval between keyframe requests forwarded to the source.
	keyframeRequestInterval = 500 * time.Millisecond
)

// MediaKind is the kind of a media stream.
type MediaKind int

// media kinds.
const (
	MediaAudio MediaKind = iota
	MediaVideo
)

// String implements fmt.Stringer.
func (k MediaKind) String() string {
	if k == MediaAudio {
		return "audio"
	}
	return "video"
}

// Frame is an in-flight relay unit.
// It is immutable once published; every subscriber shares the same instance.
type Frame struct {
	Kind           MediaKind
	SSRC           uint32
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	Marker         bool
	Payload        []byte
	ReceivedAt     time.Time
}

// EventKind is the kind of a control event.
type EventKind int

// control events.
const (
	// a source peer attached; frames follow.
	EventSourceAttached EventKind = iota

	// the source peer detached; no more frames until the next attach.
	EventSourceDetached

	// the subscriber queue overflowed and Lag packets were dropped.
	EventLag
)

// Event is a sideband control event delivered in-band with frames.
type Event struct {
	Kind EventKind
	Lag  int
}

// Hub broadcasts frames from the source peer to all subscribed mirrors.
// Publishing never blocks; slow subscribers drop their oldest packets.
type Hub struct {
	// depth of each subscriber queue (optional).
	// It defaults to 256.
	QueueDepth int

	Log logging.LeveledLogger

	mutex       sync.RWMutex
	subscribers map[*Subscription]struct{}
	onKeyframe  func()
	lastRequest time.Time

	packetCount uint64
}

// Init initializes the hub.
func (h *Hub) Init() error {
	if h.QueueDepth == 0 {
		h.QueueDepth = defaultQueueDepth
	}
	h.subscribers = make(map[*Subscription]struct{})
	return nil
}

// OnKeyframeRequest sets the callback invoked when a subscriber asks for a
// keyframe. Requests are coalesced so that the callback runs at most once
// every 500ms.
func (h *Hub) OnKeyframeRequest(cb func()) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onKeyframe = cb
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		hub:    h,
		depth:  h.QueueDepth,
		signal: make(chan struct{}, 1),
	}

	h.mutex.Lock()
	h.subscribers[s] = struct{}{}
	h.mutex.Unlock()

	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mutex.Lock()
	delete(h.subscribers, s)
	h.mutex.Unlock()
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.subscribers)
}

// PacketCount returns the number of frames published so far.
func (h *Hub) PacketCount() uint64 {
	return atomic.LoadUint64(&h.packetCount)
}

// Publish broadcasts a frame to all subscribers. It never blocks.
func (h *Hub) Publish(f *Frame) {
	atomic.AddUint64(&h.packetCount, 1)

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for s := range h.subscribers {
		s.push(item{frame: f})
	}
}

// SourceAttached informs subscribers that a source peer is connected.
func (h *Hub) SourceAttached() {
	h.broadcastEvent(Event{Kind: EventSourceAttached})
}

// SourceDetached informs subscribers that the source peer is gone.
func (h *Hub) SourceDetached() {
	h.broadcastEvent(Event{Kind: EventSourceDetached})
}

func (h *Hub) broadcastEvent(ev Event) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for s := range h.subscribers {
		s.push(item{event: &ev})
	}
}

// RequestKeyframe asks the source peer for a keyframe on behalf of a
// subscriber. Requests within the coalescing window are discarded.
func (h *Hub) RequestKeyframe() {
	h.mutex.Lock()
	now := time.Now()
	if now.Sub(h.lastRequest) < keyframeRequestInterval {
		h.mutex.Unlock()
		return
	}
	h.lastRequest = now
	cb := h.onKeyframe
	h.mutex.Unlock()

	if cb != nil {
		cb()
	}
}

type item struct {
	frame *Frame
	event *Event
}

// Subscription is a bounded ordered queue from the hub to one subscriber.
type Subscription struct {
	hub   *Hub
	depth int

	mutex      sync.Mutex
	queue      []item
	lagPending int
	closed     bool

	signal chan struct{}
}

func (s *Subscription) push(it item) {
	s.mutex.Lock()

	if s.closed {
		s.mutex.Unlock()
		return
	}

	if it.frame != nil && len(s.queue) >= s.depth {
		dropped := s.dropOldest()
		s.lagPending += dropped
		if s.hub.Log != nil {
			s.hub.Log.Debugf("%v", liberrors.ErrSlowConsumer{Dropped: dropped})
		}
	}

	s.queue = append(s.queue, it)
	s.mutex.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// dropOldest removes the oldest frame, whatever its kind, then keeps removing
// frames until an audio packet or a packet that begins an IDR access unit is
// at the front of the queue.
// Control events are never dropped.
func (s *Subscription) dropOldest() int {
	dropped := 0

	for len(s.queue) > 0 {
		it := s.queue[0]

		if it.event != nil {
			break
		}

		f := it.frame
		if dropped > 0 &&
			(f.Kind == MediaAudio || rtph264.PayloadStartsKeyframe(f.Payload)) {
			break
		}

		s.queue = s.queue[1:]
		dropped++
	}

	return dropped
}

// Next returns the next frame or event in the queue.
// A pending lag notification is delivered before any queued frame.
// It blocks until an item is available, done is closed, or the
// subscription is closed. When no more items can be returned, both
// return values are nil.
func (s *Subscription) Next(done <-chan struct{}) (*Frame, *Event) {
	for {
		s.mutex.Lock()

		if s.lagPending > 0 {
			lag := s.lagPending
			s.lagPending = 0
			s.mutex.Unlock()
			return nil, &Event{Kind: EventLag, Lag: lag}
		}

		if len(s.queue) > 0 {
			it := s.queue[0]
			s.queue = s.queue[1:]
			s.mutex.Unlock()
			return it.frame, it.event
		}

		if s.closed {
			s.mutex.Unlock()
			return nil, nil
		}

		s.mutex.Unlock()

		select {
		case <-s.signal:
		case <-done:
			return nil, nil
		}
	}
}

// Close unregisters the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)

	s.mutex.Lock()
	s.closed = true
	s.mutex.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}
