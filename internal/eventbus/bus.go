// Package eventbus implements the room-based publish/subscribe fabric that
// fans out live job events to subscribers, independent of how those
// subscribers are transported (WebSocket, SSE, in-process test code). A
// slow subscriber loses its oldest buffered events rather than its room,
// and never back-pressures a publisher.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/bobmcallan/dlmgr/internal/logx"
	"github.com/bobmcallan/dlmgr/internal/models"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// Envelope is one published message, tagged with its event type so a
// transport layer can dispatch without inspecting Payload's concrete type.
type Envelope struct {
	Type    models.EventType
	JobID   string
	Payload interface{}
}

// Bus is an in-process, room-scoped pub/sub fabric. One room per job ID
// ("job:<id>") guarantees per-room ordering for its subscribers; there is no
// ordering guarantee across rooms.
type Bus struct {
	mu    sync.RWMutex
	rooms map[string]map[*Subscription]struct{}

	nextID int64
	logger *logx.Logger
}

// New creates an empty Bus.
func New(logger *logx.Logger) *Bus {
	return &Bus{
		rooms:  make(map[string]map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscription is a single subscriber's bounded inbox for one room.
type Subscription struct {
	id   int64
	room string
	bus  *Bus
	ch   chan Envelope

	mu     sync.Mutex
	closed bool
}

// ID uniquely identifies the subscription within its Bus's lifetime.
func (s *Subscription) ID() int64 { return s.id }

// C returns the channel events arrive on. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Subscribe joins room, returning a Subscription whose channel receives
// every event subsequently published to that room. Callers must call
// Unsubscribe when done to release the room's membership.
func (b *Bus) Subscribe(room string) *Subscription {
	sub := &Subscription{
		id:   atomic.AddInt64(&b.nextID, 1),
		room: room,
		bus:  b,
		ch:   make(chan Envelope, DefaultBufferSize),
	}

	b.mu.Lock()
	set, ok := b.rooms[room]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.rooms[room] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes sub from its room and closes its channel. It is safe
// to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.rooms[sub.room]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.rooms, sub.room)
		}
	}
	b.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

// Publish delivers env to every current subscriber of room. Publish never
// blocks: a subscriber whose buffer is full has its oldest event evicted to
// make room. Publish is safe to call with no subscribers present, which is
// the common case for a job no client has opened yet.
func (b *Bus) Publish(room string, env Envelope) {
	b.mu.RLock()
	set := b.rooms[room]
	subs := make([]*Subscription, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(env)
	}
}

// Broadcast delivers env to every subscriber of every room. It is used for
// fleet-wide notices (e.g. a server shutdown warning) rather than per-job
// events, which always go through Publish on a job's own room.
func (b *Bus) Broadcast(env Envelope) {
	b.mu.RLock()
	subs := make([]*Subscription, 0)
	for _, set := range b.rooms {
		for s := range set {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(env)
	}
}

// RoomSize reports how many subscribers are currently attached to room.
// Intended for diagnostics and tests.
func (b *Bus) RoomSize(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}

func (s *Subscription) deliver(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- env:
		return
	default:
	}

	// Buffer full: drop the oldest queued event, then enqueue the new one.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- env:
	default:
		// Another delivery won the race on an unbuffered moment; the event
		// is dropped rather than blocking the publisher.
	}
}
