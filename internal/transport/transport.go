// Package transport defines the best-effort, topic scoped publish/subscribe
// contract the sync provider runs on.
//
// Delivery is at-most-once per listener, unordered across senders and may
// drop messages. A member never receives its own messages.
package transport

import (
	"context"
	"sync"

	"collabtext/internal/wire"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by Send after Leave.
	ErrClosed = errors.New("transport: channel closed")
	// ErrNotConnected is returned by Send while the channel is offline.
	ErrNotConnected = errors.New("transport: not connected")
)

// EventType distinguishes the events a Channel emits.
type EventType int

const (
	// EventActive fires once the topic subscription is live, and again after
	// every reconnect.
	EventActive EventType = iota + 1
	// EventMessage carries a message published by another member.
	EventMessage
	// EventInactive fires when the subscription is lost.
	EventInactive
)

func (t EventType) String() string {
	switch t {
	case EventActive:
		return "active"
	case EventMessage:
		return "message"
	case EventInactive:
		return "inactive"
	}
	return "unknown"
}

// Event is emitted on Channel.Events.
type Event struct {
	Type    EventType
	Message wire.Message
}

// Channel is one membership in a topic.
type Channel interface {
	// ID is the member id stamped on every message this channel sends.
	ID() string
	// Events is closed after Leave.
	Events() <-chan Event
	Send(ctx context.Context, kind wire.Kind, payload []byte) error
	// Leave is idempotent.
	Leave() error
}

// Factory joins topics.
type Factory interface {
	Join(ctx context.Context, topic string) (Channel, error)
}

// NewMemberID returns a fresh member id.
func NewMemberID() string {
	return uuid.NewString()
}

// DefaultInboxSize is the event buffer used by the implementations.
const DefaultInboxSize = 256

// Inbox is the event queue behind Channel.Events. Push never blocks. When
// the buffer is full a message is dropped, which the protocol tolerates.
// Link events are never dropped for a message: they evict the oldest
// queued message instead.
type Inbox struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewInbox returns an inbox buffering size events.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{ch: make(chan Event, size)}
}

// Events returns the receive side.
func (q *Inbox) Events() <-chan Event {
	return q.ch
}

// Push queues ev and reports whether it was accepted.
func (q *Inbox) Push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	select {
	case q.ch <- ev:
		return true
	default:
	}
	if ev.Type == EventMessage {
		return false
	}
	q.evict()
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// evict frees one slot. It drops the oldest message, or the oldest link
// event when nothing else is queued, since only the latest link state
// matters. Only Push sends on ch and it holds q.mu, so the drained events
// fit back.
func (q *Inbox) evict() {
	queued := make([]Event, 0, cap(q.ch))
	for drained := false; !drained; {
		select {
		case ev := <-q.ch:
			queued = append(queued, ev)
		default:
			drained = true
		}
	}
	if len(queued) == 0 {
		return
	}

	drop := 0
	for i, ev := range queued {
		if ev.Type == EventMessage {
			drop = i
			break
		}
	}
	for i, ev := range queued {
		if i != drop {
			q.ch <- ev
		}
	}
}

// Close closes the receive side. Later pushes are dropped.
func (q *Inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
