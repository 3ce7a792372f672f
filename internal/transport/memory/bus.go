// Package memory is an in-process transport. One Bus goroutine owns every
// topic's member set and fans published messages out to the other members.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"collabtext/internal/transport"
	"collabtext/internal/wire"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type topics map[string]map[string]*member

type envelope struct {
	topic string
	msg   wire.Message
}

// Bus maintains the set of members per topic and broadcasts messages to
// them.
type Bus struct {
	register   chan *member
	unregister chan *member
	broadcast  chan envelope
	exec       chan func(topics)
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
	logger     zerolog.Logger
}

var _ transport.Factory = (*Bus)(nil)

// NewBus starts a bus. Close stops it.
func NewBus(logger zerolog.Logger) *Bus {
	b := &Bus{
		register:   make(chan *member),
		unregister: make(chan *member),
		broadcast:  make(chan envelope),
		exec:       make(chan func(topics)),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		logger:     logger.With().Str("component", "memory-bus").Logger(),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.stopped)

	rooms := make(topics)
	for {
		select {
		case m := <-b.register:
			if rooms[m.topic] == nil {
				rooms[m.topic] = make(map[string]*member)
			}
			rooms[m.topic][m.id] = m
			m.online.Store(true)
			m.inbox.Push(transport.Event{Type: transport.EventActive})
			b.logger.Debug().Str("topic", m.topic).Int("members", len(rooms[m.topic])).Msg("member registered")
		case m := <-b.unregister:
			if members, ok := rooms[m.topic]; ok {
				if _, ok := members[m.id]; ok {
					delete(members, m.id)
					m.inbox.Close()
					if len(members) == 0 {
						delete(rooms, m.topic)
					}
					b.logger.Debug().Str("topic", m.topic).Int("members", len(members)).Msg("member unregistered")
				}
			}
		case env := <-b.broadcast:
			for id, m := range rooms[env.topic] {
				if id == env.msg.Sender || !m.online.Load() {
					continue
				}
				if !m.inbox.Push(transport.Event{Type: transport.EventMessage, Message: env.msg}) {
					b.logger.Warn().Str("topic", env.topic).Str("member", id).Msg("inbox full, message dropped")
				}
			}
		case fn := <-b.exec:
			fn(rooms)
		case <-b.done:
			for _, members := range rooms {
				for _, m := range members {
					m.inbox.Close()
				}
			}
			return
		}
	}
}

// do runs fn on the bus goroutine and waits for it.
func (b *Bus) do(fn func(topics)) bool {
	finished := make(chan struct{})
	select {
	case b.exec <- func(t topics) {
		fn(t)
		close(finished)
	}:
	case <-b.done:
		return false
	}
	<-finished
	return true
}

// Join registers a new member on topic. The member receives EventActive
// once registered.
func (b *Bus) Join(ctx context.Context, topic string) (transport.Channel, error) {
	m := &member{
		id:    transport.NewMemberID(),
		topic: topic,
		bus:   b,
		inbox: transport.NewInbox(transport.DefaultInboxSize),
	}
	select {
	case b.register <- m:
		return m, nil
	case <-b.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Members returns how many members are joined to topic.
func (b *Bus) Members(topic string) int {
	var n int
	b.do(func(t topics) {
		n = len(t[topic])
	})
	return n
}

// MemberIDs returns the ids of topic's members, sorted.
func (b *Bus) MemberIDs(topic string) []string {
	var ids []string
	b.do(func(t topics) {
		for id := range t[topic] {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return ids
}

// Disconnect takes a member offline: it receives EventInactive, its sends
// fail and it misses everything published meanwhile.
func (b *Bus) Disconnect(topic, id string) bool {
	return b.setOnline(topic, id, false)
}

// Reconnect brings a disconnected member back with a fresh EventActive.
func (b *Bus) Reconnect(topic, id string) bool {
	return b.setOnline(topic, id, true)
}

func (b *Bus) setOnline(topic, id string, online bool) bool {
	found := false
	b.do(func(t topics) {
		m := t[topic][id]
		if m == nil {
			return
		}
		found = true
		if m.online.Swap(online) == online {
			return
		}
		ev := transport.Event{Type: transport.EventInactive}
		if online {
			ev.Type = transport.EventActive
		}
		m.inbox.Push(ev)
	})
	return found
}

// Close stops the bus and closes every member's events.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	<-b.stopped
}

type member struct {
	id        string
	topic     string
	bus       *Bus
	inbox     *transport.Inbox
	online    atomic.Bool
	left      atomic.Bool
	leaveOnce sync.Once
}

func (m *member) ID() string {
	return m.id
}

func (m *member) Events() <-chan transport.Event {
	return m.inbox.Events()
}

func (m *member) Send(ctx context.Context, kind wire.Kind, payload []byte) error {
	if m.left.Load() {
		return transport.ErrClosed
	}
	if !kind.Valid() {
		return errors.Wrapf(wire.ErrMalformed, "unknown kind %q", kind)
	}
	if !m.online.Load() {
		return transport.ErrNotConnected
	}
	env := envelope{
		topic: m.topic,
		msg:   wire.Message{Kind: kind, Sender: m.id, Payload: append([]byte(nil), payload...)},
	}
	select {
	case m.bus.broadcast <- env:
		return nil
	case <-m.bus.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *member) Leave() error {
	m.leaveOnce.Do(func() {
		m.left.Store(true)
		m.online.Store(false)
		select {
		case m.bus.unregister <- m:
		case <-m.bus.done:
		}
	})
	return nil
}
