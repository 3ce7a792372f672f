// Package nats runs topics over NATS core subjects.
package nats

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"collabtext/internal/transport"
	"collabtext/internal/wire"

	gonats "github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultPrefix is the subject root.
const DefaultPrefix = "collabtext.rooms"

// Factory joins topics on one NATS connection. It takes over the
// connection's disconnect and reconnect handlers to turn them into
// EventInactive and EventActive on every joined channel.
type Factory struct {
	conn   *gonats.Conn
	prefix string
	logger zerolog.Logger

	mu       sync.Mutex
	channels map[*channel]struct{}
}

var _ transport.Factory = (*Factory)(nil)

// New wraps conn.
func New(conn *gonats.Conn, prefix string, logger zerolog.Logger) *Factory {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	f := &Factory{
		conn:     conn,
		prefix:   strings.TrimSuffix(prefix, "."),
		logger:   logger.With().Str("component", "nats-transport").Logger(),
		channels: make(map[*channel]struct{}),
	}
	conn.SetDisconnectErrHandler(func(_ *gonats.Conn, err error) {
		f.logger.Warn().Err(err).Msg("disconnected")
		f.each(func(c *channel) { c.setActive(false) })
	})
	conn.SetReconnectHandler(func(nc *gonats.Conn) {
		f.logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		f.each(func(c *channel) { c.setActive(true) })
	})
	return f
}

// Subject returns the subject backing topic. Characters NATS treats as
// separators or wildcards are replaced.
func (f *Factory) Subject(topic string) string {
	return f.prefix + "." + subjectToken.Replace(topic)
}

var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func (f *Factory) each(fn func(*channel)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.channels {
		fn(c)
	}
}

// Join subscribes to the topic's subject and flushes, so EventActive means
// the server has seen the subscription.
func (f *Factory) Join(ctx context.Context, topic string) (transport.Channel, error) {
	c := &channel{
		id:      transport.NewMemberID(),
		subject: f.Subject(topic),
		factory: f,
		inbox:   transport.NewInbox(transport.DefaultInboxSize),
	}
	c.logger = f.logger.With().Str("subject", c.subject).Str("member", c.id).Logger()

	sub, err := f.conn.Subscribe(c.subject, func(msg *gonats.Msg) {
		c.deliver(msg.Data)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", c.subject)
	}
	c.sub = sub
	if err := f.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, errors.Wrapf(err, "flush subscription %s", c.subject)
	}

	f.mu.Lock()
	f.channels[c] = struct{}{}
	f.mu.Unlock()
	c.setActive(true)
	return c, nil
}

type channel struct {
	id      string
	subject string
	factory *Factory
	sub     *gonats.Subscription
	inbox   *transport.Inbox
	logger  zerolog.Logger

	active    atomic.Bool
	left      atomic.Bool
	leaveOnce sync.Once
}

func (c *channel) setActive(active bool) {
	if c.left.Load() || c.active.Swap(active) == active {
		return
	}
	ev := transport.Event{Type: transport.EventInactive}
	if active {
		ev.Type = transport.EventActive
	}
	c.inbox.Push(ev)
}

func (c *channel) deliver(data []byte) {
	m, err := wire.Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed message")
		return
	}
	if m.Sender == c.id {
		return
	}
	if !c.inbox.Push(transport.Event{Type: transport.EventMessage, Message: m}) {
		c.logger.Warn().Str("kind", string(m.Kind)).Msg("inbox full, message dropped")
	}
}

func (c *channel) ID() string {
	return c.id
}

func (c *channel) Events() <-chan transport.Event {
	return c.inbox.Events()
}

func (c *channel) Send(_ context.Context, kind wire.Kind, payload []byte) error {
	if c.left.Load() {
		return transport.ErrClosed
	}
	if !c.active.Load() {
		return transport.ErrNotConnected
	}
	data, err := wire.Encode(wire.Message{Kind: kind, Sender: c.id, Payload: payload})
	if err != nil {
		return err
	}
	return errors.Wrapf(c.factory.conn.Publish(c.subject, data), "publish to %s", c.subject)
}

func (c *channel) Leave() error {
	var err error
	c.leaveOnce.Do(func() {
		c.left.Store(true)
		c.active.Store(false)

		c.factory.mu.Lock()
		delete(c.factory.channels, c)
		c.factory.mu.Unlock()

		if c.sub != nil {
			err = c.sub.Unsubscribe()
		}
		c.inbox.Close()
	})
	if errors.Is(err, gonats.ErrConnectionClosed) || errors.Is(err, gonats.ErrBadSubscription) {
		return nil
	}
	return errors.Wrap(err, "unsubscribe")
}
