// Package redis runs topics over Redis pub/sub. Every topic is one Redis
// channel; every member holds its own subscription.
package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"collabtext/internal/transport"
	"collabtext/internal/wire"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultPrefix namespaces the Redis channels.
const DefaultPrefix = "collabtext:"

const resubscribeTimeout = 5 * time.Second

// Factory joins topics on one Redis client.
type Factory struct {
	client goredis.UniversalClient
	prefix string
	logger zerolog.Logger
}

var _ transport.Factory = (*Factory)(nil)

// New returns a factory publishing on client. An empty prefix means
// DefaultPrefix.
func New(client goredis.UniversalClient, prefix string, logger zerolog.Logger) *Factory {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Factory{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "redis-transport").Logger(),
	}
}

// ChannelName returns the Redis channel backing topic.
func (f *Factory) ChannelName(topic string) string {
	return f.prefix + topic
}

// Join subscribes to the topic's channel. EventActive is emitted for every
// subscribe confirmation, so go-redis resubscribing after a dropped
// connection re-activates the member. go-redis reconnects silently, so a
// failed publish is what reports EventInactive.
func (f *Factory) Join(ctx context.Context, topic string) (transport.Channel, error) {
	name := f.ChannelName(topic)
	pubsub := f.client.Subscribe(ctx, name)

	c := &channel{
		id:      transport.NewMemberID(),
		name:    name,
		client:  f.client,
		pubsub:  pubsub,
		inbox:   transport.NewInbox(transport.DefaultInboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	c.logger = f.logger.With().Str("channel", name).Str("member", c.id).Logger()

	go c.run(pubsub.ChannelWithSubscriptions(goredis.WithChannelSize(transport.DefaultInboxSize)))
	return c, nil
}

type channel struct {
	id     string
	name   string
	client goredis.UniversalClient
	pubsub *goredis.PubSub
	inbox  *transport.Inbox
	logger zerolog.Logger

	active    atomic.Bool
	left      atomic.Bool
	leaveOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
	resubs    sync.WaitGroup
}

func (c *channel) run(in <-chan interface{}) {
	defer close(c.stopped)
	defer c.inbox.Close()

	for {
		select {
		case raw, ok := <-in:
			if !ok {
				return
			}
			switch msg := raw.(type) {
			case *goredis.Subscription:
				if msg.Kind == "subscribe" && msg.Channel == c.name {
					c.active.Store(true)
					c.inbox.Push(transport.Event{Type: transport.EventActive})
					c.logger.Debug().Msg("subscribed")
				}
			case *goredis.Message:
				c.deliver([]byte(msg.Payload))
			}
		case <-c.done:
			return
		}
	}
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

func (c *channel) Send(ctx context.Context, kind wire.Kind, payload []byte) error {
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
	if err := c.client.Publish(ctx, c.name, data).Err(); err != nil {
		if !errors.Is(err, context.Canceled) {
			c.lost(err)
		}
		return errors.Wrapf(err, "publish to %s", c.name)
	}
	return nil
}

// lost marks the channel inactive and subscribes again. The confirmation,
// whether on the current connection or after go-redis reconnects, brings
// the channel back with EventActive.
func (c *channel) lost(err error) {
	if c.left.Load() || !c.active.CompareAndSwap(true, false) {
		return
	}
	c.logger.Warn().Err(err).Msg("publish failed, channel inactive")
	c.inbox.Push(transport.Event{Type: transport.EventInactive})

	c.resubs.Add(1)
	go func() {
		defer c.resubs.Done()
		ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
		defer cancel()
		if err := c.pubsub.Subscribe(ctx, c.name); err != nil {
			c.logger.Debug().Err(err).Msg("resubscribe failed, waiting for reconnect")
		}
	}()
}

func (c *channel) Leave() error {
	var err error
	c.leaveOnce.Do(func() {
		c.left.Store(true)
		c.active.Store(false)
		close(c.done)
		err = c.pubsub.Close()
		<-c.stopped
		c.resubs.Wait()
	})
	return errors.Wrap(err, "close subscription")
}
