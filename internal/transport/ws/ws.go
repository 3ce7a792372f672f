// Package ws joins topics through a relay server over WebSocket. Each
// channel owns one connection to <relay>/ws/<topic> and redials with
// exponential backoff until Leave.
package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"collabtext/internal/transport"
	"collabtext/internal/wire"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4 << 20
)

// Option configures a Dialer.
type Option func(*Dialer)

// WithBackOff replaces the redial policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(d *Dialer) { d.newBackOff = fn }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dialer) { d.logger = logger }
}

// Dialer joins topics on one relay.
type Dialer struct {
	base       *url.URL
	dialer     *websocket.Dialer
	logger     zerolog.Logger
	newBackOff func() backoff.BackOff
}

var _ transport.Factory = (*Dialer)(nil)

// NewDialer accepts http, https, ws and wss relay addresses. A bare
// host:port is treated as ws://host:port.
func NewDialer(relay string, opts ...Option) (*Dialer, error) {
	if !strings.Contains(relay, "://") {
		relay = "ws://" + relay
	}
	u, err := url.Parse(relay)
	if err != nil {
		return nil, errors.Wrapf(err, "parse relay address %q", relay)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errors.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Errorf("relay address %q has no host", relay)
	}

	d := &Dialer{
		base: u,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: zerolog.Nop(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "ws-transport").Str("relay", u.Host).Logger()
	return d, nil
}

// URL returns the socket address for topic.
func (d *Dialer) URL(topic string) string {
	u := *d.base
	base := strings.TrimSuffix(u.Path, "/") + "/ws/"
	u.Path = base + topic
	u.RawPath = base + url.PathEscape(topic)
	return u.String()
}

// Join starts connecting in the background and returns immediately.
// EventActive follows each successful dial.
func (d *Dialer) Join(_ context.Context, topic string) (transport.Channel, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &channel{
		id:      transport.NewMemberID(),
		url:     d.URL(topic),
		dialer:  d,
		inbox:   transport.NewInbox(transport.DefaultInboxSize),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	c.logger = d.logger.With().Str("topic", topic).Str("member", c.id).Logger()
	go c.run()
	return c, nil
}

type channel struct {
	id     string
	url    string
	dialer *Dialer
	inbox  *transport.Inbox
	logger zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	// mu guards conn and serializes writes.
	mu   sync.Mutex
	conn *websocket.Conn

	left      atomic.Bool
	leaveOnce sync.Once
}

func (c *channel) run() {
	defer close(c.stopped)
	defer c.inbox.Close()

	for {
		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("giving up on relay")
			}
			return
		}

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info().Msg("connected")
		c.inbox.Push(transport.Event{Type: transport.EventActive})
		c.read(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn().Msg("connection lost, redialing")
		c.inbox.Push(transport.Event{Type: transport.EventInactive})
	}
}

func (c *channel) dial() (*websocket.Conn, error) {
	var conn *websocket.Conn
	operation := func() error {
		var (
			resp *http.Response
			err  error
		)
		conn, resp, err = c.dialer.dialer.DialContext(c.ctx, c.url, nil)
		if err != nil && resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(errors.Wrapf(err, "relay refused with %s", resp.Status))
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Dur("retry_in", wait).Msg("dial failed")
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(c.dialer.newBackOff(), c.ctx), notify)
	return conn, err
}

func (c *channel) read(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		m, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if m.Sender == c.id {
			continue
		}
		if !c.inbox.Push(transport.Event{Type: transport.EventMessage, Message: m}) {
			c.logger.Warn().Str("kind", string(m.Kind)).Msg("inbox full, message dropped")
		}
	}
}

func (c *channel) ID() string {
	return c.id
}

func (c *channel) Events() <-chan transport.Event {
	return c.inbox.Events()
}

func (c *channel) Send(ctx context.Context, kind wire.Kind, payload []byte) error {
	data, err := wire.Encode(wire.Message{Kind: kind, Sender: c.id, Payload: payload})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.left.Load() {
		return transport.ErrClosed
	}
	if c.conn == nil {
		return transport.ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (c *channel) Leave() error {
	c.leaveOnce.Do(func() {
		c.left.Store(true)
		c.cancel()

		c.mu.Lock()
		if c.conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			c.conn.Close()
		}
		c.mu.Unlock()

		<-c.stopped
	})
	return nil
}
