// Package relay bridges WebSocket clients onto a backplane transport. Each
// socket gets its own backplane membership for the room it connects to, so
// the backplane's no-echo rule keeps a client's frames from coming back to
// it.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"collabtext/internal/metrics"
	"collabtext/internal/rooms"
	"collabtext/internal/transport"
	"collabtext/internal/wire"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

// Config wires a Server.
type Config struct {
	Backplane transport.Factory
	// Registry serves /rooms/{document}; nil disables the route.
	Registry rooms.Registry
	Metrics  *metrics.Metrics
	// Gatherer serves MetricsPath; nil disables the route.
	Gatherer    prometheus.Gatherer
	MetricsPath string
	// Rate and Burst limit frames per second per socket.
	Rate  float64
	Burst int
	// ReadyTimeout bounds the wait for the backplane subscription before
	// the upgrade.
	ReadyTimeout time.Duration
	Logger       zerolog.Logger
}

// Server is the relay's HTTP handler.
type Server struct {
	cfg      Config
	router   *mux.Router
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

// New builds the relay routes.
func New(cfg Config) *Server {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  cfg.Logger.With().Str("component", "relay").Logger(),
		clients: make(map[*client]struct{}),
	}

	s.router.HandleFunc("/ws/{room}", s.serveWs).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	if cfg.Registry != nil {
		s.router.HandleFunc("/rooms/{document}", s.serveRoom).Methods(http.MethodGet)
	}
	if cfg.Gatherer != nil {
		s.router.Handle(cfg.MetricsPath, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Shutdown closes every socket and waits for their pumps.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

type roomResponse struct {
	Document string `json:"document"`
	Room     string `json:"room"`
}

func (s *Server) serveRoom(w http.ResponseWriter, r *http.Request) {
	doc := mux.Vars(r)["document"]
	room, err := s.cfg.Registry.Resolve(r.Context(), doc)
	switch {
	case errors.Is(err, rooms.ErrInvalidDocument):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error().Err(err).Str("document", doc).Msg("resolving room")
		http.Error(w, "room lookup failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(roomResponse{Document: doc, Room: room})
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	logger := s.logger.With().Str("room", room).Str("remote", r.RemoteAddr).Logger()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadyTimeout)
	defer cancel()

	ch, err := s.cfg.Backplane.Join(ctx, room)
	if err != nil {
		logger.Error().Err(err).Msg("joining backplane")
		http.Error(w, "backplane unavailable", http.StatusServiceUnavailable)
		return
	}

	// Upgrade only once the backplane subscription is live, so nothing
	// published after the client's first frame is missed.
	var early []wire.Message
	for ready := false; !ready; {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				_ = ch.Leave()
				http.Error(w, "backplane unavailable", http.StatusServiceUnavailable)
				return
			}
			switch ev.Type {
			case transport.EventActive:
				ready = true
			case transport.EventMessage:
				early = append(early, ev.Message)
			}
		case <-ctx.Done():
			_ = ch.Leave()
			logger.Warn().Msg("backplane not ready in time")
			http.Error(w, "backplane not ready", http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = ch.Leave()
		logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &client{
		conn:    conn,
		channel: ch,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.Rate), s.cfg.Burst),
		metrics: s.cfg.Metrics,
		logger:  logger.With().Str("member", ch.ID()).Logger(),
	}
	s.register(c)
	s.cfg.Metrics.ConnectionOpened()
	c.logger.Info().Msg("client connected")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump(early)
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
		s.unregister(c)
		s.cfg.Metrics.ConnectionClosed()
		c.logger.Info().Msg("client disconnected")
	}()
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// client is one relayed socket.
type client struct {
	conn    *websocket.Conn
	channel transport.Channel
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// readPump publishes the socket's frames on the backplane. Leaving the
// backplane on exit also ends writePump.
func (c *client) readPump() {
	defer func() {
		_ = c.channel.Leave()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if !c.limiter.Allow() {
			c.metrics.Dropped("rate_limited")
			continue
		}
		m, err := wire.Decode(data)
		if err != nil {
			c.metrics.DecodeError("frame")
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.metrics.Received(string(m.Kind))

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err = c.channel.Send(ctx, m.Kind, m.Payload)
		cancel()
		if err != nil {
			c.metrics.Dropped("backplane")
			c.logger.Warn().Err(err).Str("kind", string(m.Kind)).Msg("publishing frame")
			c.hangUp("backplane publish failed")
			return
		}
	}
}

// writePump forwards backplane messages to the socket and keeps it alive
// with pings. It is the only writer of data frames. Any change of the
// backplane link ends the socket.
func (c *client) writePump(early []wire.Message) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for _, m := range early {
		if !c.write(m) {
			return
		}
	}
	for {
		select {
		case ev, ok := <-c.channel.Events():
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			switch ev.Type {
			case transport.EventMessage:
				if !c.write(ev.Message) {
					return
				}
			case transport.EventInactive:
				c.logger.Warn().Msg("backplane inactive")
				c.hangUp("backplane inactive")
				return
			case transport.EventActive:
				// The subscription was re-established and may have missed
				// messages.
				c.logger.Info().Msg("backplane re-activated")
				c.hangUp("backplane resubscribed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// hangUp closes the socket with a try-again-later status. The client
// redials and runs a fresh sync exchange, recovering whatever the backplane
// lost meanwhile.
func (c *client) hangUp(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.conn.Close()
}

func (c *client) write(m wire.Message) bool {
	data, err := wire.Encode(m)
	if err != nil {
		c.logger.Warn().Err(err).Msg("encoding message")
		return true
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug().Err(err).Msg("write failed")
		return false
	}
	c.metrics.Sent(string(m.Kind))
	return true
}
