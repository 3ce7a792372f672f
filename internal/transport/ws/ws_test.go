package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"collabtext/internal/transport"
	"collabtext/internal/wire"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	paths    chan string
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/ws/") || strings.HasSuffix(r.URL.Path, "/refused") {
		http.NotFound(w, r)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.paths <- r.URL.Path
	f.conns <- conn
}

func startRelay(t *testing.T) (*fakeRelay, *Dialer) {
	t.Helper()
	relay := &fakeRelay{conns: make(chan *websocket.Conn, 4), paths: make(chan string, 4)}
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)

	d, err := NewDialer(srv.URL, WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}))
	require.NoError(t, err)
	return relay, d
}

func accept(t *testing.T, relay *fakeRelay) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-relay.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no connection")
	}
	return nil
}

func expect(t *testing.T, ch transport.Channel, typ transport.EventType) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		require.True(t, ok, "events closed")
		require.Equal(t, typ, ev.Type)
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %v", typ)
	}
	return transport.Event{}
}

func TestNewDialer(t *testing.T) {
	for in, want := range map[string]string{
		"localhost:8081":          "ws://localhost:8081/ws/doc%201",
		"http://relay:8081":       "ws://relay:8081/ws/doc%201",
		"https://relay/base/":     "wss://relay/base/ws/doc%201",
		"wss://relay.example:443": "wss://relay.example:443/ws/doc%201",
	} {
		d, err := NewDialer(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, d.URL("doc 1"), in)
	}

	_, err := NewDialer("ftp://relay")
	assert.Error(t, err)
	_, err = NewDialer("http://")
	assert.Error(t, err)
}

func TestChannel(t *testing.T) {
	ctx := context.Background()

	t.Run("Exchanges frames with the relay", func(t *testing.T) {
		relay, d := startRelay(t)

		ch, err := d.Join(ctx, "doc-1")
		require.NoError(t, err)
		defer ch.Leave()

		conn := accept(t, relay)
		assert.Equal(t, "/ws/doc-1", <-relay.paths)
		expect(t, ch, transport.EventActive)

		require.NoError(t, ch.Send(ctx, wire.KindDocUpdate, []byte{1, 2, 3}))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		m, err := wire.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, ch.ID(), m.Sender)
		assert.Equal(t, []byte{1, 2, 3}, m.Payload)

		own, err := wire.Encode(wire.Message{Kind: wire.KindDocUpdate, Sender: ch.ID()})
		require.NoError(t, err)
		peer, err := wire.Encode(wire.Message{Kind: wire.KindSyncRequest, Sender: "peer", Payload: []byte("r")})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, own))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("junk")))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, peer))

		ev := expect(t, ch, transport.EventMessage)
		assert.Equal(t, "peer", ev.Message.Sender)
		assert.Equal(t, wire.KindSyncRequest, ev.Message.Kind)
	})

	t.Run("Redials after the relay drops the connection", func(t *testing.T) {
		relay, d := startRelay(t)

		ch, err := d.Join(ctx, "doc")
		require.NoError(t, err)
		defer ch.Leave()

		first := accept(t, relay)
		expect(t, ch, transport.EventActive)
		first.Close()

		expect(t, ch, transport.EventInactive)
		accept(t, relay)
		expect(t, ch, transport.EventActive)
	})

	t.Run("Send while disconnected", func(t *testing.T) {
		_, d := startRelay(t)
		c := &channel{inbox: transport.NewInbox(1), dialer: d}
		assert.ErrorIs(t, c.Send(ctx, wire.KindDocUpdate, nil), transport.ErrNotConnected)
	})

	t.Run("Refused topics stop redialing", func(t *testing.T) {
		_, d := startRelay(t)

		ch, err := d.Join(ctx, "refused")
		require.NoError(t, err)
		select {
		case _, ok := <-ch.Events():
			assert.False(t, ok)
		case <-time.After(3 * time.Second):
			t.Fatal("events not closed")
		}
		require.NoError(t, ch.Leave())
	})

	t.Run("Leave closes events", func(t *testing.T) {
		relay, d := startRelay(t)

		ch, err := d.Join(ctx, "doc")
		require.NoError(t, err)
		accept(t, relay)
		expect(t, ch, transport.EventActive)

		require.NoError(t, ch.Leave())
		require.NoError(t, ch.Leave())
		for range ch.Events() {
		}
		assert.ErrorIs(t, ch.Send(ctx, wire.KindDocUpdate, nil), transport.ErrClosed)
	})
}
