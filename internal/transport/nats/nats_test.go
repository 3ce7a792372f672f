package nats

import (
	"context"
	"net"
	"testing"
	"time"

	"collabtext/internal/transport"
	"collabtext/internal/wire"

	"github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	gonats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChannel(id string) *channel {
	return &channel{
		id:      id,
		subject: "collabtext.rooms.test",
		factory: &Factory{channels: make(map[*channel]struct{})},
		inbox:   transport.NewInbox(8),
		logger:  zerolog.Nop(),
	}
}

func TestSubject(t *testing.T) {
	f := &Factory{prefix: DefaultPrefix}
	assert.Equal(t, "collabtext.rooms.doc-1", f.Subject("doc-1"))
	assert.Equal(t, "collabtext.rooms.a_b_c_d", f.Subject("a.b*c>d"))
}

func TestChannel(t *testing.T) {
	t.Run("Delivers other senders only", func(t *testing.T) {
		c := newChannel("me")

		own, err := wire.Encode(wire.Message{Kind: wire.KindDocUpdate, Sender: "me"})
		require.NoError(t, err)
		other, err := wire.Encode(wire.Message{Kind: wire.KindDocUpdate, Sender: "you", Payload: []byte{7}})
		require.NoError(t, err)

		c.deliver(own)
		c.deliver([]byte("garbage"))
		c.deliver(other)
		c.inbox.Close()

		var got []transport.Event
		for ev := range c.Events() {
			got = append(got, ev)
		}
		require.Len(t, got, 1)
		assert.Equal(t, "you", got[0].Message.Sender)
		assert.Equal(t, []byte{7}, got[0].Message.Payload)
	})

	t.Run("Activity transitions are edge triggered", func(t *testing.T) {
		c := newChannel("me")
		c.setActive(true)
		c.setActive(true)
		c.setActive(false)
		c.setActive(true)

		assert.Equal(t, transport.EventActive, (<-c.Events()).Type)
		assert.Equal(t, transport.EventInactive, (<-c.Events()).Type)
		assert.Equal(t, transport.EventActive, (<-c.Events()).Type)
		assert.Empty(t, c.Events())
	})

	t.Run("Send states", func(t *testing.T) {
		c := newChannel("me")
		assert.ErrorIs(t, c.Send(context.Background(), wire.KindDocUpdate, nil), transport.ErrNotConnected)

		require.NoError(t, c.Leave())
		require.NoError(t, c.Leave())
		assert.ErrorIs(t, c.Send(context.Background(), wire.KindDocUpdate, nil), transport.ErrClosed)
		_, ok := <-c.Events()
		assert.False(t, ok)
	})
}

func runServer(t *testing.T, port int) *server.Server {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = port
	s := natstest.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

func expect(t *testing.T, ch transport.Channel, typ transport.EventType) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		require.True(t, ok, "events closed")
		require.Equal(t, typ, ev.Type)
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %v", typ)
	}
	return transport.Event{}
}

func TestNATSTransport(t *testing.T) {
	ctx := context.Background()
	s := runServer(t, -1)
	port := s.Addr().(*net.TCPAddr).Port

	conn, err := gonats.Connect(s.ClientURL(),
		gonats.MaxReconnects(-1),
		gonats.ReconnectWait(20*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	f := New(conn, "", zerolog.Nop())

	a, err := f.Join(ctx, "doc-1")
	require.NoError(t, err)
	defer a.Leave()
	b, err := f.Join(ctx, "doc-1")
	require.NoError(t, err)
	defer b.Leave()
	other, err := f.Join(ctx, "doc-2")
	require.NoError(t, err)
	defer other.Leave()

	expect(t, a, transport.EventActive)
	expect(t, b, transport.EventActive)
	expect(t, other, transport.EventActive)

	t.Run("Publishes to other members only", func(t *testing.T) {
		require.NoError(t, a.Send(ctx, wire.KindDocUpdate, []byte("u1")))

		ev := expect(t, b, transport.EventMessage)
		assert.Equal(t, a.ID(), ev.Message.Sender)
		assert.Equal(t, []byte("u1"), ev.Message.Payload)

		select {
		case ev := <-a.Events():
			t.Fatalf("sender received %v", ev.Type)
		case ev := <-other.Events():
			t.Fatalf("other subject received %v", ev.Type)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("Server restart deactivates and reactivates", func(t *testing.T) {
		s.Shutdown()
		s.WaitForShutdown()

		expect(t, a, transport.EventInactive)
		expect(t, b, transport.EventInactive)
		assert.ErrorIs(t, a.Send(ctx, wire.KindDocUpdate, nil), transport.ErrNotConnected)

		runServer(t, port)
		expect(t, a, transport.EventActive)
		expect(t, b, transport.EventActive)

		require.NoError(t, b.Send(ctx, wire.KindSyncRequest, []byte(b.ID())))
		ev := expect(t, a, transport.EventMessage)
		assert.Equal(t, wire.KindSyncRequest, ev.Message.Kind)
	})
}
