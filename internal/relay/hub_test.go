package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ideasync/internal/infrastructure/observability"
)

func newTestHub(opts ...HubOption) (*Hub, *observability.Collector) {
	metrics := observability.NewCollector("test")
	return NewHub(metrics, zap.NewNop(), opts...), metrics
}

// newTestClient returns a client without a connection; its send channel
// stands in for the socket.
func newTestClient(hub *Hub, room string, buffer int) *Client {
	return NewClient(room, "user", hub, nil, Limits{SendBuffer: buffer}, zap.NewNop())
}

func binary(s string) Message {
	return Message{Kind: websocket.BinaryMessage, Data: []byte(s)}
}

func drain(c *Client) []string {
	var out []string
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, string(msg.Data))
		default:
			return out
		}
	}
}

func TestHub(t *testing.T) {
	ctx := context.Background()

	t.Run("Should deliver only to the other members of the room", func(t *testing.T) {
		hub, metrics := newTestHub()
		a1 := newTestClient(hub, "idea-1", 8)
		a2 := newTestClient(hub, "idea-1", 8)
		b1 := newTestClient(hub, "idea-2", 8)
		hub.Join(ctx, a1)
		hub.Join(ctx, a2)
		hub.Join(ctx, b1)

		hub.Broadcast(a1, binary("hello"))

		assert.Equal(t, []string{"hello"}, drain(a2))
		assert.Empty(t, drain(a1), "sender must not receive its own message")
		assert.Empty(t, drain(b1), "rooms are isolated")
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesRelayed))
		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ActiveRooms))
	})

	t.Run("Should preserve order per sender", func(t *testing.T) {
		hub, _ := newTestHub()
		a, b := newTestClient(hub, "idea-1", 8), newTestClient(hub, "idea-1", 8)
		hub.Join(ctx, a)
		hub.Join(ctx, b)

		for _, s := range []string{"1", "2", "3"} {
			hub.Broadcast(a, binary(s))
		}
		assert.Equal(t, []string{"1", "2", "3"}, drain(b))
	})

	t.Run("Should drop messages from unregistered connections", func(t *testing.T) {
		hub, metrics := newTestHub()
		member := newTestClient(hub, "idea-1", 8)
		stranger := newTestClient(hub, "idea-1", 8)
		hub.Join(ctx, member)

		hub.Broadcast(stranger, binary("sneaky"))

		assert.Empty(t, drain(member))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues(observability.DropUnregistered)))
	})

	t.Run("Should drop empty and oversized messages", func(t *testing.T) {
		hub, metrics := newTestHub(WithMaxMessageBytes(4))
		a, b := newTestClient(hub, "idea-1", 8), newTestClient(hub, "idea-1", 8)
		hub.Join(ctx, a)
		hub.Join(ctx, b)

		hub.Broadcast(a, binary(""))
		hub.Broadcast(a, binary("too large"))
		hub.Broadcast(a, binary("ok"))

		assert.Equal(t, []string{"ok"}, drain(b))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues(observability.DropEmpty)))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues(observability.DropOversized)))
	})

	t.Run("Should evict a slow peer without affecting the others", func(t *testing.T) {
		hub, metrics := newTestHub()
		sender := newTestClient(hub, "idea-1", 8)
		slow := newTestClient(hub, "idea-1", 1)
		fast := newTestClient(hub, "idea-1", 8)
		hub.Join(ctx, sender)
		hub.Join(ctx, slow)
		hub.Join(ctx, fast)

		hub.Broadcast(sender, binary("1"))
		hub.Broadcast(sender, binary("2"))

		assert.Equal(t, []string{"1", "2"}, drain(fast))
		assert.Equal(t, []string{"1"}, drain(slow), "the queue is closed after eviction")
		assert.Equal(t, 2, hub.RoomSize("idea-1"))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PeersEvicted))
	})

	t.Run("Should drop a room once its last member leaves", func(t *testing.T) {
		hub, metrics := newTestHub()
		a, b := newTestClient(hub, "idea-1", 8), newTestClient(hub, "idea-1", 8)
		hub.Join(ctx, a)
		hub.Join(ctx, b)

		hub.Leave(a)
		hub.Leave(a)
		assert.Equal(t, map[string]int{"idea-1": 1}, hub.Rooms())

		hub.Leave(b)
		assert.Empty(t, hub.Rooms())
		assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveRooms))
		assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveConnections))

		_, open := <-a.send
		assert.False(t, open)
	})

	t.Run("Should close every member on stop", func(t *testing.T) {
		hub, _ := newTestHub()
		a := newTestClient(hub, "idea-1", 8)
		hub.Join(ctx, a)

		hub.Stop()
		hub.Stop()

		_, open := <-a.send
		assert.False(t, open)
		assert.Empty(t, hub.Rooms())
	})
}

func TestRedisFanout(t *testing.T) {
	mr := miniredis.RunT(t)

	newFanoutHub := func(t *testing.T) *Hub {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })

		hub, _ := newTestHub(WithFanout(NewRedisFanout(client, "test:room:", zap.NewNop())))
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go hub.Run(ctx)
		return hub
	}

	t.Run("Should deliver across instances without echo", func(t *testing.T) {
		hub1 := newFanoutHub(t)
		hub2 := newFanoutHub(t)

		ctx := context.Background()
		sender := newTestClient(hub1, "idea-7", 256)
		local := newTestClient(hub1, "idea-7", 256)
		remote := newTestClient(hub2, "idea-7", 256)
		other := newTestClient(hub2, "idea-8", 8)
		hub1.Join(ctx, sender)
		hub1.Join(ctx, local)
		hub2.Join(ctx, remote)
		hub2.Join(ctx, other)

		// Both subscriptions are live once a probe crosses over.
		require.Eventually(t, func() bool {
			hub1.Broadcast(sender, binary("probe"))
			return len(drain(remote)) > 0
		}, 5*time.Second, 50*time.Millisecond)
		time.Sleep(200 * time.Millisecond)
		drain(remote)
		drain(local)

		hub1.Broadcast(sender, binary("update"))

		var received []string
		require.Eventually(t, func() bool {
			received = append(received, drain(remote)...)
			return len(received) > 0
		}, 5*time.Second, 10*time.Millisecond)

		time.Sleep(100 * time.Millisecond)
		received = append(received, drain(remote)...)
		assert.Equal(t, []string{"update"}, received)
		assert.Equal(t, []string{"update"}, drain(local), "local members get one copy")
		assert.Empty(t, drain(sender))
		assert.Empty(t, drain(other))
	})
}

func TestEnvelope(t *testing.T) {
	t.Run("Should round trip kind origin and payload", func(t *testing.T) {
		origin, msg, err := decodeEnvelope(encodeEnvelope("instance-1", binary("\x00\x01data")))
		require.NoError(t, err)
		assert.Equal(t, "instance-1", origin)
		assert.Equal(t, websocket.BinaryMessage, msg.Kind)
		assert.Equal(t, "\x00\x01data", string(msg.Data))
	})

	t.Run("Should reject truncated envelopes", func(t *testing.T) {
		_, _, err := decodeEnvelope([]byte{2})
		assert.ErrorIs(t, err, errBadEnvelope)
		_, _, err = decodeEnvelope([]byte{2, 10, 'a'})
		assert.ErrorIs(t, err, errBadEnvelope)
	})
}
