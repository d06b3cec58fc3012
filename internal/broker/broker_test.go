package broker

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyr33x/goqtt-router/internal/packet"
	"github.com/pyr33x/goqtt-router/internal/packet/utils"
)

// bufConn is a non-blocking net.Conn stand-in that records everything
// written to it, so a test can inspect exactly what the broker delivered
// to a session without a goroutine pumping a real socket.
type bufConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *bufConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}
func (c *bufConn) Read([]byte) (int, error)         { return 0, nil }
func (c *bufConn) Close() error                     { return nil }
func (c *bufConn) LocalAddr() net.Addr              { return fakeAddr("local") }
func (c *bufConn) RemoteAddr() net.Addr             { return fakeAddr("remote") }
func (c *bufConn) SetDeadline(time.Time) error      { return nil }
func (c *bufConn) SetReadDeadline(time.Time) error  { return nil }
func (c *bufConn) SetWriteDeadline(time.Time) error { return nil }

func (c *bufConn) publishes(t *testing.T) []*packet.PublishPacket {
	t.Helper()
	c.mu.Lock()
	raw := append([]byte(nil), c.buf.Bytes()...)
	c.mu.Unlock()

	var out []*packet.PublishPacket
	for len(raw) > 0 {
		length, offset, err := utils.ParseRemainingLength(raw[1:])
		require.NoError(t, err)
		total := 1 + offset + length
		require.LessOrEqual(t, total, len(raw))

		pp := &packet.PublishPacket{}
		require.NoError(t, pp.Parse(raw[:total]))
		out = append(out, pp)
		raw = raw[total:]
	}
	return out
}

type fakeAddr string

func (a fakeAddr) Network() string { return "test" }
func (a fakeAddr) String() string  { return string(a) }

func newTestBroker(t *testing.T, cfg Config) (*Broker, map[string]*bufConn) {
	t.Helper()
	b, err := New(cfg, nil, nil, nil, nil, nil)
	require.NoError(t, err)
	return b, make(map[string]*bufConn)
}

func connectSession(t *testing.T, b *Broker, clientID string, cleanStart bool, conns map[string]*bufConn) *Session {
	t.Helper()
	s := NewSession(clientID, cleanStart, b.SessionConfig())
	conn := &bufConn{}
	conns[clientID] = conn
	b.Connect(s, conn, 0)
	return s
}

// S1 — exact match: a direct subscriber receives the exact payload and
// QoS published to a matching topic (spec.md §8 S1).
func TestBrokerExactMatchDelivery(t *testing.T) {
	b, conns := newTestBroker(t, Config{})
	a := connectSession(t, b, "A", true, conns)
	pub := connectSession(t, b, "B", true, conns)

	suback := b.HandleSubscribe(a, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "room/1/temp", QoS: packet.QoSAtLeastOnce}},
	})
	require.Equal(t, packet.SubackMaxQoS1, suback.ReturnCodes[0])

	err := b.HandlePublish(pub, &packet.PublishPacket{
		Topic:   "room/1/temp",
		Payload: []byte("22"),
		QoS:     packet.QoSAtLeastOnce,
	})
	require.NoError(t, err)

	pubs := conns["A"].publishes(t)
	require.Len(t, pubs, 1)
	assert.Equal(t, "room/1/temp", pubs[0].Topic)
	assert.Equal(t, []byte("22"), pubs[0].Payload)
	assert.Equal(t, packet.QoSAtLeastOnce, pubs[0].QoS)
	assert.Equal(t, 1, a.InflightLen()) // QoS1 delivery awaits PUBACK
}

// S4 — retained: a late subscriber receives the last retained message,
// and an empty-payload retained publish purges it for future subscribers
// (spec.md §8 S4).
func TestBrokerRetainedReplayAndPurge(t *testing.T) {
	b, conns := newTestBroker(t, Config{})
	publisher := connectSession(t, b, "B", true, conns)

	require.NoError(t, b.HandlePublish(publisher, &packet.PublishPacket{
		Topic: "s/k", Payload: []byte("1"), QoS: packet.QoSAtMostOnce, Retain: true,
	}))

	a := connectSession(t, b, "A", true, conns)
	suback := b.HandleSubscribe(a, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "s/k", QoS: packet.QoSAtMostOnce}},
	})
	_ = suback

	pubs := conns["A"].publishes(t)
	require.Len(t, pubs, 1)
	assert.Equal(t, []byte("1"), pubs[0].Payload)
	assert.True(t, pubs[0].Retain)

	require.NoError(t, b.HandlePublish(publisher, &packet.PublishPacket{
		Topic: "s/k", Payload: nil, QoS: packet.QoSAtMostOnce, Retain: true,
	}))

	c := connectSession(t, b, "C", true, conns)
	b.HandleSubscribe(c, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "s/k", QoS: packet.QoSAtMostOnce}},
	})
	assert.Empty(t, conns["C"].publishes(t))
}

// S5 — shared subscription round-robin: three group members split six
// publishes evenly (spec.md §8 S5), exercised through Broker.Publish
// rather than SharedGroup.Select in isolation.
func TestBrokerSharedSubscriptionRoundRobinFairness(t *testing.T) {
	b, conns := newTestBroker(t, Config{SharedPolicy: SharedRoundRobin})
	publisher := connectSession(t, b, "pub", true, conns)

	for _, id := range []string{"A", "B", "C"} {
		s := connectSession(t, b, id, true, conns)
		suback := b.HandleSubscribe(s, &packet.SubscribePacket{
			PacketID: 1,
			Filters:  []packet.SubscribeFilter{{Topic: "$share/g/j/#", QoS: packet.QoSAtMostOnce}},
		})
		require.NotEqual(t, packet.SubackFailure, suback.ReturnCodes[0])
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, b.HandlePublish(publisher, &packet.PublishPacket{
			Topic: "j/x", Payload: []byte("m"), QoS: packet.QoSAtMostOnce,
		}))
	}

	for _, id := range []string{"A", "B", "C"} {
		assert.Len(t, conns[id].publishes(t), 2, "member %s should receive exactly 2 of 6 round-robin deliveries", id)
	}
}

// S6 — session takeover: a second connection for the same client-id
// disconnects the first with ReasonSessionTakeover and fires its will
// (spec.md §8 S6, spec.md §4.6).
func TestBrokerSessionTakeoverDisconnectsPriorAndFiresWill(t *testing.T) {
	b, conns := newTestBroker(t, Config{})
	watcher := connectSession(t, b, "watcher", true, conns)
	b.HandleSubscribe(watcher, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "clients/c1/status", QoS: packet.QoSAtMostOnce}},
	})

	first := NewSession("c1", false, b.SessionConfig())
	first.SetWill(&Will{Topic: "clients/c1/status", Payload: []byte("offline"), QoS: byte(packet.QoSAtMostOnce)})
	firstConn := &bufConn{}
	conns["c1-first"] = firstConn
	b.Connect(first, firstConn, 0)
	require.Equal(t, StateConnected, first.State())

	second := NewSession("c1", false, b.SessionConfig())
	secondConn := &bufConn{}
	b.Connect(second, secondConn, 0)

	assert.Equal(t, StateDisconnected, first.State())
	assert.Equal(t, StateConnected, second.State())

	registered, ok := b.Registry().Get("c1")
	require.True(t, ok)
	assert.Same(t, second, registered)

	pubs := conns["watcher"].publishes(t)
	require.Len(t, pubs, 1)
	assert.Equal(t, []byte("offline"), pubs[0].Payload)
}
