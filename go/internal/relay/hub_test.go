package relay

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, opts ...HubOption) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(DefaultHubConfig(), append([]HubOption{WithMetrics(NewCounters())}, opts...)...)
	srv := httptest.NewServer(NewHandler(hub, "", "test").Routes())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForConnections(t *testing.T, hub *Hub, n int) {
	t.Helper()
	waitFor(t, "connections to settle", func() bool { return hub.Len() == n })
}

func send(t *testing.T, c *websocket.Conn, payload string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func receive(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	messageType, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", messageType)
	}
	return string(data)
}

func expectSilence(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, data, err := c.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected message %s", data)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("read error = %v, want timeout", err)
	}
}

func TestFanOutExcludesSender(t *testing.T) {
	hub, srv := newTestServer(t)
	a := dial(t, srv, "/ws")
	b := dial(t, srv, "/ws")
	c := dial(t, srv, "/")
	waitForConnections(t, hub, 3)

	payload := `{"userId":"a","roomId":"R1","estimate":null,"isHidden":true,"isSpectator":false}`
	send(t, a, payload)

	if got := receive(t, b); got != payload {
		t.Fatalf("b received %s, want %s", got, payload)
	}
	if got := receive(t, c); got != payload {
		t.Fatalf("c received %s, want %s", got, payload)
	}
	expectSilence(t, a)
}

func TestAloneReceivesNothing(t *testing.T) {
	hub, srv := newTestServer(t)
	a := dial(t, srv, "/ws")
	waitForConnections(t, hub, 1)

	send(t, a, `{"userId":"a","roomId":"R1"}`)

	expectSilence(t, a)
	stats := hub.Stats()
	if stats.Counters.MessagesReceived != 1 || stats.Counters.MessagesDelivered != 0 {
		t.Fatalf("counters = %+v", stats.Counters)
	}
}

func TestPayloadsAreNotValidated(t *testing.T) {
	hub, srv := newTestServer(t)
	a := dial(t, srv, "/ws")
	b := dial(t, srv, "/ws")
	waitForConnections(t, hub, 2)

	for _, payload := range []string{`not json at all`, `{"roomId":"other"}`, `[]`} {
		send(t, a, payload)
		if got := receive(t, b); got != payload {
			t.Fatalf("received %q, want %q unchanged", got, payload)
		}
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	hub, srv := newTestServer(t)
	a := dial(t, srv, "/ws")
	b := dial(t, srv, "/ws")
	waitForConnections(t, hub, 2)

	_ = a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	a.Close()
	waitForConnections(t, hub, 1)

	send(t, b, "still here")
	expectSilence(t, b)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), WithMetrics(NewCounters()))
	slow := &Connection{ID: "slow", send: make(chan []byte, 1), done: make(chan struct{})}
	fast := &Connection{ID: "fast", send: make(chan []byte, 4), done: make(chan struct{})}
	hub.register(slow)
	hub.register(fast)

	slow.send <- []byte("backlog")
	hub.Deliver([]byte("next"))

	if hub.Len() != 1 {
		t.Fatalf("hub has %d connections, want only the fast one", hub.Len())
	}
	select {
	case <-slow.done:
	default:
		t.Fatal("slow connection should be closed")
	}
	if got := string(<-fast.send); got != "next" {
		t.Fatalf("fast received %q", got)
	}
	if snap := hub.Stats().Counters; snap.SlowConsumers != 1 || snap.MessagesDropped != 1 {
		t.Fatalf("counters = %+v", snap)
	}
}

type memoryBus struct {
	mu   sync.Mutex
	subs map[string]func([]byte)
}

func newMemoryBus() *memoryBus {
	return &memoryBus{subs: make(map[string]func([]byte))}
}

func (b *memoryBus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type memoryBackplane struct {
	bus    *memoryBus
	origin string
	down   atomic.Bool
}

func (m *memoryBackplane) Connected() bool { return !m.down.Load() }

func (m *memoryBackplane) Publish(_ context.Context, payload []byte) error {
	m.bus.mu.Lock()
	var targets []func([]byte)
	for origin, deliver := range m.bus.subs {
		if origin != m.origin {
			targets = append(targets, deliver)
		}
	}
	m.bus.mu.Unlock()

	for _, deliver := range targets {
		deliver(payload)
	}
	return nil
}

func (m *memoryBackplane) Subscribe(_ context.Context, deliver func([]byte)) error {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	m.bus.subs[m.origin] = deliver
	return nil
}

func (m *memoryBackplane) Close() error { return nil }

func TestBackplaneSpansInstances(t *testing.T) {
	bus := newMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub1, srv1 := newTestServer(t, WithInstanceID("one"), WithBackplane(&memoryBackplane{bus: bus, origin: "one"}))
	hub2, srv2 := newTestServer(t, WithInstanceID("two"), WithBackplane(&memoryBackplane{bus: bus, origin: "two"}))
	go func() { _ = hub1.Start(ctx) }()
	go func() { _ = hub2.Start(ctx) }()
	waitFor(t, "backplane subscriptions", func() bool { return bus.subscribers() == 2 })

	a := dial(t, srv1, "/ws")
	b := dial(t, srv1, "/ws")
	c := dial(t, srv2, "/ws")
	waitForConnections(t, hub1, 2)
	waitForConnections(t, hub2, 1)

	payload := `{"userId":"a","roomId":"R1","estimate":5}`
	send(t, a, payload)

	if got := receive(t, b); got != payload {
		t.Fatalf("local peer received %s", got)
	}
	if got := receive(t, c); got != payload {
		t.Fatalf("remote peer received %s", got)
	}
	expectSilence(t, a)
	if got := hub2.Stats().Counters.BackplaneReceived; got != 1 {
		t.Fatalf("hub2 backplane received = %d, want 1", got)
	}
}

func TestRedisFrame(t *testing.T) {
	data, err := encodeFrame("one", []byte(`{"userId":"a"}`))
	if err != nil {
		t.Fatalf("encodeFrame() error = %v", err)
	}

	if _, remote, err := decodeFrame("one", data); err != nil || remote {
		t.Fatalf("own frame: remote=%v err=%v, want skipped", remote, err)
	}

	payload, remote, err := decodeFrame("two", data)
	if err != nil || !remote {
		t.Fatalf("foreign frame: remote=%v err=%v", remote, err)
	}
	if string(payload) != `{"userId":"a"}` {
		t.Fatalf("payload = %s", payload)
	}

	if _, _, err := decodeFrame("two", []byte("garbage")); err == nil {
		t.Fatal("decodeFrame() should reject non-frame data")
	}
}

func TestHubWithoutMetricsCollectsNothing(t *testing.T) {
	hub := NewHub(DefaultHubConfig())
	c := &Connection{ID: "c", send: make(chan []byte, 1), done: make(chan struct{})}
	hub.register(c)
	hub.Deliver([]byte("hello"))

	if got := string(<-c.send); got != "hello" {
		t.Fatalf("received %q", got)
	}
	if stats := hub.Stats(); stats.Counters != nil {
		t.Fatalf("counters = %+v, want none without a collector", stats.Counters)
	}
}
