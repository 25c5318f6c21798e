package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	closeReasonClient   = "client closed"
	closeReasonSlow     = "send buffer full"
	closeReasonShutdown = "shutdown"
)

// HubConfig holds configuration for relay websocket connections
type HubConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultHubConfig returns default relay connection configuration
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			// Rooms are unauthenticated; any page may connect.
			return true
		},
	}
}

// Hub is a stateless fan-out relay. Every text payload read from one
// connection is written unchanged to every other open connection. It keeps no
// rooms and no history; the only shared state is the live connection set.
type Hub struct {
	connections map[*Connection]struct{}
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   HubConfig

	instanceID string
	backplane  Backplane
	metrics    MetricsCollector
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithBackplane shares payloads with other relay instances.
func WithBackplane(b Backplane) HubOption {
	return func(h *Hub) {
		h.backplane = b
	}
}

func WithMetrics(m MetricsCollector) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithInstanceID overrides the random id that tags this instance on the backplane.
func WithInstanceID(id string) HubOption {
	return func(h *Hub) {
		h.instanceID = id
	}
}

// NewHub creates a relay hub
func NewHub(config HubConfig, opts ...HubOption) *Hub {
	h := &Hub{
		connections: make(map[*Connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:     config,
		instanceID: uuid.NewString(),
		metrics:    &NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) InstanceID() string { return h.instanceID }

// Start subscribes to the backplane, if any, and blocks until ctx is done.
// All local connections are closed on return.
func (h *Hub) Start(ctx context.Context) error {
	if h.backplane != nil {
		if err := h.backplane.Subscribe(ctx, h.Deliver); err != nil {
			return fmt.Errorf("failed to subscribe to backplane: %w", err)
		}
	}

	log.Info().
		Str("instance_id", h.instanceID).
		Bool("backplane", h.backplane != nil).
		Msg("relay hub started")

	<-ctx.Done()
	h.Close()
	log.Info().Msg("relay hub stopped")
	return nil
}

// Upgrade upgrades an HTTP request to a relay connection
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.NewString(),
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now(),
		ws:          ws,
		hub:         h,
		send:        make(chan []byte, h.config.SendBuffer),
		done:        make(chan struct{}),
	}

	h.register(c)

	go c.writePump()
	go c.readPump()

	return nil
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	h.connections[c] = struct{}{}
	total := len(h.connections)
	h.mu.Unlock()

	h.metrics.RecordConnectionOpened()

	log.Info().
		Str("connection_id", c.ID).
		Str("remote_addr", c.RemoteAddr).
		Int("connections", total).
		Msg("relay connection opened")
}

func (h *Hub) unregister(c *Connection, reason string) {
	h.mu.Lock()
	_, ok := h.connections[c]
	delete(h.connections, c)
	total := len(h.connections)
	h.mu.Unlock()

	c.close()
	if !ok {
		return
	}

	h.metrics.RecordConnectionClosed(reason)

	log.Info().
		Str("connection_id", c.ID).
		Str("reason", reason).
		Dur("connected_for", time.Since(c.ConnectedAt)).
		Int("connections", total).
		Msg("relay connection closed")
}

// Relay forwards a payload received on from to every other local connection
// and, when configured, to the other relay instances.
func (h *Hub) Relay(ctx context.Context, from *Connection, payload []byte) {
	h.metrics.RecordMessageReceived(len(payload))

	recipients := h.fanOut(from, payload)

	log.Debug().
		Str("connection_id", from.ID).
		Int("recipients", recipients).
		Bytes("payload", payload).
		Msg("relayed message")

	if h.backplane == nil {
		return
	}
	if err := h.backplane.Publish(ctx, payload); err != nil {
		h.metrics.RecordBackplaneError()
		log.Warn().Err(err).Msg("failed to publish to backplane")
	}
}

// Deliver writes a payload that arrived from another relay instance to every
// local connection.
func (h *Hub) Deliver(payload []byte) {
	h.metrics.RecordBackplaneReceived()
	recipients := h.fanOut(nil, payload)

	log.Debug().
		Int("recipients", recipients).
		Msg("delivered backplane message")
}

func (h *Hub) fanOut(from *Connection, payload []byte) int {
	// Snapshot under the read lock so slow writes never hold it.
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.connections))
	for c := range h.connections {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(payload) {
			delivered++
			continue
		}
		h.metrics.RecordMessageDropped()
		log.Warn().
			Str("connection_id", c.ID).
			Msg("connection send buffer full, closing connection")
		h.unregister(c, closeReasonSlow)
	}

	h.metrics.RecordMessageRelayed(delivered)
	return delivered
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// connectivity is implemented by backplanes that can report link state.
type connectivity interface {
	Connected() bool
}

// BackplaneConnected reports whether the backplane link is up. A hub without
// a backplane, or with one that cannot tell, counts as connected.
func (h *Hub) BackplaneConnected() bool {
	if c, ok := h.backplane.(connectivity); ok {
		return c.Connected()
	}
	return true
}

// Stats describes the hub for the /stats endpoint.
type Stats struct {
	InstanceID  string           `json:"instance_id"`
	Connections int              `json:"connections"`
	Backplane   bool             `json:"backplane"`
	Counters    *CounterSnapshot `json:"counters,omitempty"`
}

func (h *Hub) Stats() Stats {
	stats := Stats{
		InstanceID:  h.instanceID,
		Connections: h.Len(),
		Backplane:   h.backplane != nil,
	}
	if c, ok := h.metrics.(*Counters); ok {
		snap := c.Snapshot()
		stats.Counters = &snap
	}
	return stats
}

// Close drops every open connection.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Connection, 0, len(h.connections))
	for c := range h.connections {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.unregister(c, closeReasonShutdown)
	}
}
