package relay

import "sync/atomic"

// MetricsCollector defines the interface for collecting relay metrics
type MetricsCollector interface {
	RecordConnectionOpened()
	RecordConnectionClosed(reason string)
	RecordMessageReceived(size int)
	RecordMessageRelayed(recipients int)
	RecordMessageDropped()
	RecordBackplaneReceived()
	RecordBackplaneError()
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordConnectionOpened()              {}
func (n *NoOpMetricsCollector) RecordConnectionClosed(reason string) {}
func (n *NoOpMetricsCollector) RecordMessageReceived(size int)       {}
func (n *NoOpMetricsCollector) RecordMessageRelayed(recipients int)  {}
func (n *NoOpMetricsCollector) RecordMessageDropped()                {}
func (n *NoOpMetricsCollector) RecordBackplaneReceived()             {}
func (n *NoOpMetricsCollector) RecordBackplaneError()                {}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	ConnectionsOpened uint64 `json:"connections_opened"`
	ConnectionsClosed uint64 `json:"connections_closed"`
	SlowConsumers     uint64 `json:"slow_consumers"`
	MessagesReceived  uint64 `json:"messages_received"`
	BytesReceived     uint64 `json:"bytes_received"`
	MessagesDelivered uint64 `json:"messages_delivered"`
	MessagesDropped   uint64 `json:"messages_dropped"`
	BackplaneReceived uint64 `json:"backplane_received"`
	BackplaneErrors   uint64 `json:"backplane_errors"`
}

// Counters is an in-process MetricsCollector served on /stats.
type Counters struct {
	connectionsOpened atomic.Uint64
	connectionsClosed atomic.Uint64
	slowConsumers     atomic.Uint64
	messagesReceived  atomic.Uint64
	bytesReceived     atomic.Uint64
	messagesDelivered atomic.Uint64
	messagesDropped   atomic.Uint64
	backplaneReceived atomic.Uint64
	backplaneErrors   atomic.Uint64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) RecordConnectionOpened() { c.connectionsOpened.Add(1) }

func (c *Counters) RecordConnectionClosed(reason string) {
	c.connectionsClosed.Add(1)
	if reason == closeReasonSlow {
		c.slowConsumers.Add(1)
	}
}

func (c *Counters) RecordMessageReceived(size int) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(size))
}

func (c *Counters) RecordMessageRelayed(recipients int) {
	c.messagesDelivered.Add(uint64(recipients))
}

func (c *Counters) RecordMessageDropped()    { c.messagesDropped.Add(1) }
func (c *Counters) RecordBackplaneReceived() { c.backplaneReceived.Add(1) }
func (c *Counters) RecordBackplaneError()    { c.backplaneErrors.Add(1) }

func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		ConnectionsOpened: c.connectionsOpened.Load(),
		ConnectionsClosed: c.connectionsClosed.Load(),
		SlowConsumers:     c.slowConsumers.Load(),
		MessagesReceived:  c.messagesReceived.Load(),
		BytesReceived:     c.bytesReceived.Load(),
		MessagesDelivered: c.messagesDelivered.Load(),
		MessagesDropped:   c.messagesDropped.Load(),
		BackplaneReceived: c.backplaneReceived.Load(),
		BackplaneErrors:   c.backplaneErrors.Load(),
	}
}
