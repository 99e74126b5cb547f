package abus

import "time"

// EventType enumerates internal lifecycle events for the Observer pattern.
type EventType string

const (
	EventPublish      EventType = "publish"
	EventHandlerError EventType = "handler_error"
	EventJournalError EventType = "journal_error"
	EventReplyMatched EventType = "reply_matched"
	EventAwaitTimeout EventType = "await_timeout"
)

// BusEvent carries telemetry for observers.
type BusEvent struct {
	Type      EventType
	MessageID string
	Kind      string
	Sender    string
	Recipient string
	Duration  time.Duration
	Err       error

	// Internal: attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Published      uint64
	Delivered      uint64
	HandlerErrors  uint64
	JournalErrors  uint64
	RepliesMatched uint64
	AwaitTimeouts  uint64
	EventsDropped  uint64
}

// HealthStatus indicates bus health for liveness probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
