package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn  EventType = "spawn"
	EventExit   EventType = "exit"
	EventReload EventType = "reload"
	EventKill   EventType = "kill"
)

// Table is the table or index name sinks write to unless told otherwise.
const Table = "worker_history"

// Event is one worker lifecycle change exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Pool       string    `json:"pool"`
	Slot       int       `json:"slot"`
	PID        int       `json:"pid"`
	// Status is the exit status of an exit event: the code, or 128+signal.
	Status   int   `json:"status"`
	UptimeMS int64 `json:"uptime_ms"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
