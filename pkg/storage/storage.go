package storage

import (
	"context"
	"time"
)

// DefaultLogTimeout bounds a single event write from the audit pipeline.
const DefaultLogTimeout = 1 * time.Second

// Store defines the interface for audit event persistence.
// Implementations must be thread-safe and support concurrent access.
type Store interface {
	// Event logging
	LogEvent(ctx context.Context, event *Event) error
	GetRecentEvents(ctx context.Context, limit, offset int) ([]*Event, error)
	GetEventsByClient(ctx context.Context, clientIP string, limit int) ([]*Event, error)
	GetEventsByName(ctx context.Context, queryName string, limit int) ([]*Event, error)

	// Statistics
	CountEvents(ctx context.Context, since time.Time) (int64, error)
	CountEventsByBranch(ctx context.Context, since time.Time) (map[string]int64, error)

	// Maintenance
	Cleanup(ctx context.Context, olderThan time.Time) error
	Close() error
	Ping(ctx context.Context) error
}

// Event is one persisted audit record: a single blocked query and the
// disposition it received. Unblocked queries are never recorded.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	ClientIP       string    `json:"client_ip"`
	QueryName      string    `json:"query_name"`
	QueryType      string    `json:"query_type"`
	QueryClass     string    `json:"query_class"`
	Branch         string    `json:"branch"`
	ReplyValue     string    `json:"reply_value,omitempty"`
	Classification string    `json:"classification"`
	ID             int64     `json:"id"`
	ClientPort     int       `json:"client_port"`
}

// MetricsRecorder defines the interface for recording storage metrics.
// This interface breaks the import cycle between storage and telemetry.
type MetricsRecorder interface {
	AddDroppedEvent(ctx context.Context, count int64)
}
