package audit

import (
	"context"
	"time"
)

// Actions
const (
	ActionSet    = "set"
	ActionDelete = "delete"
)

// Status
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Event is a single mutation to be recorded
type Event struct {
	DatabaseID   string // Database the mutation targeted
	Action       string // set or delete
	Key          string // Encoded key
	Status       string // success or failed
	Versionstamp string // Versionstamp of a successful set
	Error        string // Failure message
	TraceID      string // Request trace ID
	IPAddress    string // Client IP address
	UserAgent    string // Client user agent
}

// Record is a stored audit event
type Record struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	DatabaseID   string    `json:"database_id"`
	Action       string    `json:"action"`
	Key          string    `json:"key"`
	Status       string    `json:"status"`
	Versionstamp string    `json:"versionstamp,omitempty"`
	Error        string    `json:"error,omitempty"`
	TraceID      string    `json:"trace_id,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
}

// Filters for querying records. DatabaseID is always set by the Manager.
type Filters struct {
	DatabaseID string
	Action     string
	Status     string
	Key        string
	Since      time.Time
	Until      time.Time
	Page       int // 1-based
	PageSize   int
}

// Store defines the interface for audit record storage
type Store interface {
	// LogEvent records an event at the given time
	LogEvent(ctx context.Context, at time.Time, event *Event) error

	// GetLogs returns one page of matching records, newest first, and the
	// total number of matches
	GetLogs(ctx context.Context, filters *Filters) ([]*Record, int, error)

	// PurgeBefore deletes records older than cutoff
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
