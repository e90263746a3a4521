package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/Chaztikov/uncertainpy/pkg/engine"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// FailureKind tells node, feature and output failures apart.
type FailureKind string

const (
	FailureKindNode    FailureKind = "node"
	FailureKindFeature FailureKind = "feature"
	FailureKindOutput  FailureKind = "output"
)

// Run is the stored summary of one estimation.
type Run struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Method string `json:"method"`

	// State is the engine.RunState the run ended in, or configured while it runs.
	State     engine.RunState `json:"state"`
	Uncertain string          `json:"uncertain"` // JSON array of parameter names

	Nodes     int `json:"nodes"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	Options     string  `json:"options"`          // JSON blob
	Diagnostics string  `json:"diagnostics"`      // JSON blob
	Policy      *string `json:"policy,omitempty"` // JSON blob
	Error       *string `json:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Output is the stored record of one model output or feature.
type Output struct {
	ID       int64               `json:"id"`
	RunID    string              `json:"run_id"`
	Position int                 `json:"position"`
	Name     string              `json:"name"`
	Kind     engine.OutputKind   `json:"kind"`
	Status   engine.OutputStatus `json:"status"`
	Record   string              `json:"record"` // JSON encoded engine.Record
	Missing  int                 `json:"missing"`
	Errored  int                 `json:"errored"`
	Error    *string             `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Failure is a stored node, feature or output failure.
type Failure struct {
	ID         int64       `json:"id"`
	RunID      string      `json:"run_id"`
	Kind       FailureKind `json:"kind"`
	Node       *int        `json:"node,omitempty"`
	Name       *string     `json:"name,omitempty"`       // feature or output name
	Assignment *string     `json:"assignment,omitempty"` // JSON object
	Error      string      `json:"error"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	EventID   string     `json:"event_id"`
	RunID     *string    `json:"run_id,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Output    *string    `json:"output,omitempty"`
	Node      *int       `json:"node,omitempty"`
	Message   string     `json:"message"`
	Data      *string    `json:"data,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// EventFilter narrows GetEvents. Nil fields match everything.
type EventFilter struct {
	RunID *string
	Type  *string
	Level *EventLevel
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunState(ctx context.Context, id string, state engine.RunState, err *string) error
	ListRuns(ctx context.Context, name *string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Output operations
	ListOutputs(ctx context.Context, runID string) ([]*Output, error)
	GetOutput(ctx context.Context, runID, name string) (*Output, error)

	// Failure operations
	ListFailures(ctx context.Context, runID string, kind *FailureKind) ([]*Failure, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*Event, error)

	// SaveResults stores a finished estimation in one transaction.
	SaveResults(ctx context.Context, name string, opts engine.Options, results *engine.Results, runErr error) error

	// Utility
	HealthCheck(ctx context.Context) error
}
