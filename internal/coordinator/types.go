package coordinator

import (
	"context"
	"errors"
	"time"

	"metrobot/internal/change"
	"metrobot/internal/status"
)

// DefaultMaxConsecutiveErrors is the failure count that turns the error signal fatal.
const DefaultMaxConsecutiveErrors = 5

// ErrThreshold is wrapped into the fatal signal.
var ErrThreshold = errors.New("coordinator: consecutive error threshold reached")

type Source string

const (
	SourceSnapshot  Source = "snapshot"
	SourceOverrides Source = "overrides"
)

// Batch is one unit of work: the events of a poll or an override load/save,
// together with the snapshot they should be rendered against.
type Batch struct {
	ID       string
	Source   Source
	Events   []change.Event
	Snapshot status.Snapshot
	Priority bool
	Enqueued time.Time
}

// Processor runs one update cycle for a batch.
type Processor interface {
	Process(ctx context.Context, b Batch) error
}

type ProcessorFunc func(ctx context.Context, b Batch) error

func (f ProcessorFunc) Process(ctx context.Context, b Batch) error { return f(ctx, b) }

// Signal reports a failed batch. Fatal is set once the consecutive error count
// reaches the threshold.
type Signal struct {
	BatchID           string `json:"batch_id"`
	Err               error  `json:"-"`
	Error             string `json:"error"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	Fatal             bool   `json:"fatal"`
}

// Snapshot is a point-in-time view of the queue.
type Snapshot struct {
	QueueLen          int       `json:"queue_len"`
	NextEnqueuedAt    time.Time `json:"next_enqueued_at,omitempty"`
	InFlight          bool      `json:"in_flight"`
	InFlightBatch     string    `json:"in_flight_batch,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Fatal             bool      `json:"fatal"`
	Processed         uint64    `json:"processed"`
	Failed            uint64    `json:"failed"`
	LastSuccessAt     time.Time `json:"last_success_at,omitempty"`
	LastErrorAt       time.Time `json:"last_error_at,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
}
