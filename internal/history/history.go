// Package history keeps a durable log of startup events so past runs can be
// inspected after the process is gone.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/stackup/internal/events"
)

// Record is one stored event, flattened for tabular sinks.
type Record struct {
	RunID      string    `json:"run_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Type       string    `json:"type"`
	Service    string    `json:"service,omitempty"`
	Port       int       `json:"port,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// NewRunID returns an identifier grouping the events of one startup run.
func NewRunID() string { return uuid.NewString() }

// FromEvent flattens e. Total and per-service durations share one column.
func FromEvent(runID string, e events.Event) Record {
	d := e.Data.DurationMS
	if e.Type == events.AllReady {
		d = e.Data.TotalDurationMS
	}
	return Record{
		RunID:      runID,
		OccurredAt: e.Time.UTC(),
		Type:       string(e.Type),
		Service:    e.Data.Service,
		Port:       e.Data.Port,
		DurationMS: d,
		Attempt:    e.Data.Attempt,
		Error:      e.Data.Error,
	}
}

// Sink is a destination for history records.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
}

// Reader is implemented by sinks that can list what they stored.
type Reader interface {
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}
