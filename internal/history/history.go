package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of upload lifecycle event.
type EventType string

const (
	EventAcquire       EventType = "acquire"
	EventSavingThrow   EventType = "saving_throw"
	EventConcurrentRun EventType = "concurrent_run"
	EventUpload        EventType = "upload"
	EventCompleted     EventType = "completed"
	EventTimedOut      EventType = "timed_out"
	EventIllegalState  EventType = "illegal_state"
	EventUnlock        EventType = "unlock"
)

// Event is one upload lifecycle event exported to external systems.
// Host identifies the lock file, JobID the remote import involved and PID
// the local process that observed it.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Host       string    `json:"host"`
	JobID      int       `json:"job_id"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Emit sends e to sink and logs a failure instead of returning it. History
// is diagnostic; the lock file stays the source of truth.
func Emit(ctx context.Context, sink Sink, logger *slog.Logger, e Event) {
	if sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := sink.Send(ctx, e); err != nil && logger != nil {
		logger.Warn("history sink failed", "event", string(e.Type), "job_id", e.JobID, "error", err)
	}
}
