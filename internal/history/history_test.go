package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestEmitFillsTimestamp(t *testing.T) {
	s := &memSink{}
	Emit(context.Background(), s, nil, Event{Type: EventUpload, Host: "h", JobID: 7})
	if len(s.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(s.events))
	}
	if s.events[0].OccurredAt.IsZero() {
		t.Fatalf("expected OccurredAt to be set")
	}
}

func TestEmitLogsSinkFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s := &memSink{err: errors.New("db down")}
	Emit(context.Background(), s, logger, Event{Type: EventTimedOut, JobID: 3})
	if !strings.Contains(buf.String(), "history sink failed") || !strings.Contains(buf.String(), "db down") {
		t.Fatalf("expected warning in log, got %q", buf.String())
	}
}

func TestEmitNilSink(t *testing.T) {
	// must not panic
	Emit(context.Background(), nil, nil, Event{Type: EventAcquire})
}
