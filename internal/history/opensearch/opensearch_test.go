package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/sisupload/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"uploads","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "uploads")
	event := history.Event{
		Type:       history.EventSavingThrow,
		OccurredAt: time.Now().UTC(),
		Host:       "lms.example.edu",
		JobID:      42,
		PID:        12345,
		Detail:     "Timed out: 42",
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedURL != "/uploads/_doc" {
		t.Errorf("Expected URL path /uploads/_doc, got: %s", receivedURL)
	}

	var got map[string]any
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if got["type"] != string(history.EventSavingThrow) {
		t.Errorf("Expected type %s, got: %v", history.EventSavingThrow, got["type"])
	}
	if got["job_id"] != float64(42) || got["host"] != "lms.example.edu" || got["detail"] != "Timed out: 42" {
		t.Errorf("unexpected document: %v", got)
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "uploads")
	err := sink.Send(context.Background(), history.Event{Type: history.EventUpload, OccurredAt: time.Now().UTC()})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") || !strings.Contains(err.Error(), "bad request") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}
