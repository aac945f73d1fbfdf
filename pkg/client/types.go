package client

import (
	"fmt"
	"strings"
	"time"
)

// SISImport is the subset of the SIS import object the tool reads.
type SISImport struct {
	ID            int       `json:"id"`
	Progress      int       `json:"progress"`
	WorkflowState string    `json:"workflow_state"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
}

// ErrorResponse is the error body the LMS returns on failure.
type ErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}
