// Package poller waits for a remote SIS import job to finish.
//
// Polling is fixed-interval with no backoff. The wait counter is bumped before
// each sleep and the job times out once the counter reaches MaxWait, so
// MaxWait=10 with Step=5 means exactly two polls.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultMaxWait = 1000 * time.Second
	DefaultStep    = 5 * time.Second

	// NoJob means there is nothing to wait for.
	NoJob = -1
)

// Remote workflow states that mean "keep waiting".
const (
	StateCreated   = "created"
	StateImporting = "importing"
	StateImported  = "imported"
)

var (
	ErrPollTimeout        = errors.New("timed out waiting for import")
	ErrUnknownRemoteState = errors.New("import reported an unknown state")
)

// Status is what a single poll reports about a job.
type Status struct {
	Progress      int    `json:"progress"`
	WorkflowState string `json:"workflow_state"`
}

// Complete reports whether the import has finished. Canvas uses
// "imported_with_messages" as well as "imported".
func (s Status) Complete() bool {
	return s.Progress == 100 && strings.HasPrefix(s.WorkflowState, StateImported)
}

func (s Status) pending() bool {
	return s.WorkflowState == StateCreated || s.WorkflowState == StateImporting
}

// PollFunc queries the remote status of a job.
type PollFunc func(ctx context.Context, jobID int) (Status, error)

// Progress is handed to the Observer after every poll that did not finish.
type Progress struct {
	JobID    int
	Progress int
	State    string
	Waited   time.Duration
}

type TimeoutError struct {
	JobID  int
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("import %d not complete after %s", e.JobID, e.Waited)
}

func (e *TimeoutError) Unwrap() error { return ErrPollTimeout }

type UnknownStateError struct {
	JobID int
	State string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("import %d in state %q", e.JobID, e.State)
}

func (e *UnknownStateError) Unwrap() error { return ErrUnknownRemoteState }

// Poller holds the timing knobs. The zero value uses the defaults and
// time.Sleep.
type Poller struct {
	MaxWait  time.Duration
	Step     time.Duration
	Sleep    func(time.Duration)
	Observer func(Progress)
}

// New returns a Poller with the default timing.
func New() *Poller {
	return &Poller{MaxWait: DefaultMaxWait, Step: DefaultStep}
}

func (p *Poller) maxWait() time.Duration {
	if p.MaxWait <= 0 {
		return DefaultMaxWait
	}
	return p.MaxWait
}

func (p *Poller) step() time.Duration {
	if p.Step <= 0 {
		return DefaultStep
	}
	return p.Step
}

func (p *Poller) sleep(d time.Duration) {
	if p.Sleep != nil {
		p.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Wait blocks until jobID reports completion. It returns a *TimeoutError when
// the accumulated wait reaches MaxWait and an *UnknownStateError as soon as the
// remote reports a state outside created/importing. Errors from poll are
// returned unchanged. The sleep between polls is not interrupted by ctx; ctx
// only reaches poll.
func (p *Poller) Wait(ctx context.Context, jobID int, poll PollFunc) error {
	if jobID == NoJob {
		return nil
	}
	maxWait, step := p.maxWait(), p.step()

	var waited time.Duration
	for waited < maxWait {
		st, err := poll(ctx, jobID)
		if err != nil {
			return err
		}
		if st.Complete() {
			return nil
		}
		if !st.pending() {
			return &UnknownStateError{JobID: jobID, State: st.WorkflowState}
		}
		waited += step
		if p.Observer != nil {
			p.Observer(Progress{JobID: jobID, Progress: st.Progress, State: st.WorkflowState, Waited: waited})
		}
		p.sleep(step)
	}
	return &TimeoutError{JobID: jobID, Waited: waited}
}
