package controller

import "github.com/loykin/sisupload/internal/lockfile"

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeTimedOut
	outcomeFatal
)

// Outcome is the final result of a run, passed to RecordOutcome.
type Outcome struct {
	kind    outcomeKind
	JobID   int
	Message string
}

// Completed records the id of the last import that was started.
func Completed(jobID int) Outcome { return Outcome{kind: outcomeCompleted, JobID: jobID} }

// TimedOut records that waiting on jobID ran out of time.
func TimedOut(jobID int) Outcome { return Outcome{kind: outcomeTimedOut, JobID: jobID} }

// Fatal writes msg as is. The next run will refuse to start unless msg
// happens to parse as a recoverable record.
func Fatal(msg string) Outcome {
	r := lockfile.Parse(msg)
	return Outcome{kind: outcomeFatal, JobID: r.JobID, Message: msg}
}

// Illegal is the Fatal outcome for an import the remote reported in an
// unknown state.
func Illegal(jobID int) Outcome {
	return Outcome{kind: outcomeFatal, JobID: jobID, Message: lockfile.Format(lockfile.IllegalState(jobID))}
}

func (o Outcome) content() string {
	switch o.kind {
	case outcomeCompleted:
		return lockfile.Format(lockfile.Completed(o.JobID))
	case outcomeTimedOut:
		return lockfile.Format(lockfile.TimedOut(o.JobID))
	default:
		return o.Message
	}
}

func (o Outcome) label() string {
	switch o.kind {
	case outcomeCompleted:
		return "completed"
	case outcomeTimedOut:
		return "timed_out"
	default:
		return "illegal_state"
	}
}

func (o Outcome) String() string { return o.content() }
