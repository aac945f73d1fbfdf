package lockfile

import (
	"fmt"
	"strconv"
	"strings"
)

// NoJob is the job id recorded when no import has ever been started.
const NoJob = -1

// Kind tags the state encoded in the lock file.
type Kind int

const (
	KindNone Kind = iota
	KindWorking
	KindTimedOut
	KindIllegalState
	KindCompleted
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindWorking:
		return "working"
	case KindTimedOut:
		return "timed_out"
	case KindIllegalState:
		return "illegal_state"
	case KindCompleted:
		return "completed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Status prefixes as they appear in the file.
const (
	WorkingPrefix      = "Working:"
	TimedOutPrefix     = "Timed out:"
	IllegalStatePrefix = "Illegal state:"
)

// Record is the parsed content of the lock file.
// JobID is meaningful for every kind (NoJob when absent); OwnerPID only for KindWorking.
// Raw holds the original text of an IllegalState record that could not be
// parsed, so it can be written back and reported verbatim.
type Record struct {
	Kind     Kind   `json:"kind"`
	JobID    int    `json:"job_id"`
	OwnerPID int    `json:"owner_pid,omitempty"`
	Raw      string `json:"raw,omitempty"`
}

// None is the record of a store that has never seen an import.
func None() Record { return Record{Kind: KindNone, JobID: NoJob} }

// Completed records a finished import; NoJob collapses to None.
func Completed(jobID int) Record { return completedOrNone(jobID) }

// TimedOut records an import whose fate is unknown because polling gave up.
func TimedOut(jobID int) Record { return Record{Kind: KindTimedOut, JobID: jobID} }

// IllegalState records an import the remote side reported in an unknown state.
func IllegalState(jobID int) Record { return Record{Kind: KindIllegalState, JobID: jobID} }

// Working records that ownerPID holds the lock; lastJobID is the import it waits on.
// ownerPID must be positive: Parse reads "Working: pid 0 ..." or a negative
// pid as an unparsed IllegalState, since no live process can own such a lock.
func Working(ownerPID, lastJobID int) Record {
	return Record{Kind: KindWorking, OwnerPID: ownerPID, JobID: lastJobID}
}

func completedOrNone(jobID int) Record {
	if jobID == NoJob {
		return None()
	}
	return Record{Kind: KindCompleted, JobID: jobID}
}

// Unparsed reports whether r is an IllegalState carrying text that did not match the grammar.
func (r Record) Unparsed() bool { return r.Kind == KindIllegalState && r.Raw != "" }

func (r Record) String() string { return Format(r) }

// MarshalText renders the kind by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Format renders r in the lock file grammar.
func Format(r Record) string {
	switch r.Kind {
	case KindWorking:
		return fmt.Sprintf("%s pid %d last was %d", WorkingPrefix, r.OwnerPID, r.JobID)
	case KindTimedOut:
		return fmt.Sprintf("%s %d", TimedOutPrefix, r.JobID)
	case KindIllegalState:
		if r.Raw != "" {
			return r.Raw
		}
		return fmt.Sprintf("%s %d", IllegalStatePrefix, r.JobID)
	case KindNone:
		return strconv.Itoa(NoJob)
	default:
		return strconv.Itoa(r.JobID)
	}
}

// Parse decodes lock file text. It never fails: text outside the grammar
// becomes an IllegalState record with Raw set, which the controller refuses
// to overwrite.
func Parse(text string) Record {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return None()
	}
	illegal := Record{Kind: KindIllegalState, JobID: NoJob, Raw: text}

	jobID, err := strconv.Atoi(tokens[len(tokens)-1])
	if err != nil {
		return illegal
	}
	prefix := strings.Join(tokens[:len(tokens)-1], " ")

	switch {
	case prefix == "":
		return completedOrNone(jobID)
	case prefix == TimedOutPrefix:
		return TimedOut(jobID)
	case prefix == IllegalStatePrefix:
		return IllegalState(jobID)
	case strings.HasPrefix(prefix, WorkingPrefix):
		// Working: pid <P> last was
		if len(tokens) != 6 || tokens[0] != WorkingPrefix || tokens[1] != "pid" || tokens[3] != "last" || tokens[4] != "was" {
			return illegal
		}
		pid, err := strconv.Atoi(tokens[2])
		if err != nil || pid <= 0 {
			return illegal
		}
		return Working(pid, jobID)
	default:
		return illegal
	}
}
