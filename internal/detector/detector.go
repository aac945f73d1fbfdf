package detector

import (
	"fmt"
	"math"
)

// Detector answers whether a process with a given PID is still running.
// Not-found is reported as (false, nil); an error means the query mechanism
// itself is unusable (permission denied, tool missing).
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive(pid int) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// validPID reports whether pid can name a process at all. Lock files are
// text, so anything outside the kernel's pid_t range is rejected instead of
// being truncated onto an unrelated process.
func validPID(pid int) bool { return pid > 0 && pid <= math.MaxInt32 }

// Detection strategies accepted by New.
const (
	KindSignal    = "signal"
	KindProcTable = "proctable"
	KindCommand   = "ps"
)

// New builds a Detector by name. command is only used by KindCommand and
// falls back to DefaultPSCommand when empty.
func New(kind, command string) (Detector, error) {
	switch kind {
	case "", KindSignal:
		return SignalDetector{}, nil
	case KindProcTable:
		return ProcTableDetector{}, nil
	case KindCommand:
		if command == "" {
			command = DefaultPSCommand
		}
		return CommandDetector{Command: command}, nil
	default:
		return nil, fmt.Errorf("unknown liveness detector %q", kind)
	}
}
