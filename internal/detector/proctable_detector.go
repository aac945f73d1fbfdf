package detector

import (
	"fmt"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ProcTableDetector looks the PID up in the OS process table through gopsutil.
type ProcTableDetector struct{}

func (ProcTableDetector) Alive(pid int) (bool, error) {
	if !validPID(pid) {
		return false, nil
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil {
		return false, fmt.Errorf("process table lookup for pid %d: %w", pid, err)
	}
	return ok, nil
}

func (ProcTableDetector) Describe() string { return "proctable" }
