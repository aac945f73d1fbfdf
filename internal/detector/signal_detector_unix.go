//go:build !windows

package detector

import (
	"errors"
	"fmt"
	"syscall"
)

// SignalDetector probes the PID with signal 0.
type SignalDetector struct{}

// Alive reports ESRCH as not running and EPERM as running (the process
// exists but belongs to another user).
func (SignalDetector) Alive(pid int) (bool, error) {
	if !validPID(pid) {
		return false, nil
	}
	err := syscall.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, syscall.EPERM):
		return true, nil
	case errors.Is(err, syscall.ESRCH):
		return false, nil
	default:
		return false, fmt.Errorf("probe pid %d: %w", pid, err)
	}
}

func (SignalDetector) Describe() string { return "signal:0" }
