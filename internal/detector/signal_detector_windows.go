//go:build windows

package detector

import (
	"errors"
	"fmt"
	"syscall"
)

const errorInvalidParameter syscall.Errno = 87

// SignalDetector opens the process handle; Windows has no signal 0.
type SignalDetector struct{}

func (SignalDetector) Alive(pid int) (bool, error) {
	if !validPID(pid) {
		return false, nil
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		// ERROR_INVALID_PARAMETER is what OpenProcess returns for an unknown PID
		if errors.Is(err, errorInvalidParameter) {
			return false, nil
		}
		if errors.Is(err, syscall.ERROR_ACCESS_DENIED) {
			return true, nil
		}
		return false, fmt.Errorf("open process %d: %w", pid, err)
	}
	defer syscall.CloseHandle(h)
	return true, nil
}

func (SignalDetector) Describe() string { return "openprocess" }
