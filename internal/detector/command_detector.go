package detector

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultPSCommand lists the process only if it exists; ps exits non-zero otherwise.
const DefaultPSCommand = "ps --no-headers --format pid,stat,time,cmd --pid {pid}"

// Shell exit codes for a command that could not be executed or found.
const (
	exitNotExecutable = 126
	exitNotFound      = 127
)

// CommandDetector runs a command that should succeed if the process is running.
// The placeholder {pid} in Command is replaced with the queried PID.
//
// A non-zero exit with nothing on stderr means the process is gone. Exit
// codes 126 and 127, or any stderr output, mean the command itself failed
// and are reported as errors.
type CommandDetector struct{ Command string }

// buildShellAwareCommand constructs an *exec.Cmd for a detector command.
// Avoids invoking a shell unless obvious shell metacharacters are present (G204 mitigation).
func buildShellAwareCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

func (d CommandDetector) expand(pid int) string {
	return strings.ReplaceAll(d.Command, "{pid}", strconv.Itoa(pid))
}

func (d CommandDetector) Alive(pid int) (bool, error) {
	if !validPID(pid) {
		return false, nil
	}
	cmdStr := d.expand(pid)
	cmd := buildShellAwareCommand(cmdStr)
	var stderr bytes.Buffer
	cmd.Stdout = nil
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false, fmt.Errorf("liveness command %q: %w", cmdStr, err)
	}
	switch code := ee.ExitCode(); {
	case code == exitNotExecutable || code == exitNotFound:
		return false, fmt.Errorf("liveness command %q not runnable (exit %d)", cmdStr, code)
	case code < 0:
		return false, fmt.Errorf("liveness command %q: %w", cmdStr, err)
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return false, fmt.Errorf("liveness command %q failed: %s", cmdStr, msg)
	}
	return false, nil
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
