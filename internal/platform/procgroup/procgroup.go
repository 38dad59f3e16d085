// Package procgroup starts child processes in their own process group and
// tears the whole group down with SIGTERM, a grace period, then SIGKILL.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

// ErrKillFailed is returned when the process is still running after SIGKILL
// and the kill timeout.
var ErrKillFailed = errors.New("process survived kill")

// Set configures the command to start in a new process group.
// Mandatory for Terminate to reach the encoder's children.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Terminate stops the process group of cmd. done must be closed by whoever
// owns cmd.Wait once the process has been reaped.
//
// It sends SIGTERM and waits up to grace; if the process is still alive it
// sends SIGKILL and waits up to killTimeout more. forced reports whether
// SIGKILL was needed. Calling it on a process that already exited is a no-op.
func Terminate(cmd *exec.Cmd, done <-chan struct{}, grace, killTimeout time.Duration) (forced bool, err error) {
	if cmd == nil || cmd.Process == nil {
		return false, nil
	}

	select {
	case <-done:
		return false, nil
	default:
	}

	if err := interrupt(cmd); err != nil {
		return false, err
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	select {
	case <-done:
		return false, nil
	case <-graceTimer.C:
	}

	if err := kill(cmd); err != nil {
		return true, err
	}

	killTimer := time.NewTimer(killTimeout)
	defer killTimer.Stop()
	select {
	case <-done:
		return true, nil
	case <-killTimer.C:
		return true, ErrKillFailed
	}
}
