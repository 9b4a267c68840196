//go:build unix

package pty

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// The child leads its own session, so its pid is also its process group id.

func killGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}

func suspend(pid int) error {
	if pid <= 0 {
		return os.ErrProcessDone
	}
	return unix.Kill(pid, unix.SIGSTOP)
}

func resume(pid int) error {
	if pid <= 0 {
		return os.ErrProcessDone
	}
	return unix.Kill(pid, unix.SIGCONT)
}

// SuspendSupported reports whether Suspend and Continue can work here.
func SuspendSupported() bool { return true }

func isClosedPTY(err error) bool {
	return errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

func exitStatusOf(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: unix.SignalName(ws.Signal())}
	}
	return ExitStatus{Code: state.ExitCode()}
}
