//go:build !unix

package pty

import (
	"errors"
	"os"

	apperrors "github.com/yomogiu/codex-cli-renderer/internal/errors"
)

func killGroup(pid int) error {
	return errors.New("process groups not available")
}

func suspend(int) error { return apperrors.Unsupported("suspend") }

func resume(int) error { return apperrors.Unsupported("resume") }

// SuspendSupported reports whether Suspend and Continue can work here.
func SuspendSupported() bool { return false }

func isClosedPTY(err error) bool {
	return errors.Is(err, os.ErrClosed)
}

func exitStatusOf(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}
	return ExitStatus{Code: state.ExitCode()}
}
