package supervise

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the supervise package.
var (
	// ErrBinaryNotFound indicates the proxy executable is missing or not
	// executable.
	ErrBinaryNotFound = errors.New("supervise: proxy binary not found")

	// ErrStartupTimeout indicates the listener did not become ready within
	// the readiness timeout.
	ErrStartupTimeout = errors.New("supervise: proxy not ready before timeout")

	// ErrCrashedOnStartup indicates the process exited before its listener
	// became ready.
	ErrCrashedOnStartup = errors.New("supervise: proxy exited before becoming ready")

	// ErrCrashed indicates the process exited while it was expected to run.
	ErrCrashed = errors.New("supervise: proxy exited unexpectedly")

	// ErrIsolationInactive indicates a start was attempted without active
	// network isolation.
	ErrIsolationInactive = errors.New("supervise: network isolation is not active")

	// ErrInvalidTransition indicates an illegal state change was requested.
	ErrInvalidTransition = errors.New("supervise: invalid state transition")
)

// ExitError describes how a supervised process ended. It wraps either
// ErrCrashedOnStartup or ErrCrashed so errors.Is keeps working.
type ExitError struct {
	// Kind is ErrCrashedOnStartup or ErrCrashed.
	Kind error
	// ExitCode is the process exit code, or -1 if it was killed by a signal.
	ExitCode int
	// Output is the tail of the process's combined stdout and stderr.
	Output string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s (exit code %d)", e.Kind.Error(), e.ExitCode)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Kind
}
