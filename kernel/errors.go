package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned by operations that need a live kernel.
	ErrNotRunning = errors.New("no kernel is running")

	// ErrStartTimeout is returned when the kernel never publishes its
	// connection file within the connection wait.
	ErrStartTimeout = errors.New("timed out waiting for kernel connection file")

	// ErrDependencyMissing is returned when required kernel packages are
	// absent, before spawn or after a failed install attempt.
	ErrDependencyMissing = errors.New("required kernel packages are missing")

	// ErrInstallCancelled is returned when the user declines to install
	// missing kernel packages.
	ErrInstallCancelled = errors.New("kernel package installation cancelled")

	// ErrProcessExit is returned when the kernel process dies before
	// signaling readiness.
	ErrProcessExit = errors.New("kernel process exited unexpectedly")
)

// ExitError describes a kernel process that died before becoming ready,
// classified by inspecting its captured stderr.
type ExitError struct {
	// Err is the classification: ErrDependencyMissing for recognized
	// import failures, ErrProcessExit otherwise.
	Err error

	// WaitErr is the underlying process exit error, if any.
	WaitErr error

	// Stderr is everything the process wrote to stderr, for diagnostics.
	Stderr string

	// MissingModule is the module named in a ModuleNotFoundError, if one
	// was found in stderr.
	MissingModule string
}

func (e *ExitError) Error() string {
	msg := e.Err.Error()
	if e.MissingModule != "" {
		msg += fmt.Sprintf(": missing module %q", e.MissingModule)
	}
	if e.WaitErr != nil {
		msg += fmt.Sprintf(" (%v)", e.WaitErr)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
