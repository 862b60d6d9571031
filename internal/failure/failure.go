// Package failure defines the orchestration error taxonomy. Every error
// surfaced by the runner wraps exactly one of these sentinels, so callers
// classify with errors.Is.
package failure

import (
	"errors"
	"fmt"
)

var (
	// ErrPrecondition means local inputs are unusable (build directory,
	// artifacts, lock). Raised before any remote side effect.
	ErrPrecondition = errors.New("precondition failed")

	// ErrAuthentication is fatal and never retried.
	ErrAuthentication = errors.New("authentication failed")

	// ErrTimeout is returned by every polling loop once its deadline elapses.
	ErrTimeout = errors.New("timed out")

	// ErrTaskFailed means a control-plane task stopped with a non-OK status.
	ErrTaskFailed = errors.New("task failed")

	// ErrNotReady is a transient transport error, retried by the caller.
	ErrNotReady = errors.New("transport not ready")

	// ErrCommunication means the control channel failed without a payload.
	ErrCommunication = errors.New("communication error")

	// ErrProtocol means a payload arrived but is not a result record.
	ErrProtocol = errors.New("protocol error")

	// ErrExecutableNotFound means the staged executable is missing on the target.
	ErrExecutableNotFound = errors.New("executable not found")
)

// TaskFailedError carries the terminal exit status of a control-plane task
type TaskFailedError struct {
	Task       string
	ExitStatus string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.Task, e.ExitStatus)
}

// Is reports ErrTaskFailed as a match
func (e *TaskFailedError) Is(target error) bool {
	return target == ErrTaskFailed
}
