package orchestrator

import "errors"

var (
	// ErrModelInvocation means the model collaborator failed. The
	// orchestrator never retries; the caller decides what to do.
	ErrModelInvocation = errors.New("model invocation failed")

	// ErrToolLoopExceeded means the run hit the loop cap while the
	// model kept requesting tools.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")

	// ErrCancelled is the distinguished terminal state for cooperative
	// cancellation, so callers can tell user aborts from failures.
	ErrCancelled = errors.New("run cancelled")
)
