package pipeline

import "context"

// Handle identifies a launched worker to its launcher. The format is owned
// by the launcher implementation and opaque to everyone else.
type Handle string

// WorkerState describes where a worker is in its lifecycle.
type WorkerState string

const (
	// WorkerRunning means the worker process has not terminated.
	WorkerRunning WorkerState = "running"
	// WorkerExited means the worker process terminated; ExitCode is valid.
	WorkerExited WorkerState = "exited"
)

// WorkerStatus is a launcher's view of one worker.
type WorkerStatus struct {
	State    WorkerState
	ExitCode int
}

// Succeeded reports whether the worker exited cleanly.
func (s WorkerStatus) Succeeded() bool {
	return s.State == WorkerExited && s.ExitCode == 0
}

// Failed reports whether the worker exited with an error.
func (s WorkerStatus) Failed() bool {
	return s.State == WorkerExited && s.ExitCode != 0
}

// Launcher starts and observes worker processes. The orchestrator depends
// only on this contract; the physical mechanism behind it is unconstrained.
type Launcher interface {
	// Launch starts a worker for the spec and returns a handle for
	// subsequent status checks. The call must not block on the worker's
	// execution.
	Launch(ctx context.Context, spec WorkerSpec) (Handle, error)

	// Status reports the worker's current lifecycle state.
	Status(ctx context.Context, handle Handle) (WorkerStatus, error)

	// Stop requests a cooperative shutdown of the worker. Best effort:
	// the worker may still run briefly and partial writes are not rolled
	// back.
	Stop(ctx context.Context, handle Handle) error
}
