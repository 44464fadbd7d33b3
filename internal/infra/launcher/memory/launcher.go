// Package memory provides an in-process launcher implementation for testing
// and development. Workers run as goroutines driven by an injected run
// function instead of separate processes.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/corvusec/scanhive/internal/domain/pipeline"
)

// RunFunc executes one worker's logic. The launcher records a nil return as
// exit code zero and any error as exit code one.
type RunFunc func(ctx context.Context, spec pipeline.WorkerSpec) error

// Launcher starts workers as goroutines and tracks their lifecycle.
type Launcher struct {
	run RunFunc

	mu      sync.Mutex
	workers map[pipeline.Handle]*worker
	order   []pipeline.Handle
	nextID  int
}

type worker struct {
	spec   pipeline.WorkerSpec
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status pipeline.WorkerStatus
}

func (w *worker) snapshot() pipeline.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// NewLauncher creates a launcher that executes run for every launched spec.
// A nil run makes every worker exit immediately with code zero.
func NewLauncher(run RunFunc) *Launcher {
	if run == nil {
		run = func(context.Context, pipeline.WorkerSpec) error { return nil }
	}
	return &Launcher{run: run, workers: make(map[pipeline.Handle]*worker)}
}

var _ pipeline.Launcher = (*Launcher)(nil)

// Launch starts a goroutine for the spec. The worker runs on a detached
// context: real workers are separate processes, so the launch call's context
// must not bound their lifetime.
func (l *Launcher) Launch(ctx context.Context, spec pipeline.WorkerSpec) (pipeline.Handle, error) {
	runCtx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.nextID++
	handle := pipeline.Handle(fmt.Sprintf("worker-%d-%s", l.nextID, spec.Stage()))
	w := &worker{
		spec:   spec,
		cancel: cancel,
		done:   make(chan struct{}),
		status: pipeline.WorkerStatus{State: pipeline.WorkerRunning},
	}
	l.workers[handle] = w
	l.order = append(l.order, handle)
	l.mu.Unlock()

	go func() {
		defer close(w.done)
		err := l.run(runCtx, spec)

		w.mu.Lock()
		defer w.mu.Unlock()
		if err != nil {
			w.status = pipeline.WorkerStatus{State: pipeline.WorkerExited, ExitCode: 1}
			return
		}
		w.status = pipeline.WorkerStatus{State: pipeline.WorkerExited, ExitCode: 0}
	}()

	return handle, nil
}

// Status reports the worker's lifecycle state.
func (l *Launcher) Status(ctx context.Context, handle pipeline.Handle) (pipeline.WorkerStatus, error) {
	l.mu.Lock()
	w, ok := l.workers[handle]
	l.mu.Unlock()
	if !ok {
		return pipeline.WorkerStatus{}, fmt.Errorf("unknown worker %s", handle)
	}
	return w.snapshot(), nil
}

// Stop cancels the worker's context. Stopping an unknown or finished worker
// is a no-op; cancellation must be repeatable.
func (l *Launcher) Stop(ctx context.Context, handle pipeline.Handle) error {
	l.mu.Lock()
	w, ok := l.workers[handle]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	w.cancel()
	return nil
}

// LaunchedSpecs returns every spec in launch order.
func (l *Launcher) LaunchedSpecs() []pipeline.WorkerSpec {
	l.mu.Lock()
	defer l.mu.Unlock()

	specs := make([]pipeline.WorkerSpec, 0, len(l.order))
	for _, handle := range l.order {
		specs = append(specs, l.workers[handle].spec)
	}
	return specs
}

// WaitAll blocks until every launched worker has exited or the context ends.
func (l *Launcher) WaitAll(ctx context.Context) error {
	l.mu.Lock()
	done := make([]chan struct{}, 0, len(l.order))
	for _, handle := range l.order {
		done = append(done, l.workers[handle].done)
	}
	l.mu.Unlock()

	for _, ch := range done {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
