package loevent

import (
	"context"
	"log/slog"
	"sync"
)

// taskFunc is one step of the pipeline's ordered startup sequence.
type taskFunc func(ctx context.Context) error

// taskRunner runs submitted tasks one at a time in submission order on a
// single goroutine. A failing task halts the runner: later tasks are
// discarded, which is how a failed logger init keeps Go from ever taking
// effect.
type taskRunner struct {
	ctx    context.Context
	logger *slog.Logger

	mu     sync.Mutex
	tasks  []taskFunc
	halted bool
	notify chan struct{}
}

func newTaskRunner(ctx context.Context, logger *slog.Logger) *taskRunner {
	return &taskRunner{
		ctx:    ctx,
		logger: logger,
		notify: make(chan struct{}, 1),
	}
}

// submit appends a task. It never blocks.
func (r *taskRunner) submit(task taskFunc) {
	r.mu.Lock()
	if r.halted {
		r.mu.Unlock()
		return
	}
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// run executes tasks until the context is cancelled.
func (r *taskRunner) run() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.notify:
		}

		for {
			task, ok := r.next()
			if !ok {
				break
			}
			if err := task(r.ctx); err != nil {
				r.halt(err)
				break
			}
		}
	}
}

func (r *taskRunner) next() (taskFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted || len(r.tasks) == 0 || r.ctx.Err() != nil {
		return nil, false
	}
	task := r.tasks[0]
	r.tasks[0] = nil
	r.tasks = r.tasks[1:]
	return task, true
}

func (r *taskRunner) halt(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halted = true
	r.logger.Warn("startup halted", "error", err, "discarded_tasks", len(r.tasks))
	r.tasks = nil
}
