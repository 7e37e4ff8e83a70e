// Package shutdownqueue is a process-wide LIFO queue of named cleanup tasks.
//
// Components register their teardown next to where they are constructed:
//
//	shutdownqueue.Add("http server", srv.Shutdown)
//
// and main drains the queue once, with a deadline:
//
//	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
//	defer cancel()
//	err := shutdownqueue.Shutdown(ctx)
//
// Tasks run once, newest first. A panicking task is recovered and reported,
// and the remaining tasks still run. Errors are wrapped with the task name
// and aggregated with errors.Join.
package shutdownqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is a shutdown function. It should honor ctx.
type Task func(ctx context.Context) error

type entry struct {
	name string
	run  Task
}

type queue struct {
	mu     sync.Mutex
	tasks  []entry
	closed bool
}

var q = &queue{tasks: make([]entry, 0, 8)}

// Add registers a named task. Nil tasks and tasks added after Shutdown
// has started are dropped.
func Add(name string, t Task) {
	if t == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		slog.Warn("shutdown task registered after shutdown started", "task", name)

		return
	}

	q.tasks = append(q.tasks, entry{name: name, run: t})
}

// AddCloser is a convenience for components whose teardown is Close() error.
func AddCloser(name string, c interface{ Close() error }) {
	if c == nil {
		return
	}

	Add(name, func(context.Context) error { return c.Close() })
}

// Shutdown drains all registered tasks in LIFO order. Calls after the
// first drain are no-ops.
//
// If ctx ends mid-drain, Shutdown stops and returns the context error
// joined with the task errors collected so far.
func Shutdown(ctx context.Context) error {
	q.mu.Lock()

	if q.closed && len(q.tasks) == 0 {
		q.mu.Unlock()

		return nil
	}

	q.closed = true
	tasks := q.tasks
	q.tasks = nil

	q.mu.Unlock()

	var errs []error

	for i := len(tasks) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("shutdown canceled before %q: %w", tasks[i].name, ctx.Err()))

			return errors.Join(errs...)
		default:
		}

		err := runTask(ctx, tasks[i])
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func runTask(ctx context.Context, e entry) (err error) {
	start := time.Now()

	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("panic in shutdown task %q: %v", e.name, r)
		}

		slog.Info("shutdown task finished", "task", e.name, "took", time.Since(start), "error", err)
	}()

	err = e.run(ctx)
	if err != nil {
		return fmt.Errorf("shutdown %s: %w", e.name, err)
	}

	return nil
}
