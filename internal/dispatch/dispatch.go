// Package dispatch runs detached follow-up work for a session: tasks nobody
// awaits, each supervised so a failure or panic is logged where it happens.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of follow-up work. A returned error is logged, never propagated.
type Task func(ctx context.Context) error

// Dispatcher spawns supervised tasks with a cap on how many run at once.
// When the cap is reached new tasks are dropped instead of blocking the caller.
type Dispatcher struct {
	ctx      context.Context
	group    errgroup.Group
	resident errgroup.Group
	logger   *slog.Logger

	dropped  atomic.Int64
	failed   atomic.Int64
	finished atomic.Int64
}

// New returns a dispatcher whose tasks receive ctx.
func New(ctx context.Context, maxInFlight int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{ctx: ctx, logger: logger}
	if maxInFlight > 0 {
		d.group.SetLimit(maxInFlight)
	}
	return d
}

// Go schedules task under name. It reports false when the task was dropped
// because the dispatcher is saturated.
func (d *Dispatcher) Go(name string, task Task) bool {
	ok := d.group.TryGo(func() error {
		d.run(name, task)
		// Errors are handled in run; the group never sees one.
		return nil
	})
	if !ok {
		d.dropped.Add(1)
		d.logger.Warn("Dispatcher saturated, dropping task", slog.String("task", name))
	}
	return ok
}

// Supervise runs a task that lives as long as the session, such as a
// track consumer or the keep-alive loop. It is supervised like Go but never
// counts against the in-flight cap and is never dropped.
func (d *Dispatcher) Supervise(name string, task Task) {
	d.resident.Go(func() error {
		d.run(name, task)
		return nil
	})
}

func (d *Dispatcher) run(name string, task Task) {
	start := time.Now()
	defer d.finished.Add(1)
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.Error("Dispatched task panicked",
				slog.String("task", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := task(d.ctx); err != nil {
		d.failed.Add(1)
		d.logger.Error("Dispatched task failed",
			slog.String("task", name),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)))
		return
	}
	d.logger.Debug("Dispatched task finished",
		slog.String("task", name),
		slog.Duration("elapsed", time.Since(start)))
}

// Wait blocks until every scheduled and supervised task returned or
// timeout elapsed.
func (d *Dispatcher) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		_ = d.resident.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("dispatcher: tasks still running after %s", timeout)
	}
}

// Stats reports task counters.
type Stats struct {
	Finished int64
	Failed   int64
	Dropped  int64
}

// Stats returns a snapshot of the task counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Finished: d.finished.Load(),
		Failed:   d.failed.Load(),
		Dropped:  d.dropped.Load(),
	}
}
