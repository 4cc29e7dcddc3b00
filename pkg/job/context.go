package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ShutdownError is the context cause recorded by JobContext.Shutdown.
// It matches context.Canceled with errors.Is.
type ShutdownError struct {
	Reason string
}

func (e *ShutdownError) Error() string { return "job shut down: " + e.Reason }
func (e *ShutdownError) Unwrap() error { return context.Canceled }

// ShutdownHookTimeout bounds how long Shutdown waits for hooks.
var ShutdownHookTimeout = 5 * time.Second

// NewJobContext returns a JobContext whose Ctx ends on Shutdown or when
// parent ends.
func NewJobContext(parent context.Context) *JobContext {
	ctx, cancel := context.WithCancelCause(parent)
	return &JobContext{Ctx: ctx, cancel: cancel}
}

// Shutdown runs every registered hook once, concurrently, waits up to
// ShutdownHookTimeout for them, then cancels Ctx with a *ShutdownError.
// Later calls are no-ops.
func (jc *JobContext) Shutdown(reason string) {
	jc.mu.Lock()
	if jc.closed {
		jc.mu.Unlock()
		return
	}
	jc.closed = true
	jc.reason = reason
	hooks := jc.hooks
	jc.hooks = nil
	jc.mu.Unlock()

	logger := slog.With(slog.String("job_id", jc.JobID))
	logger.Info("Job shutdown initiated", slog.String("reason", reason))

	var wg sync.WaitGroup
	for _, hook := range hooks {
		hook := hook
		wg.Add(1)
		go func() {
			defer wg.Done()
			runHook(logger, hook, reason)
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	timer := time.NewTimer(ShutdownHookTimeout)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		logger.Warn("Shutdown hooks timed out", slog.Duration("timeout", ShutdownHookTimeout))
	}

	jc.cancel(&ShutdownError{Reason: reason})
}

// OnShutdown registers a hook. A hook registered after Shutdown runs
// immediately in its own goroutine with the reason "job already shut down".
func (jc *JobContext) OnShutdown(hook func(reason string)) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if !jc.closed {
		jc.hooks = append(jc.hooks, hook)
		return
	}
	go runHook(slog.With(slog.String("job_id", jc.JobID)), hook, "job already shut down")
}

func runHook(logger *slog.Logger, hook func(string), reason string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Shutdown hook panicked", slog.Any("panic", r))
		}
	}()
	hook(reason)
}

// Reason returns the reason passed to Shutdown, or "" while the job runs.
func (jc *JobContext) Reason() string {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.reason
}

// IsShutdown reports whether the job context has ended for any reason.
func (jc *JobContext) IsShutdown() bool {
	return jc.Ctx.Err() != nil
}

func (jc *JobContext) Done() <-chan struct{} {
	return jc.Ctx.Done()
}

// Err returns the cause the job ended with: a *ShutdownError, ErrJobTimeout
// or the parent's cause. It is nil while the job runs.
func (jc *JobContext) Err() error {
	if jc.Ctx.Err() == nil {
		return nil
	}
	return context.Cause(jc.Ctx)
}

// ShutdownReason extracts the Shutdown reason from an error returned by
// Err or Job.Wait.
func ShutdownReason(err error) (string, bool) {
	var se *ShutdownError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}
