package job

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// ErrJobTimeout is the cause recorded when a job outlives Config.Timeout.
var ErrJobTimeout = fmt.Errorf("job timed out: %w", context.DeadlineExceeded)

// New creates a Job bound to parentCtx. The job context ends when Shutdown
// is called, when parentCtx ends or when Config.Timeout elapses.
func New(parentCtx context.Context, cfg Config) (*Job, error) {
	if cfg.RoomName == "" {
		return nil, fmt.Errorf("room name is required")
	}
	if cfg.Room == nil {
		return nil, fmt.Errorf("room transport is required")
	}

	jobID := cfg.ID
	if jobID == "" {
		jobID = generateJobID()
	}

	ctx := parentCtx
	var stopTimer context.CancelFunc
	if cfg.Timeout > 0 {
		ctx, stopTimer = context.WithTimeoutCause(parentCtx, cfg.Timeout, ErrJobTimeout)
	}

	jc := NewJobContext(ctx)
	jc.JobID = jobID
	jc.Room = cfg.Room
	jc.Proc = cfg.Process
	if stopTimer != nil {
		jc.OnShutdown(func(string) { stopTimer() })
	}

	slog.Info("Created new job",
		slog.String("job_id", jobID),
		slog.String("room_name", cfg.RoomName),
		slog.Duration("timeout", cfg.Timeout))

	return &Job{ID: jobID, RoomName: cfg.RoomName, Context: jc}, nil
}

// Shutdown ends the job, running its shutdown hooks first.
func (j *Job) Shutdown(reason string) {
	slog.Info("Shutting down job",
		slog.String("job_id", j.ID),
		slog.String("reason", reason))

	j.Context.Shutdown(reason)
}

// Wait blocks until the job ends and returns why: a *ShutdownError after
// Shutdown, ErrJobTimeout after the timeout, or the parent's cause.
func (j *Job) Wait() error {
	<-j.Context.Done()
	return j.Context.Err()
}

func (j *Job) IsActive() bool {
	return !j.Context.IsShutdown()
}

func (j *Job) String() string {
	status := "active"
	if j.Context.IsShutdown() {
		status = "shutdown"
	}
	return fmt.Sprintf("Job{ID: %s, Room: %s, Status: %s}", j.ID, j.RoomName, status)
}

func generateJobID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
