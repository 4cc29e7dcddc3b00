package job

import (
	"context"
	"sync"
	"time"
)

// Job is one assistant session assigned to a room.
type Job struct {
	ID       string
	RoomName string
	Context  *JobContext
}

// JobContext is what a session entrypoint receives: the job lifetime, the
// room it serves and the prewarmed process resources.
type JobContext struct {
	// Ctx is the context that gets cancelled when the job ends
	Ctx context.Context

	// Room is the transport for this job. It is not connected yet when the
	// entrypoint starts.
	Room RoomConn

	// Proc holds the process resources loaded by prewarm.
	Proc *Process

	JobID string

	cancel context.CancelCauseFunc
	mu     sync.Mutex
	hooks  []func(string)
	closed bool
	reason string
}

// Config describes a job to create with New.
type Config struct {
	ID       string        // generated when empty
	RoomName string        // required
	Timeout  time.Duration // zero means the job runs until Shutdown
	Room     RoomConn      // required, not yet connected
	Process  *Process      // prewarmed resources shared across jobs
}
