// Package worker keeps a connection to the dispatch server and runs a job
// for every startJob signal it receives.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/job"
)

// Signal and command type constants
const (
	SignalTypePing     = "ping"
	SignalTypePong     = "pong"
	SignalTypeStartJob = "startJob"
	SignalTypeShutdown = "shutdown"

	CommandTypeJobStarted = "jobStarted"
	CommandTypeJobEnded   = "jobEnded"
)

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 10 * time.Second
)

// StartJob is the payload of a startJob signal.
type StartJob struct {
	JobID    string `json:"jobId"`
	RoomName string `json:"roomName"`
	URL      string `json:"url"`
	Token    string `json:"token"`
}

// JobStatus is the payload of jobStarted and jobEnded commands.
type JobStatus struct {
	JobID string `json:"jobId"`
	Error string `json:"error,omitempty"`
}

// JobHandler runs one job. It should return once the job context is done.
type JobHandler func(ctx context.Context, j *job.Job) error

// RoomFactory creates the room transport for a job.
type RoomFactory func(ctx context.Context, req StartJob) (job.RoomConn, error)

type Config struct {
	URL   string
	Token string

	Handler JobHandler
	// NewRoom defaults to a LiveKit room built from the signal's url and token.
	NewRoom RoomFactory
	// Process is handed to every job.
	Process    *job.Process
	JobTimeout time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type Worker struct {
	url      string
	token    string
	cfg      Config
	wsClient *WebSocketClient
	logger   *slog.Logger
	in       chan *Signal
	out      chan *Command

	mu             sync.RWMutex
	connected      bool
	backoffAttempt int
	runCtx         context.Context
	stop           context.CancelFunc
	jobs           map[string]*job.Job
	jobsWG         sync.WaitGroup
}

func New(config Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = DefaultMinBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = max(DefaultMaxBackoff, config.MinBackoff)
	}
	if config.NewRoom == nil {
		config.NewRoom = livekitRoom(logger)
	}
	return &Worker{
		url:      config.URL,
		token:    config.Token,
		cfg:      config,
		logger:   logger,
		in:       make(chan *Signal, 100),
		out:      make(chan *Command, 100),
		wsClient: NewWebSocketClient(config.URL, config.Token, logger),
		runCtx:   context.Background(),
		stop:     func() {},
		jobs:     make(map[string]*job.Job),
	}
}

func livekitRoom(logger *slog.Logger) RoomFactory {
	return func(ctx context.Context, req StartJob) (job.RoomConn, error) {
		return job.NewRoom(ctx, job.RoomConfig{
			URL:      req.URL,
			Token:    req.Token,
			RoomName: req.RoomName,
			Logger:   logger,
		})
	}
}

// Run serves the dispatch server until ctx is done or the server sends a
// shutdown signal, reconnecting with exponential backoff. Running jobs are
// shut down and awaited before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.runCtx, w.stop = ctx, cancel
	w.mu.Unlock()

	w.logger.Info("Starting worker", slog.String("url", w.url))

	// Main worker loop with reconnection
	for ctx.Err() == nil {
		if err := w.connectAndRun(ctx); err != nil {
			w.logger.Error("Worker connection failed", slog.String("error", err.Error()))
			if err := w.backoffDelay(ctx); err != nil {
				break
			}
		}
	}
	w.logger.Info("Worker shutting down")
	return w.shutdown()
}

func (w *Worker) connectAndRun(ctx context.Context) error {
	w.logger.Info("Connecting to dispatch server")

	if err := w.wsClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := w.wsClient.Close(); err != nil {
			w.logger.Debug("Error closing WebSocket during cleanup", slog.String("error", err.Error()))
		}
	}()

	w.setConnected(true)
	defer w.setConnected(false)

	readCtx, readCancel := context.WithCancel(ctx)
	defer readCancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := w.readSignals(readCtx); err != nil {
			errCh <- fmt.Errorf("read signals: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := w.writeCommands(readCtx); err != nil {
			errCh <- fmt.Errorf("write commands: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		w.processSignals(readCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
	}
	readCancel()
	// Closing the socket unblocks the pending read.
	_ = w.wsClient.Close()
	wg.Wait()
	return err
}

func (w *Worker) readSignals(ctx context.Context) error {
	for {
		signal, err := w.wsClient.ReadSignal()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case w.in <- signal:
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Worker) writeCommands(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-w.out:
			if err := w.wsClient.WriteCommand(ctx, cmd); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) processSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case signal := <-w.in:
			w.handleSignal(ctx, signal)
		}
	}
}

func (w *Worker) handleSignal(ctx context.Context, signal *Signal) {
	w.logger.Debug("Processing signal", slog.String("type", signal.Type))

	switch signal.Type {
	case SignalTypePing:
		pong := &Command{Type: SignalTypePong}
		if len(signal.Data) > 0 {
			pong.Data = signal.Data
		}
		w.send(ctx, pong)

	case SignalTypeStartJob:
		var req StartJob
		if err := json.Unmarshal(signal.Data, &req); err != nil {
			w.logger.Warn("Malformed start job signal", slog.String("error", err.Error()))
			return
		}
		if req.JobID == "" || req.RoomName == "" {
			w.logger.Warn("Start job signal without job or room",
				slog.String("job_id", req.JobID),
				slog.String("room_name", req.RoomName))
			return
		}
		w.startJob(req)

	case SignalTypeShutdown:
		w.logger.Info("Received shutdown signal")
		w.mu.RLock()
		stop := w.stop
		w.mu.RUnlock()
		stop()

	default:
		w.logger.Warn("Unknown signal type", slog.String("type", signal.Type))
	}
}

// startJob runs the handler for req on its own goroutine. The job outlives
// the connection that delivered the signal.
func (w *Worker) startJob(req StartJob) {
	logger := w.logger.With(slog.String("job_id", req.JobID), slog.String("room_name", req.RoomName))
	logger.Info("Received start job signal")

	if w.cfg.Handler == nil {
		logger.Error("No job handler registered")
		w.send(w.context(), jobCommand(CommandTypeJobEnded, req.JobID, errors.New("no job handler registered")))
		return
	}

	w.mu.Lock()
	if _, dup := w.jobs[req.JobID]; dup {
		w.mu.Unlock()
		logger.Warn("Job already running")
		return
	}
	ctx := w.runCtx
	room, err := w.cfg.NewRoom(ctx, req)
	if err != nil {
		w.mu.Unlock()
		logger.Error("Creating room transport failed", slog.String("error", err.Error()))
		w.send(ctx, jobCommand(CommandTypeJobEnded, req.JobID, err))
		return
	}
	j, err := job.New(ctx, job.Config{
		ID:       req.JobID,
		RoomName: req.RoomName,
		Timeout:  w.cfg.JobTimeout,
		Room:     room,
		Process:  w.cfg.Process,
	})
	if err != nil {
		w.mu.Unlock()
		logger.Error("Creating job failed", slog.String("error", err.Error()))
		w.send(ctx, jobCommand(CommandTypeJobEnded, req.JobID, err))
		return
	}
	w.jobs[req.JobID] = j
	w.jobsWG.Add(1)
	w.mu.Unlock()

	w.send(ctx, jobCommand(CommandTypeJobStarted, req.JobID, nil))

	go func() {
		defer w.jobsWG.Done()
		err := w.runJob(j)
		cause := j.Context.Err()
		j.Shutdown("job finished")
		if reason, ok := job.ShutdownReason(cause); ok {
			logger = logger.With(slog.String("reason", reason))
		} else if errors.Is(cause, job.ErrJobTimeout) {
			logger = logger.With(slog.String("reason", "timeout"))
		}

		w.mu.Lock()
		delete(w.jobs, j.ID)
		w.mu.Unlock()

		if err != nil {
			logger.Error("Job failed", slog.String("error", err.Error()))
		} else {
			logger.Info("Job ended")
		}
		w.send(ctx, jobCommand(CommandTypeJobEnded, j.ID, err))
	}()
}

func (w *Worker) runJob(j *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return w.cfg.Handler(j.Context.Ctx, j)
}

func jobCommand(kind, jobID string, err error) *Command {
	status := JobStatus{JobID: jobID}
	if err != nil {
		status.Error = err.Error()
	}
	return &Command{Type: kind, Data: status}
}

// send queues cmd for the writer. Commands are dropped when the queue is full.
func (w *Worker) send(ctx context.Context, cmd *Command) {
	select {
	case w.out <- cmd:
	case <-ctx.Done():
	default:
		w.logger.Warn("Command queue full, dropping command", slog.String("type", cmd.Type))
	}
}

func (w *Worker) context() context.Context {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.runCtx
}

// backoff returns the reconnect delay for attempt (1-based): MinBackoff
// doubled per attempt, capped at MaxBackoff.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.MinBackoff
	for i := 1; i < attempt && d < w.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, w.cfg.MaxBackoff)
}

func (w *Worker) backoffDelay(ctx context.Context) error {
	w.mu.Lock()
	w.backoffAttempt++
	attempt := w.backoffAttempt
	w.mu.Unlock()

	delay := w.backoff(attempt)
	w.logger.Info("Reconnecting with backoff",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) setConnected(connected bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if connected && !w.connected {
		// Reset backoff on successful connection
		w.backoffAttempt = 0
		w.logger.Info("Worker connected successfully")
	}

	w.connected = connected
}

func (w *Worker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// ActiveJobs returns the ids of the jobs currently running.
func (w *Worker) ActiveJobs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]string, 0, len(w.jobs))
	for id := range w.jobs {
		ids = append(ids, id)
	}
	return ids
}

func (w *Worker) shutdown() error {
	w.mu.RLock()
	running := make([]*job.Job, 0, len(w.jobs))
	for _, j := range w.jobs {
		running = append(running, j)
	}
	w.mu.RUnlock()

	for _, j := range running {
		j.Shutdown("worker shutting down")
	}
	w.jobsWG.Wait()

	if err := w.wsClient.Close(); err != nil {
		w.logger.Error("Error closing WebSocket", slog.String("error", err.Error()))
		return err
	}

	w.logger.Info("Worker shutdown complete")
	return nil
}
