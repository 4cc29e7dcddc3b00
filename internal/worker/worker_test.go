package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"

	"github.com/chriscow/livekit-voice-assistant/pkg/job"
	jobfake "github.com/chriscow/livekit-voice-assistant/pkg/job/fake"
)

const waitTimeout = 3 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dispatchServer is a minimal dispatch endpoint. Each accepted connection is
// delivered on conns.
type dispatchServer struct {
	*httptest.Server
	conns chan *websocket.Conn

	mu      sync.Mutex
	headers []http.Header
}

func newDispatchServer(t *testing.T) *dispatchServer {
	t.Helper()
	s := &dispatchServer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *dispatchServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *dispatchServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(waitTimeout):
		t.Fatal("worker did not connect")
		return nil
	}
}

func sendSignal(t *testing.T, c *websocket.Conn, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteJSON(Signal{Type: typ, Data: raw}); err != nil {
		t.Fatal(err)
	}
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readCommand(t *testing.T, c *websocket.Conn) received {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(waitTimeout))
	var cmd received
	if err := c.ReadJSON(&cmd); err != nil {
		t.Fatalf("reading command: %v", err)
	}
	return cmd
}

func readStatus(t *testing.T, c *websocket.Conn, wantType string) JobStatus {
	t.Helper()
	cmd := readCommand(t, c)
	if cmd.Type != wantType {
		t.Fatalf("got command %q, want %q", cmd.Type, wantType)
	}
	var st JobStatus
	if err := json.Unmarshal(cmd.Data, &st); err != nil {
		t.Fatal(err)
	}
	return st
}

func startWorker(t *testing.T, cfg Config) (*Worker, context.CancelFunc, <-chan error) {
	t.Helper()
	if cfg.NewRoom == nil {
		cfg.NewRoom = func(ctx context.Context, req StartJob) (job.RoomConn, error) {
			return jobfake.NewFakeRoom(req.RoomName), nil
		}
	}
	w := New(cfg, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		done <- w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-exited
	})
	return w, cancel, done
}

func TestWorker_New(t *testing.T) {
	is := is.New(t)

	config := Config{
		URL:   "wss://example.com",
		Token: "test-token",
	}

	worker := New(config, quietLogger())

	is.Equal(worker.url, config.URL)                   // worker URL should match config
	is.Equal(worker.token, config.Token)               // worker token should match config
	is.True(worker.in != nil)                          // in channel should be initialized
	is.True(worker.out != nil)                         // out channel should be initialized
	is.Equal(worker.cfg.MinBackoff, DefaultMinBackoff) // default backoff floor
	is.Equal(worker.cfg.MaxBackoff, DefaultMaxBackoff) // default backoff cap
	is.True(worker.cfg.NewRoom != nil)                 // LiveKit room factory by default
}

func TestWorker_IsConnected(t *testing.T) {
	is := is.New(t)

	worker := New(Config{URL: "wss://example.com", Token: "test"}, quietLogger())

	is.True(!worker.IsConnected()) // worker should start disconnected

	worker.setConnected(true)
	is.True(worker.IsConnected()) // worker should be connected after setConnected(true)

	worker.setConnected(false)
	is.True(!worker.IsConnected()) // worker should be disconnected after setConnected(false)
}

func TestWorker_HandleSignal_Ping(t *testing.T) {
	is := is.New(t)
	worker := New(Config{URL: "wss://example.com", Token: "test"}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	worker.handleSignal(ctx, &Signal{Type: "ping", Data: json.RawMessage(`{"id":"test-ping"}`)})

	select {
	case cmd := <-worker.out:
		is.Equal(cmd.Type, "pong")
		raw, err := json.Marshal(cmd.Data)
		is.NoErr(err)
		is.Equal(string(raw), `{"id":"test-ping"}`) // pong echoes ping data
	case <-time.After(100 * time.Millisecond):
		t.Error("expected pong response within 100ms")
	}
}

func TestWorker_HandleSignal_InvalidStartJob(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", `{"jobId":`},
		{"missing job id", `{"roomName":"lobby"}`},
		{"missing room", `{"jobId":"J1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			called := false
			worker := New(Config{
				URL: "wss://example.com",
				Handler: func(context.Context, *job.Job) error {
					called = true
					return nil
				},
			}, quietLogger())

			worker.handleSignal(context.Background(), &Signal{Type: SignalTypeStartJob, Data: json.RawMessage(tt.data)})

			is.Equal(len(worker.ActiveJobs()), 0)
			is.True(!called)
			select {
			case cmd := <-worker.out:
				t.Errorf("unexpected command %q", cmd.Type)
			default:
			}
		})
	}
}

func TestWorker_HandleSignal_Unknown(t *testing.T) {
	worker := New(Config{URL: "wss://example.com", Token: "test"}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	worker.handleSignal(ctx, &Signal{Type: "unknownType", Data: json.RawMessage(`{"foo":"bar"}`)})

	select {
	case <-worker.out:
		t.Error("no response expected for unknown signal type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBackoffCalculation(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},  // capped at 10s
		{10, 10 * time.Second}, // still capped
	}

	worker := New(Config{URL: "wss://example.com"}, quietLogger())
	for _, tt := range tests {
		if got := worker.backoff(tt.attempt); got != tt.expected {
			t.Errorf("backoff(%d) = %s, want %s", tt.attempt, got, tt.expected)
		}
	}
}

func TestBackoffDelayHonoursContext(t *testing.T) {
	is := is.New(t)
	worker := New(Config{URL: "wss://example.com"}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := worker.backoffDelay(ctx)
	is.True(errors.Is(err, context.DeadlineExceeded))
	is.True(time.Since(start) >= 40*time.Millisecond)
}

func TestWorkerRunsJobs(t *testing.T) {
	is := is.New(t)
	srv := newDispatchServer(t)

	jobs := make(chan *job.Job, 1)
	release := make(chan struct{})
	startWorker(t, Config{
		URL:   srv.wsURL(),
		Token: "worker-token",
		Handler: func(ctx context.Context, j *job.Job) error {
			jobs <- j
			<-release
			return nil
		},
	})
	conn := srv.accept(t)

	sendSignal(t, conn, SignalTypeStartJob, StartJob{JobID: "J1", RoomName: "lobby", URL: "wss://lk.example", Token: "room-token"})

	is.Equal(readStatus(t, conn, CommandTypeJobStarted).JobID, "J1")
	var j *job.Job
	select {
	case j = <-jobs:
	case <-time.After(waitTimeout):
		t.Fatal("handler not called")
	}
	is.Equal(j.ID, "J1")
	is.Equal(j.RoomName, "lobby")
	is.Equal(j.Context.Room.Name(), "lobby")

	close(release)
	st := readStatus(t, conn, CommandTypeJobEnded)
	is.Equal(st.JobID, "J1")
	is.Equal(st.Error, "")

	srv.mu.Lock()
	is.Equal(srv.headers[0].Get("Authorization"), "Bearer worker-token")
	srv.mu.Unlock()
}

func TestWorkerReportsJobFailure(t *testing.T) {
	is := is.New(t)
	srv := newDispatchServer(t)

	startWorker(t, Config{
		URL: srv.wsURL(),
		Handler: func(ctx context.Context, j *job.Job) error {
			return errors.New("session: connect: refused")
		},
	})
	conn := srv.accept(t)

	sendSignal(t, conn, SignalTypeStartJob, StartJob{JobID: "J2", RoomName: "lobby"})
	is.Equal(readStatus(t, conn, CommandTypeJobStarted).JobID, "J2")
	st := readStatus(t, conn, CommandTypeJobEnded)
	is.Equal(st.Error, "session: connect: refused")
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	is := is.New(t)
	srv := newDispatchServer(t)

	startWorker(t, Config{
		URL: srv.wsURL(),
		Handler: func(ctx context.Context, j *job.Job) error {
			panic("boom")
		},
	})
	conn := srv.accept(t)

	sendSignal(t, conn, SignalTypeStartJob, StartJob{JobID: "J3", RoomName: "lobby"})
	readStatus(t, conn, CommandTypeJobStarted)
	st := readStatus(t, conn, CommandTypeJobEnded)
	is.True(strings.Contains(st.Error, "panicked"))
}

func TestWorkerRoomFactoryFailure(t *testing.T) {
	is := is.New(t)
	srv := newDispatchServer(t)

	startWorker(t, Config{
		URL:     srv.wsURL(),
		Handler: func(context.Context, *job.Job) error { return nil },
		NewRoom: func(context.Context, StartJob) (job.RoomConn, error) {
			return nil, errors.New("token is required")
		},
	})
	conn := srv.accept(t)

	sendSignal(t, conn, SignalTypeStartJob, StartJob{JobID: "J4", RoomName: "lobby"})
	st := readStatus(t, conn, CommandTypeJobEnded)
	is.Equal(st.JobID, "J4")
	is.Equal(st.Error, "token is required")
}

func TestWorkerAnswersPing(t *testing.T) {
	is := is.New(t)
	srv := newDispatchServer(t)

	startWorker(t, Config{URL: srv.wsURL()})
	conn := srv.accept(t)

	sendSignal(t, conn, SignalTypePing, map[string]any{"ts": 7})
	cmd := readCommand(t, conn)
	is.Equal(cmd.Type, SignalTypePong)
	is.Equal(string(cmd.Data), `{"ts":7}`)
}

func TestWorkerReconnects(t *testing.T) {
	srv := newDispatchServer(t)

	startWorker(t, Config{URL: srv.wsURL(), MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	first := srv.accept(t)
	first.Close()

	srv.accept(t)
}

func TestWorkerShutdownEndsJobs(t *testing.T) {
	is := is.New(t)
	srv := newDispatchServer(t)

	stopped := make(chan struct{})
	running := make(chan struct{})
	w, cancel, done := startWorker(t, Config{
		URL: srv.wsURL(),
		Handler: func(ctx context.Context, j *job.Job) error {
			close(running)
			<-ctx.Done()
			close(stopped)
			return nil
		},
	})
	conn := srv.accept(t)
	sendSignal(t, conn, SignalTypeStartJob, StartJob{JobID: "J5", RoomName: "lobby"})
	<-running
	is.Equal(w.ActiveJobs(), []string{"J5"})

	cancel()
	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(waitTimeout):
		t.Fatal("worker did not stop")
	}
	select {
	case <-stopped:
	default:
		t.Fatal("job was not shut down before Run returned")
	}
	is.Equal(len(w.ActiveJobs()), 0)
}

func TestWorkerShutdownSignal(t *testing.T) {
	is := is.New(t)
	srv := newDispatchServer(t)

	_, _, done := startWorker(t, Config{URL: srv.wsURL()})
	conn := srv.accept(t)
	sendSignal(t, conn, SignalTypeShutdown, nil)

	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(waitTimeout):
		t.Fatal("worker ignored the shutdown signal")
	}
}
