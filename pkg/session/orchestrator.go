// Package session runs one voice-assistant session per job: it connects to
// the room, waits for a participant, assembles the voice pipeline from the
// configured providers and reacts to what the pipeline reports until the job
// ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chriscow/livekit-voice-assistant/internal/config"
	"github.com/chriscow/livekit-voice-assistant/internal/dispatch"
	"github.com/chriscow/livekit-voice-assistant/pkg/agent"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/llm"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/stt"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/tts"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/vad"
	"github.com/chriscow/livekit-voice-assistant/pkg/job"
	"github.com/chriscow/livekit-voice-assistant/pkg/metrics"
	"github.com/chriscow/livekit-voice-assistant/pkg/plugin"
	"github.com/chriscow/livekit-voice-assistant/pkg/transcript"
	"github.com/chriscow/livekit-voice-assistant/pkg/turn"
)

// ErrParticipantTimeout is returned when no participant joined within
// PARTICIPANT_WAIT_TIMEOUT.
var ErrParticipantTimeout = errors.New("no participant joined in time")

// Stage names used in errors and logs.
const (
	StageInit             = "init"
	StageConnect          = "connect"
	StageAwaitParticipant = "await_participant"
	StageBuildPipeline    = "build_pipeline"
	StageWire             = "wire"
	StageRun              = "run"
)

// DefaultDrainTimeout bounds how long a closing session waits for follow-up tasks.
const DefaultDrainTimeout = 5 * time.Second

// Options configure an Orchestrator.
type Options struct {
	Config config.Config

	// Registry resolves providers. Defaults to the global plugin registry.
	Registry *plugin.Registry
	// NewDetector builds the end-of-turn detector. Defaults to turn.NewDetector.
	NewDetector func(turn.DetectorConfig) (turn.Detector, error)

	// Store persists transcripts. When nil one is opened from
	// Config.DatabaseURL and closed with the session.
	Store transcript.Store
	// Sink receives the usage summary. When nil one is opened from
	// Config.RedisURL and closed with the session.
	Sink metrics.Sink
	// Instruments are optional process-wide Prometheus instruments.
	Instruments *metrics.Instruments

	DrainTimeout time.Duration
	// After drives the keep-alive clock. Defaults to time.After.
	After func(time.Duration) <-chan time.Time

	Logger *slog.Logger
}

// Orchestrator drives a single session. It is not reusable.
type Orchestrator struct {
	opts   Options
	cfg    config.Config
	logger *slog.Logger

	ran       atomic.Bool
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc

	room        job.RoomConn
	connected   bool
	participant job.Participant
	recognizer  stt.STT

	mu       sync.Mutex
	pipeline *agent.Pipeline

	collector  *metrics.UsageCollector
	dispatcher *dispatch.Dispatcher
	store      transcript.Store
	sink       metrics.Sink
	ownStore   bool
	ownSink    bool

	events      <-chan *job.Event
	unsubscribe func()
	watchers    sync.WaitGroup
	consumed    map[*job.AudioTrack]bool
}

var _ agent.Subscriber = (*Orchestrator)(nil)

// New validates opts and returns an orchestrator ready to Run.
func New(opts Options) (*Orchestrator, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if opts.NewDetector == nil {
		opts.NewDetector = turn.NewDetector
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		opts:      opts,
		cfg:       opts.Config,
		logger:    opts.Logger,
		collector: metrics.NewUsageCollector(),
		consumed:  make(map[*job.AudioTrack]bool),
	}, nil
}

// Run executes the session for jc and blocks until the job ends. It returns
// nil when the session ran and ended with the job, and a stage-wrapped error
// when a stage failed.
func (o *Orchestrator) Run(ctx context.Context, jc *job.JobContext) error {
	if !o.ran.CompareAndSwap(false, true) {
		return errors.New("session: orchestrator already ran")
	}
	if jc == nil || jc.Room == nil {
		return errors.New("session: job context has no room")
	}

	o.ctx, o.cancel = context.WithCancel(ctx)
	stop := context.AfterFunc(jc.Ctx, o.cancel)
	defer stop()

	o.room = jc.Room
	o.sessionID = jc.JobID
	if o.sessionID == "" {
		o.sessionID = uuid.NewString()
	}
	o.logger = o.logger.With(
		slog.String("room", o.room.Name()),
		slog.String("session_id", o.sessionID))
	// Follow-up work outlives the session context so it can finish while draining.
	o.dispatcher = dispatch.New(context.WithoutCancel(o.ctx), o.cfg.DispatchMaxInFlight, o.logger)
	if in := o.opts.Instruments; in != nil {
		in.ActiveSessions.Inc()
		defer in.ActiveSessions.Dec()
	}
	defer o.close()

	// Init
	chat := llm.NewChatContext(o.cfg.SystemPrompt)
	if err := o.openStorage(o.ctx); err != nil {
		return o.fail(StageInit, err)
	}

	// Room events are buffered from here on and handled once the pipeline is wired.
	o.events, o.unsubscribe = o.room.Subscribe()

	// Connect
	o.logger.Info("connecting to room")
	if err := o.room.Connect(o.ctx, job.ConnectOptions{AutoSubscribe: job.SubscribeAudioOnly}); err != nil {
		return o.fail(StageConnect, err)
	}
	o.connected = true

	// AwaitParticipant
	participant, err := o.awaitParticipant()
	if err != nil {
		if o.ctx.Err() != nil && !errors.Is(err, ErrParticipantTimeout) {
			o.logger.Info("job ended before a participant joined")
			return nil
		}
		return o.fail(StageAwaitParticipant, err)
	}
	o.participant = *participant
	o.logger.Info("starting voice assistant for participant",
		slog.String("participant", participant.Identity))

	// BuildPipeline
	comps, err := o.buildComponents(jc.Proc, chat)
	if err != nil {
		return o.fail(StageBuildPipeline, err)
	}
	o.recognizer = comps.STT
	pipeline, err := agent.New(agent.Config{
		MinEndpointingDelay: o.cfg.MinEndpointingDelay,
		MaxEndpointingDelay: o.cfg.MaxEndpointingDelay,
		Language:            o.cfg.STTLanguage,
		Logger:              o.logger,
	}, comps)
	if err != nil {
		return o.fail(StageBuildPipeline, err)
	}
	o.mu.Lock()
	o.pipeline = pipeline
	o.mu.Unlock()

	// Wire
	if err := o.pipeline.Subscribe(o); err != nil {
		return o.fail(StageWire, err)
	}

	// Run
	if err := o.pipeline.Start(o.ctx, o.room, o.participant); err != nil {
		return o.fail(StageRun, err)
	}
	o.logger.Info("Agent started successfully")
	if _, err := o.pipeline.Say(o.ctx, o.cfg.Greeting, false); err != nil {
		return o.fail(StageRun, fmt.Errorf("greeting: %w", err))
	}
	// Track consumers speak through the pipeline, so they start once it can
	// speak: first the tracks subscribed so far, then the buffered events.
	for _, track := range o.room.AudioTracks() {
		o.consumeAudio(track)
	}
	o.watchers.Add(1)
	go func() {
		defer o.watchers.Done()
		o.watchRoom(o.events)
	}()
	o.startKeepAlive()

	<-o.ctx.Done()
	o.logger.Info("session ending", slog.String("reason", context.Cause(o.ctx).Error()))
	return nil
}

// HandleEvent reacts to pipeline events. It never blocks on I/O.
func (o *Orchestrator) HandleEvent(ev agent.Event) {
	if in := o.opts.Instruments; in != nil {
		in.Observe(ev)
	}
	switch e := ev.(type) {
	case *agent.MetricsCollected:
		metrics.Log(o.logger, e)
		o.collector.Collect(e)
	case *agent.SpeechTranscribed:
		o.spawn("handle_transcript", func(context.Context) error {
			o.logger.Debug("STT transcript",
				slog.String("text", e.Text),
				slog.Bool("final", e.IsFinal),
				slog.Float64("confidence", e.Confidence))
			return nil
		})
	case *agent.TranscriptReceived:
		o.logger.Info("user speech committed", slog.Int("chars", len(e.Text)))
		o.persist("save_transcript", transcript.Record{
			Participant: o.participant.Identity,
			Role:        llm.RoleUser,
			Text:        e.Text,
			Language:    e.Language,
			CreatedAt:   e.Timestamp,
		})
	case *agent.ResponseReceived:
		o.logger.Info("agent response generated",
			slog.Int("chars", len(e.Text)),
			slog.Duration("duration", e.Duration))
		o.persist("save_response", transcript.Record{
			Participant: o.cfg.AgentName,
			Role:        llm.RoleAssistant,
			Text:        e.Text,
			CreatedAt:   e.Timestamp,
		})
	}
}

// Summary returns the usage collected so far.
func (o *Orchestrator) Summary() metrics.UsageSummary {
	return o.collector.Summary()
}

// Pipeline returns the running pipeline, or nil before BuildPipeline.
func (o *Orchestrator) Pipeline() *agent.Pipeline {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pipeline
}

func (o *Orchestrator) fail(stage string, err error) error {
	o.logger.Error("session failed",
		slog.String("stage", stage),
		slog.String("error", err.Error()))
	return fmt.Errorf("session: %s: %w", stage, err)
}

func (o *Orchestrator) openStorage(ctx context.Context) error {
	o.store, o.sink = o.opts.Store, o.opts.Sink
	if o.store == nil {
		s, err := transcript.NewStore(ctx, o.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		o.store, o.ownStore = s, true
	}
	if o.sink == nil {
		if o.cfg.RedisURL == "" {
			o.sink = metrics.NopSink{}
			return nil
		}
		s, err := metrics.NewRedisSinkFromURL(ctx, o.cfg.RedisURL, o.cfg.UsageTTL)
		if err != nil {
			return err
		}
		o.sink, o.ownSink = s, true
	}
	return nil
}

func (o *Orchestrator) awaitParticipant() (*job.Participant, error) {
	ctx := o.ctx
	if d := o.cfg.ParticipantWaitTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(o.ctx, d, ErrParticipantTimeout)
		defer cancel()
	}
	p, err := o.room.WaitForParticipant(ctx)
	if err != nil {
		if o.ctx.Err() == nil && errors.Is(context.Cause(ctx), ErrParticipantTimeout) {
			return nil, fmt.Errorf("%w after %s", ErrParticipantTimeout, o.cfg.ParticipantWaitTimeout)
		}
		return nil, err
	}
	return p, nil
}

func (o *Orchestrator) buildComponents(proc *job.Process, chat *llm.ChatContext) (agent.Components, error) {
	if proc == nil {
		return agent.Components{}, errors.New("process was not prewarmed")
	}
	v, err := job.Resource[vad.VAD](proc, job.KeyVAD)
	if err != nil {
		return agent.Components{}, err
	}
	model, err := build[llm.LLM](o.opts.Registry, plugin.KindLLM, o.cfg.LLMProvider, o.cfg.LLMOptions())
	if err != nil {
		return agent.Components{}, err
	}
	synth, err := build[tts.TTS](o.opts.Registry, plugin.KindTTS, o.cfg.TTSProvider, o.cfg.TTSOptions())
	if err != nil {
		return agent.Components{}, err
	}
	recognizer, err := build[stt.STT](o.opts.Registry, plugin.KindSTT, o.cfg.STTProvider, o.cfg.STTOptions())
	if err != nil {
		return agent.Components{}, err
	}
	detector, err := o.opts.NewDetector(turn.DetectorConfig{
		Model:     o.cfg.TurnModel,
		ModelPath: o.cfg.ModelPath,
		RemoteURL: o.cfg.TurnRemoteURL,
		Logger:    o.logger,
	})
	if err != nil {
		return agent.Components{}, fmt.Errorf("turn detector: %w", err)
	}
	return agent.Components{
		VAD:         v,
		STT:         recognizer,
		LLM:         model,
		TTS:         synth,
		Detector:    detector,
		ChatContext: chat,
	}, nil
}

func (o *Orchestrator) watchRoom(events <-chan *job.Event) {
	for ev := range events {
		o.handleRoomEvent(ev)
	}
}

func (o *Orchestrator) handleRoomEvent(ev *job.Event) {
	switch ev.Type {
	case job.EventTrackSubscribed:
		if ev.Track == nil || ev.Track.Kind != job.TrackKindAudio || ev.Audio == nil {
			return
		}
		o.consumeAudio(ev.Audio)
	case job.EventParticipantDisconnected:
		if ev.Participant != nil && ev.Participant.Identity == o.participant.Identity {
			o.logger.Info("participant left", slog.String("participant", ev.Participant.Identity))
		}
	case job.EventDisconnected:
		o.logger.Warn("room connection lost")
	}
}

// consumeAudio starts the per-track consumer once per track. The same track
// can be seen both in the replay of subscribed tracks and in a buffered event.
func (o *Orchestrator) consumeAudio(track *job.AudioTrack) {
	if !o.cfg.EchoTracks {
		return
	}
	o.mu.Lock()
	seen := o.consumed[track]
	o.consumed[track] = true
	o.mu.Unlock()
	if seen {
		return
	}
	o.dispatcher.Supervise("consume_track:"+track.SID, func(context.Context) error {
		return consumeTrack(o.ctx, o.pipeline, o.recognizer, track, o.cfg.STTLanguage, o.logger)
	})
}

func (o *Orchestrator) startKeepAlive() {
	ka := KeepAlive{
		Interval: o.cfg.KeepAliveInterval,
		Send:     o.room.PublishData,
		After:    o.opts.After,
		Logger:   o.logger,
	}
	o.dispatcher.Supervise("keepalive", func(context.Context) error {
		if err := ka.Run(o.ctx); err != nil && o.ctx.Err() == nil {
			return err
		}
		return nil
	})
}

func (o *Orchestrator) persist(name string, r transcript.Record) {
	r.SessionID = o.sessionID
	r.RoomName = o.room.Name()
	o.spawn(name, func(ctx context.Context) error {
		return o.store.Save(ctx, r)
	})
}

func (o *Orchestrator) spawn(name string, task dispatch.Task) {
	if !o.dispatcher.Go(name, task) {
		if in := o.opts.Instruments; in != nil {
			in.TasksDropped.Inc()
		}
	}
}

// close tears the session down in reverse order of construction.
func (o *Orchestrator) close() {
	o.cancel()

	if o.pipeline != nil {
		if err := o.pipeline.Close(); err != nil {
			o.logger.Warn("closing pipeline", slog.String("error", err.Error()))
		}
	}
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	o.watchers.Wait()

	if err := o.dispatcher.Wait(o.opts.DrainTimeout); err != nil {
		o.logger.Warn("draining session tasks", slog.String("error", err.Error()))
	}
	stats := o.dispatcher.Stats()
	o.logger.Debug("session tasks drained",
		slog.Int64("finished", stats.Finished),
		slog.Int64("failed", stats.Failed),
		slog.Int64("dropped", stats.Dropped))

	summary := o.collector.Summary()
	metrics.LogSummary(o.logger, summary)
	if o.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.DrainTimeout)
		if err := o.sink.Flush(ctx, o.sessionID, summary); err != nil {
			o.logger.Warn("flushing usage summary", slog.String("error", err.Error()))
		}
		cancel()
	}

	if o.ownSink {
		if err := o.sink.Close(); err != nil {
			o.logger.Warn("closing usage sink", slog.String("error", err.Error()))
		}
	}
	if o.ownStore {
		if err := o.store.Close(); err != nil {
			o.logger.Warn("closing transcript store", slog.String("error", err.Error()))
		}
	}
	if o.connected {
		if err := o.room.Disconnect(); err != nil {
			o.logger.Warn("disconnecting from room", slog.String("error", err.Error()))
		}
	}
}
