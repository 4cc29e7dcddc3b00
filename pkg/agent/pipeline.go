// Package agent runs the voice pipeline: participant audio flows through VAD
// and STT, an end-of-utterance model decides when the user has finished, the
// LLM answers and TTS speaks the answer back into the room.
//
// The pipeline moves through Idle → Listening → Thinking → Speaking and
// reports what it does as a typed event stream (see Event).
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/llm"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/stt"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/tts"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/vad"
	"github.com/chriscow/livekit-voice-assistant/pkg/job"
	"github.com/chriscow/livekit-voice-assistant/pkg/turn"
	"github.com/chriscow/livekit-voice-assistant/pkg/voice"
)

var (
	// ErrAlreadyStarted is returned by Subscribe and Start once Start has run.
	ErrAlreadyStarted = errors.New("agent: pipeline already started")
	// ErrNotStarted is returned by Say before Start.
	ErrNotStarted = errors.New("agent: pipeline not started")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("agent: pipeline closed")
)

const (
	// DefaultTrackName names the published assistant audio track.
	DefaultTrackName = "assistant_voice"
	// DefaultLanguage is used when Config.Language is empty.
	DefaultLanguage = "en-US"

	vadSampleRate    = 16000
	outputSampleRate = 48000
	speechQueueSize  = 16

	// defaultUnlikelyThreshold applies when the detector has no tuned value.
	defaultUnlikelyThreshold = 0.85
)

// AudioIO is the part of the room the pipeline needs. *job.Room satisfies it.
type AudioIO interface {
	WaitForAudioTrack(ctx context.Context, identity string) (*job.AudioTrack, error)
	PublishAudio(name string) (job.AudioSink, error)
}

// Config tunes turn-taking and output.
type Config struct {
	// MinEndpointingDelay is waited after speech ends when the end-of-turn
	// model thinks the user is done.
	MinEndpointingDelay time.Duration
	// MaxEndpointingDelay is waited when it thinks the user will continue.
	MaxEndpointingDelay time.Duration

	// Language is the BCP-47 tag passed to STT, TTS and the detector.
	Language string
	// TrackName of the published audio track.
	TrackName string

	Logger *slog.Logger
}

// Components are the collaborators a pipeline drives. All are required.
type Components struct {
	VAD         vad.VAD
	STT         stt.STT
	LLM         llm.LLM
	TTS         tts.TTS
	Detector    turn.Detector
	ChatContext *llm.ChatContext
}

// Pipeline is a single-participant voice assistant.
type Pipeline struct {
	cfg      Config
	vad      vad.VAD
	stt      stt.STT
	llm      llm.LLM
	tts      tts.TTS
	detector turn.Detector
	chat     *llm.ChatContext
	logger   *slog.Logger
	gate     voice.AudioGate

	state     atomic.Int32
	listening atomic.Bool
	current   atomic.Pointer[voice.SpeechHandle]
	// sttAudio is the audio, in nanoseconds, pushed to STT since the last final transcript.
	sttAudio atomic.Int64

	mu          sync.RWMutex
	started     bool
	closed      bool
	subscribers []Subscriber
	sink        job.AudioSink
	cancel      context.CancelFunc

	queue     chan *voice.SpeechHandle
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New validates cfg and c and returns an idle pipeline.
func New(cfg Config, c Components) (*Pipeline, error) {
	switch {
	case c.VAD == nil:
		return nil, errors.New("agent: VAD is required")
	case c.STT == nil:
		return nil, errors.New("agent: STT is required")
	case c.LLM == nil:
		return nil, errors.New("agent: LLM is required")
	case c.TTS == nil:
		return nil, errors.New("agent: TTS is required")
	case c.Detector == nil:
		return nil, errors.New("agent: turn detector is required")
	case c.ChatContext == nil:
		return nil, errors.New("agent: chat context is required")
	}
	if cfg.MinEndpointingDelay <= 0 || cfg.MaxEndpointingDelay < cfg.MinEndpointingDelay {
		return nil, fmt.Errorf("agent: endpointing delays must satisfy 0 < min <= max, got min=%s max=%s",
			cfg.MinEndpointingDelay, cfg.MaxEndpointingDelay)
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.TrackName == "" {
		cfg.TrackName = DefaultTrackName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pipeline{
		cfg:      cfg,
		vad:      c.VAD,
		stt:      c.STT,
		llm:      c.LLM,
		tts:      c.TTS,
		detector: c.Detector,
		chat:     c.ChatContext,
		logger:   cfg.Logger,
		gate:     voice.NewAudioGate(),
		queue:    make(chan *voice.SpeechHandle, speechQueueSize),
		done:     make(chan struct{}),
	}
	p.setState(StateIdle)
	return p, nil
}

// Subscribe registers s for every event. It must be called before Start.
func (p *Pipeline) Subscribe(s Subscriber) error {
	if s == nil {
		return errors.New("agent: nil subscriber")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.subscribers = append(p.subscribers, s)
	return nil
}

// Start publishes the assistant track and begins listening to participant.
// It returns once the pipeline is running; the pipeline stops when ctx is
// done or Close is called.
func (p *Pipeline) Start(ctx context.Context, room AudioIO, participant job.Participant) error {
	if room == nil {
		return errors.New("agent: room is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return ErrAlreadyStarted
	}

	sink, err := room.PublishAudio(p.cfg.TrackName)
	if err != nil {
		return fmt.Errorf("agent: publish audio: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.sink = sink
	p.cancel = cancel
	p.started = true
	p.logger = p.logger.With(slog.String("participant", participant.Identity))

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.playout(runCtx)
	}()
	go func() {
		defer p.wg.Done()
		p.listen(runCtx, room, participant)
	}()
	return nil
}

// Say queues text for playout. Speech plays one utterance at a time in the
// order it was queued. Uninterruptible speech also mutes the microphone
// while it plays.
func (p *Pipeline) Say(ctx context.Context, text string, allowInterruptions bool) (*voice.SpeechHandle, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("agent: nothing to say")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	if !p.started {
		return nil, ErrNotStarted
	}

	h := voice.NewSpeechHandle(text, allowInterruptions)
	select {
	case p.queue <- h:
		p.logger.Debug("speech queued",
			slog.String("speech_id", h.ID()),
			slog.Bool("allow_interruptions", allowInterruptions))
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrClosed
	}
}

// Interrupt stops the speech that is playing, if it allows interruptions.
// It reports whether anything was interrupted.
func (p *Pipeline) Interrupt() bool {
	h := p.current.Load()
	if h == nil || !h.Interrupt() {
		return false
	}
	p.logger.Debug("speech interrupted", slog.String("speech_id", h.ID()))
	return true
}

// Speaking returns the speech playing now, or nil.
func (p *Pipeline) Speaking() *voice.SpeechHandle {
	return p.current.Load()
}

// ChatContext returns the conversation the pipeline appends to.
func (p *Pipeline) ChatContext() *llm.ChatContext {
	return p.chat
}

// State returns the current state.
func (p *Pipeline) State() AgentState {
	return AgentState(p.state.Load())
}

// Close stops the pipeline and releases the published track. Queued speech
// finishes with ErrClosed. Safe to call more than once.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		p.closed = true
		cancel, sink := p.cancel, p.sink
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		p.wg.Wait()

	drain:
		for {
			select {
			case h := <-p.queue:
				h.Finish(ErrClosed)
			default:
				break drain
			}
		}
		if sink != nil {
			err = sink.Close()
		}
		p.setState(StateIdle)
	})
	return err
}

func (p *Pipeline) setState(s AgentState) AgentState {
	old := AgentState(p.state.Swap(int32(s)))
	if old != s {
		p.logger.Debug("agent state changed",
			slog.String("from", old.String()),
			slog.String("to", s.String()))
	}
	return old
}

// settle returns to Listening or Idle once speaking or thinking is over.
func (p *Pipeline) settle() {
	if p.listening.Load() {
		p.setState(StateListening)
		return
	}
	p.setState(StateIdle)
}

func (p *Pipeline) emit(ev Event) {
	for _, s := range p.subscribers {
		p.deliver(s, ev)
	}
}

func (p *Pipeline) deliver(s Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event subscriber panicked",
				slog.String("event", fmt.Sprintf("%T", ev)),
				slog.Any("panic", r))
		}
	}()
	s.HandleEvent(ev)
}
