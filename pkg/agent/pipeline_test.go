package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/llm"
	llmfake "github.com/chriscow/livekit-voice-assistant/pkg/ai/llm/fake"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/stt"
	sttfake "github.com/chriscow/livekit-voice-assistant/pkg/ai/stt/fake"
	ttsfake "github.com/chriscow/livekit-voice-assistant/pkg/ai/tts/fake"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/vad"
	vadfake "github.com/chriscow/livekit-voice-assistant/pkg/ai/vad/fake"
	"github.com/chriscow/livekit-voice-assistant/pkg/job"
	jobfake "github.com/chriscow/livekit-voice-assistant/pkg/job/fake"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
	turnfake "github.com/chriscow/livekit-voice-assistant/pkg/turn/fake"
	"github.com/chriscow/livekit-voice-assistant/pkg/voice"
)

const waitTimeout = 3 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 256)}
}

func (r *recorder) HandleEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *recorder) count(match func(Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if match(ev) {
			n++
		}
	}
	return n
}

// waitFor returns the next event of type T.
func waitFor[T Event](t *testing.T, r *recorder) T {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-r.ch:
			if e, ok := ev.(T); ok {
				return e
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// waitForMetrics returns the next metrics of type M.
func waitForMetrics[M Metrics](t *testing.T, r *recorder) M {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-r.ch:
			if mc, ok := ev.(*MetricsCollected); ok {
				if m, ok := mc.Metrics.(M); ok {
					return m
				}
			}
		case <-deadline:
			var zero M
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// spyVAD reports every event it hands to the pipeline.
type spyVAD struct {
	*vadfake.FakeVAD
	seen chan vad.Event
}

func (s *spyVAD) Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan vad.Event, error) {
	in, err := s.FakeVAD.Detect(ctx, frames)
	if err != nil {
		return nil, err
	}
	out := make(chan vad.Event, 16)
	go func() {
		defer close(out)
		for ev := range in {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			select {
			case s.seen <- ev:
			default:
			}
		}
	}()
	return out, nil
}

type harness struct {
	room     *jobfake.FakeRoom
	vad      *spyVAD
	stt      *sttfake.FakeSTT
	tts      *ttsfake.FakeTTS
	llm      *llmfake.FakeLLM
	detector *turnfake.FakeTurnDetector
	chat     *llm.ChatContext
	rec      *recorder
	alice    job.Participant
	p        *Pipeline
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, cfg Config, detector *turnfake.FakeTurnDetector, tts *ttsfake.FakeTTS) *harness {
	t.Helper()
	is := is.New(t)
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	h := &harness{
		room:     jobfake.NewFakeRoom("support"),
		vad:      &spyVAD{FakeVAD: vadfake.NewFakeVAD(0), seen: make(chan vad.Event, 64)},
		stt:      sttfake.NewScriptedSTT(),
		tts:      tts,
		llm:      llmfake.NewFakeLLM("It is noon."),
		detector: detector,
		chat:     llm.NewChatContext("You are a helpful voice assistant."),
		rec:      newRecorder(),
		alice:    job.Participant{SID: "PA_1", Identity: "alice"},
	}
	p, err := New(cfg, Components{
		VAD:         h.vad,
		STT:         h.stt,
		LLM:         h.llm,
		TTS:         h.tts,
		Detector:    h.detector,
		ChatContext: h.chat,
	})
	is.NoErr(err)
	is.NoErr(p.Subscribe(h.rec))
	h.p = p
	t.Cleanup(func() { _ = p.Close() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	is := is.New(t)
	is.NoErr(h.room.Connect(context.Background(), job.ConnectOptions{AutoSubscribe: job.SubscribeAudioOnly}))
	h.room.AddParticipant(h.alice)
	is.NoErr(h.p.Start(context.Background(), h.room, h.alice))
}

// microphone adds alice's track and returns it with the STT stream opened on it.
func (h *harness) microphone(t *testing.T) (*job.AudioTrack, *sttfake.FakeStream) {
	t.Helper()
	track := h.room.AddAudioTrack(h.alice, "TR_mic", job.InputSampleRate)
	select {
	case s := <-h.stt.Opened():
		return track, s
	case <-time.After(waitTimeout):
		t.Fatal("stt stream was not opened")
		return nil, nil
	}
}

func micFrame(level int16) rtc.AudioFrame {
	n := job.InputSampleRate / 100
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = level
	}
	return rtc.AudioFrame{Data: rtc.SamplesToBytes(samples), SampleRate: job.InputSampleRate, SamplesPerChannel: n, NumChannels: 1}
}

// utter pushes enough loud then quiet frames for the VAD to report a start
// and an end of speech, and waits until the pipeline has been told both.
func (h *harness) utter(t *testing.T, track *job.AudioTrack) {
	t.Helper()
	for i := 0; i < vadfake.StartFrames+2; i++ {
		track.Push(micFrame(8000))
	}
	for i := 0; i < vadfake.EndFrames+2; i++ {
		track.Push(micFrame(0))
	}
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-h.vad.seen:
			if ev.Type == vad.EventSpeechEnd {
				return
			}
		case <-deadline:
			t.Fatal("vad did not report end of speech")
		}
	}
}

func speakLoudly(track *job.AudioTrack) {
	for i := 0; i < vadfake.StartFrames+2; i++ {
		track.Push(micFrame(8000))
	}
}

func defaultConfig() Config {
	return Config{MinEndpointingDelay: 10 * time.Millisecond, MaxEndpointingDelay: 2 * time.Second}
}

func TestNewValidation(t *testing.T) {
	valid := func() Components {
		return Components{
			VAD:         vadfake.NewFakeVAD(0),
			STT:         sttfake.NewScriptedSTT(),
			LLM:         llmfake.NewFakeLLM(),
			TTS:         ttsfake.NewFakeTTS(),
			Detector:    turnfake.NewFakeTurnDetector(),
			ChatContext: llm.NewChatContext("system"),
		}
	}

	tests := []struct {
		name    string
		cfg     Config
		mutate  func(*Components)
		wantErr bool
	}{
		{name: "valid", cfg: defaultConfig()},
		{name: "equal delays", cfg: Config{MinEndpointingDelay: time.Second, MaxEndpointingDelay: time.Second}},
		{name: "min above max", cfg: Config{MinEndpointingDelay: 3 * time.Second, MaxEndpointingDelay: time.Second}, wantErr: true},
		{name: "zero min", cfg: Config{MaxEndpointingDelay: time.Second}, wantErr: true},
		{name: "missing vad", cfg: defaultConfig(), mutate: func(c *Components) { c.VAD = nil }, wantErr: true},
		{name: "missing stt", cfg: defaultConfig(), mutate: func(c *Components) { c.STT = nil }, wantErr: true},
		{name: "missing llm", cfg: defaultConfig(), mutate: func(c *Components) { c.LLM = nil }, wantErr: true},
		{name: "missing tts", cfg: defaultConfig(), mutate: func(c *Components) { c.TTS = nil }, wantErr: true},
		{name: "missing detector", cfg: defaultConfig(), mutate: func(c *Components) { c.Detector = nil }, wantErr: true},
		{name: "missing chat context", cfg: defaultConfig(), mutate: func(c *Components) { c.ChatContext = nil }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			c := valid()
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			p, err := New(tt.cfg, c)
			if tt.wantErr {
				is.True(err != nil)
				return
			}
			is.NoErr(err)
			is.Equal(p.State(), StateIdle)
			is.Equal(p.cfg.Language, DefaultLanguage)
			is.Equal(p.cfg.TrackName, DefaultTrackName)
		})
	}
}

func TestLifecycle(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetector(), ttsfake.NewFakeTTS())

	_, err := h.p.Say(context.Background(), "too early", true)
	is.True(errors.Is(err, ErrNotStarted))

	h.start(t)
	is.True(errors.Is(h.p.Subscribe(newRecorder()), ErrAlreadyStarted))
	is.True(errors.Is(h.p.Start(context.Background(), h.room, h.alice), ErrAlreadyStarted))
	is.Equal(len(h.room.Sinks()), 1)
	is.Equal(h.room.Sinks()[0].Name, DefaultTrackName)

	is.NoErr(h.p.Close())
	is.NoErr(h.p.Close())
	_, err = h.p.Say(context.Background(), "too late", true)
	is.True(errors.Is(err, ErrClosed))
	is.True(errors.Is(h.p.Start(context.Background(), h.room, h.alice), ErrClosed))
	is.Equal(h.p.State(), StateIdle)
}

func TestSubscribeRejectsNil(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetector(), ttsfake.NewFakeTTS())
	is.True(h.p.Subscribe(nil) != nil)
}

func TestStartPublishFailure(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetector(), ttsfake.NewFakeTTS())
	// the fake room refuses to publish before Connect
	err := h.p.Start(context.Background(), h.room, h.alice)
	is.True(err != nil)
	is.True(!errors.Is(err, ErrAlreadyStarted))
}

func TestSayPlaysResampledAudio(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetector(), ttsfake.NewFakeTTS())
	h.start(t)

	first, err := h.p.Say(context.Background(), "Hello", false)
	is.NoErr(err)
	second, err := h.p.Say(context.Background(), "Bye", true)
	is.NoErr(err)

	is.NoErr(first.Wait(context.Background()))
	is.NoErr(second.Wait(context.Background()))

	reqs := h.tts.Requests()
	is.Equal(len(reqs), 2)
	is.Equal(reqs[0].Text, "Hello") // played in queue order
	is.Equal(reqs[1].Text, "Bye")

	frames := h.room.Sinks()[0].Frames()
	is.Equal(len(frames), len("Hello")+len("Bye")) // one fake frame per character
	for _, f := range frames {
		is.Equal(f.SampleRate, 48000)
		is.Equal(f.SamplesPerChannel, 480)
	}

	m := waitForMetrics[TTSMetrics](t, h.rec)
	is.Equal(m.SpeechID, first.ID())
	is.Equal(m.Characters, 5)
	is.Equal(m.AudioDuration, 5*rtc.FrameDuration)
	is.True(!m.Interrupted)
}

func TestSayRejectsEmptyText(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetector(), ttsfake.NewFakeTTS())
	h.start(t)
	_, err := h.p.Say(context.Background(), "   ", true)
	is.True(err != nil)
}

func TestSaySynthesisFailure(t *testing.T) {
	is := is.New(t)
	tts := ttsfake.NewFakeTTS()
	tts.FailWith(errors.New("quota exceeded"))
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetector(), tts)
	h.start(t)

	sh, err := h.p.Say(context.Background(), "Hello", true)
	is.NoErr(err)
	is.True(sh.Wait(context.Background()) != nil)
	eventually(t, func() bool { return h.p.State() == StateIdle })
}

func TestConversationTurn(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetectorWithValues(0.95, 0.85), ttsfake.NewFakeTTS())
	h.start(t)
	track, stream := h.microphone(t)

	h.utter(t, track)
	stream.EmitFinal("what time is it", "what dime is it")

	stm := waitForMetrics[STTMetrics](t, h.rec)
	is.True(stm.AudioDuration > 0)

	eou := waitForMetrics[EOUMetrics](t, h.rec)
	is.Equal(eou.Probability, 0.95)
	is.Equal(eou.Threshold, 0.85)
	is.True(eou.Delay < h.p.cfg.MaxEndpointingDelay) // likely end of turn waits the short delay

	tr := waitFor[*TranscriptReceived](t, h.rec)
	is.Equal(tr.Text, "what time is it")
	is.Equal(tr.Language, DefaultLanguage)

	lm := waitForMetrics[LLMMetrics](t, h.rec)
	is.True(!lm.Error)
	is.True(lm.PromptTokens > 0)

	resp := waitFor[*ResponseReceived](t, h.rec)
	is.Equal(resp.Text, "It is noon.")

	eventually(t, func() bool { return len(h.tts.Requests()) == 1 })
	is.Equal(h.tts.Requests()[0].Text, "It is noon.")

	msgs := h.chat.Messages()
	is.Equal(len(msgs), 3)
	is.Equal(msgs[0].Role, llm.RoleSystem)
	is.Equal(msgs[1], llm.Message{Role: llm.RoleUser, Content: "what time is it"})
	is.Equal(msgs[2], llm.Message{Role: llm.RoleAssistant, Content: "It is noon."})

	// the detector saw the pending user text after the history
	calls := h.detector.Calls()
	is.True(len(calls) >= 1)
	last := calls[len(calls)-1].Messages
	is.Equal(last[len(last)-1].Content, "what time is it")

	// the LLM saw the system prompt and the user turn
	req := h.llm.Requests()[0]
	is.Equal(len(req.Messages), 2)
}

func TestUnlikelyEndOfTurnWaitsMaxDelay(t *testing.T) {
	is := is.New(t)
	cfg := Config{MinEndpointingDelay: 10 * time.Millisecond, MaxEndpointingDelay: 300 * time.Millisecond}
	h := newHarness(t, cfg, turnfake.NewFakeTurnDetectorWithValues(0.1, 0.85), ttsfake.NewFakeTTS())
	h.start(t)
	track, stream := h.microphone(t)

	h.utter(t, track)
	stream.EmitFinal("so I was thinking")

	eou := waitForMetrics[EOUMetrics](t, h.rec)
	is.True(eou.Delay >= cfg.MaxEndpointingDelay)
}

func TestDetectorFailureFallsBackToMaxDelay(t *testing.T) {
	is := is.New(t)
	cfg := Config{MinEndpointingDelay: 10 * time.Millisecond, MaxEndpointingDelay: 200 * time.Millisecond}
	detector := turnfake.NewFakeTurnDetectorWithValues(0.99, 0.5)
	detector.FailWith(errors.New("model unavailable"))
	h := newHarness(t, cfg, detector, ttsfake.NewFakeTTS())
	h.start(t)
	track, stream := h.microphone(t)

	h.utter(t, track)
	stream.EmitFinal("hello")

	eou := waitForMetrics[EOUMetrics](t, h.rec)
	is.True(eou.Delay >= cfg.MaxEndpointingDelay)
	tr := waitFor[*TranscriptReceived](t, h.rec)
	is.Equal(tr.Text, "hello")
}

func TestEveryTranscriptIsReported(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetector(), ttsfake.NewFakeTTS())
	h.start(t)
	_, stream := h.microphone(t)

	stream.Emit(stt.SpeechEvent{
		Type:         stt.SpeechEventInterim,
		Alternatives: []stt.SpeechData{{Text: " what ti", Confidence: 0.4}},
	})
	stream.Emit(stt.SpeechEvent{Type: stt.SpeechEventInterim}) // no alternatives: skipped
	stream.EmitFinal("what time is it")

	interim := waitFor[*SpeechTranscribed](t, h.rec)
	is.Equal(interim.Text, "what ti")
	is.True(!interim.IsFinal)
	is.Equal(interim.Confidence, 0.4)

	final := waitFor[*SpeechTranscribed](t, h.rec)
	is.Equal(final.Text, "what time is it")
	is.True(final.IsFinal)
	is.Equal(h.rec.count(func(ev Event) bool { _, ok := ev.(*SpeechTranscribed); return ok }), 2)
}

func TestNewSpeechCancelsEndpointTimer(t *testing.T) {
	is := is.New(t)
	cfg := Config{MinEndpointingDelay: 10 * time.Millisecond, MaxEndpointingDelay: 400 * time.Millisecond}
	h := newHarness(t, cfg, turnfake.NewFakeTurnDetectorWithValues(0.1, 0.85), ttsfake.NewFakeTTS())
	h.start(t)
	track, stream := h.microphone(t)

	h.utter(t, track)
	stream.EmitFinal("I would like")
	time.Sleep(50 * time.Millisecond)
	h.utter(t, track)
	stream.EmitFinal("a coffee")

	tr := waitFor[*TranscriptReceived](t, h.rec)
	is.Equal(tr.Text, "I would like a coffee") // both fragments committed as one turn
	is.Equal(h.rec.count(func(ev Event) bool { _, ok := ev.(*TranscriptReceived); return ok }), 1)
}

func TestBargeInInterruptsSpeech(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetector(), ttsfake.NewFakeTTS().WithPace(10*time.Millisecond))
	h.start(t)
	track, _ := h.microphone(t)

	sh, err := h.p.Say(context.Background(), strings.Repeat("a long answer ", 20), true)
	is.NoErr(err)
	eventually(t, func() bool { return h.p.State() == StateSpeaking })

	speakLoudly(track)

	is.True(errors.Is(sh.Wait(context.Background()), voice.ErrInterrupted))
	is.True(sh.IsInterrupted())
	is.True(h.room.Sinks()[0].Cleared() >= 1)

	m := waitForMetrics[TTSMetrics](t, h.rec)
	is.True(m.Interrupted)
}

func TestUninterruptibleSpeechMutesMicrophone(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetector(), ttsfake.NewFakeTTS().WithPace(10*time.Millisecond))
	h.start(t)
	track, stream := h.microphone(t)

	sh, err := h.p.Say(context.Background(), "Hey, how can I help you today?", false)
	is.NoErr(err)
	eventually(t, func() bool { return h.p.State() == StateSpeaking })

	is.True(!h.p.Interrupt())
	speakLoudly(track)

	is.NoErr(sh.Wait(context.Background()))
	is.True(!sh.IsInterrupted())
	is.True(h.p.gate.Discarded() > 0)
	is.Equal(stream.Pushed(), 0) // nothing reached STT while the greeting played
}

func TestInterrupt(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetector(), ttsfake.NewFakeTTS().WithPace(10*time.Millisecond))
	h.start(t)

	is.True(!h.p.Interrupt()) // nothing playing

	sh, err := h.p.Say(context.Background(), strings.Repeat("words ", 30), true)
	is.NoErr(err)
	eventually(t, func() bool { return h.p.State() == StateSpeaking })

	is.True(h.p.Interrupt())
	is.True(errors.Is(sh.Wait(context.Background()), voice.ErrInterrupted))
}

func TestLLMFailure(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetectorWithValues(0.95, 0.85), ttsfake.NewFakeTTS())
	h.llm.FailWith(errors.New("upstream 500"))
	h.start(t)
	track, stream := h.microphone(t)

	h.utter(t, track)
	stream.EmitFinal("hello")

	waitFor[*TranscriptReceived](t, h.rec)
	lm := waitForMetrics[LLMMetrics](t, h.rec)
	is.True(lm.Error)

	eventually(t, func() bool { return h.p.State() == StateListening })
	is.Equal(h.rec.count(func(ev Event) bool { _, ok := ev.(*ResponseReceived); return ok }), 0)
	is.Equal(len(h.tts.Requests()), 0)
	is.Equal(h.chat.Len(), 2) // system prompt and the user turn only
}

func TestSubscriberPanicIsContained(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetector(), ttsfake.NewFakeTTS())
	is.NoErr(h.p.Subscribe(SubscriberFunc(func(Event) { panic("boom") })))
	h.start(t)

	sh, err := h.p.Say(context.Background(), "Hi", true)
	is.NoErr(err)
	is.NoErr(sh.Wait(context.Background()))
	waitForMetrics[TTSMetrics](t, h.rec) // later subscribers still get events
}

func TestCloseFinishesQueuedSpeech(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, defaultConfig(), turnfake.NewFakeTurnDetector(), ttsfake.NewFakeTTS().Hold())
	h.start(t)

	playing, err := h.p.Say(context.Background(), "first", true)
	is.NoErr(err)
	queued, err := h.p.Say(context.Background(), "second", true)
	is.NoErr(err)
	eventually(t, func() bool { return h.p.State() == StateSpeaking })

	is.NoErr(h.p.Close())
	is.True(playing.Wait(context.Background()) != nil)
	is.True(errors.Is(queued.Wait(context.Background()), ErrClosed))
}

func TestAgentStateString(t *testing.T) {
	is := is.New(t)
	is.Equal(StateIdle.String(), "Idle")
	is.Equal(StateListening.String(), "Listening")
	is.Equal(StateThinking.String(), "Thinking")
	is.Equal(StateSpeaking.String(), "Speaking")
	is.Equal(AgentState(9).String(), "Unknown(9)")
}
