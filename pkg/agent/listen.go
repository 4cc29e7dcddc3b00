package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/llm"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/stt"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/vad"
	"github.com/chriscow/livekit-voice-assistant/pkg/job"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
	"github.com/chriscow/livekit-voice-assistant/pkg/turn"
)

// listen waits for the participant's microphone and runs the turn loop on it.
func (p *Pipeline) listen(ctx context.Context, room AudioIO, participant job.Participant) {
	track, err := room.WaitForAudioTrack(ctx, participant.Identity)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("waiting for participant audio", slog.String("error", err.Error()))
		}
		return
	}
	frames, unsubscribe := track.Frames()
	defer unsubscribe()

	stream, err := p.stt.NewStream(ctx, stt.StreamConfig{
		InterimResults: true,
		SampleRate:     track.SampleRate,
		NumChannels:    track.NumChannels,
		Language:       p.cfg.Language,
	})
	if err != nil {
		p.logger.Error("opening stt stream", slog.String("error", err.Error()))
		return
	}
	defer stream.Close()

	vadIn := make(chan rtc.AudioFrame, 32)
	vadEvents, err := p.vad.Detect(ctx, vadIn)
	if err != nil {
		close(vadIn)
		p.logger.Error("starting vad", slog.String("error", err.Error()))
		return
	}

	p.listening.Store(true)
	defer p.listening.Store(false)
	if p.State() == StateIdle {
		p.setState(StateListening)
	}
	p.logger.Info("listening to participant audio", slog.String("track", track.SID))

	var fwd sync.WaitGroup
	fwd.Add(1)
	go func() {
		defer fwd.Done()
		p.forward(ctx, frames, stream, vadIn)
	}()
	defer fwd.Wait()

	p.runTurns(ctx, vadEvents, stream.Events())
}

// forward copies admitted microphone frames to the VAD and the STT stream.
func (p *Pipeline) forward(ctx context.Context, frames <-chan rtc.AudioFrame, stream stt.Stream, vadIn chan<- rtc.AudioFrame) {
	defer close(vadIn)

	var pushFailures int
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				_ = stream.CloseSend()
				return
			}
			if !p.gate.Admit() {
				continue
			}
			select {
			case vadIn <- rtc.ResampleFrame(f, vadSampleRate):
			case <-ctx.Done():
				return
			}
			if err := stream.Push(f); err != nil {
				pushFailures++
				if pushFailures == 1 {
					p.logger.Warn("stt push failed", slog.String("error", err.Error()))
				}
				continue
			}
			p.sttAudio.Add(int64(f.Duration()))
		}
	}
}

type turnState struct {
	speaking    bool
	pending     []string
	language    string
	speechEnded time.Time

	// gen invalidates end-of-turn decisions made before the latest speech or transcript.
	gen      uint64
	timer    *time.Timer
	timerC   <-chan time.Time
	decision eouDecision

	cancelReply context.CancelFunc
}

func (t *turnState) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer, t.timerC = nil, nil
}

type eouDecision struct {
	gen         uint64
	probability float64
	threshold   float64
	err         error
}

// runTurns owns the turn state. Every VAD and STT event is handled here, so
// endpointing needs no locking.
func (p *Pipeline) runTurns(ctx context.Context, vadEvents <-chan vad.Event, sttEvents <-chan stt.SpeechEvent) {
	var t turnState
	decisions := make(chan eouDecision, 1)
	loopDone := make(chan struct{})
	defer close(loopDone)
	defer t.stopTimer()
	defer func() {
		if t.cancelReply != nil {
			t.cancelReply()
		}
	}()

	for vadEvents != nil || sttEvents != nil {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-vadEvents:
			if !ok {
				vadEvents = nil
				continue
			}
			p.onVAD(ctx, &t, ev, decisions, loopDone)

		case ev, ok := <-sttEvents:
			if !ok {
				sttEvents = nil
				continue
			}
			p.onSTT(ctx, &t, ev, decisions, loopDone)

		case d := <-decisions:
			if d.gen != t.gen || t.speaking || len(t.pending) == 0 {
				continue
			}
			p.arm(&t, d)

		case <-t.timerC:
			t.timer, t.timerC = nil, nil
			p.commit(ctx, &t)
		}
	}
}

func (p *Pipeline) onVAD(ctx context.Context, t *turnState, ev vad.Event, decisions chan<- eouDecision, loopDone <-chan struct{}) {
	switch ev.Type {
	case vad.EventSpeechStart:
		t.speaking = true
		t.gen++
		t.stopTimer()
		if t.cancelReply != nil {
			t.cancelReply()
			t.cancelReply = nil
		}
		p.bargeIn()
		if p.State() != StateSpeaking {
			p.setState(StateListening)
		}

	case vad.EventSpeechEnd:
		t.speaking = false
		t.speechEnded = ev.Timestamp
		if t.speechEnded.IsZero() {
			t.speechEnded = time.Now()
		}
		p.endpoint(ctx, t, decisions, loopDone)

	case vad.EventError:
		p.logger.Warn("vad error", slog.Any("error", ev.Error))
	}
}

func (p *Pipeline) onSTT(ctx context.Context, t *turnState, ev stt.SpeechEvent, decisions chan<- eouDecision, loopDone <-chan struct{}) {
	switch ev.Type {
	case stt.SpeechEventFinal:
		top, ok := ev.Top()
		text := strings.TrimSpace(top.Text)
		if !ok || text == "" {
			return
		}
		t.pending = append(t.pending, text)
		if top.Language != "" {
			t.language = top.Language
		}
		t.gen++
		p.emit(transcribed(top, text, true, p.cfg.Language))
		p.emit(&MetricsCollected{Metrics: STTMetrics{
			Timestamp:     time.Now(),
			AudioDuration: time.Duration(p.sttAudio.Swap(0)),
		}})
		if !t.speaking {
			if t.speechEnded.IsZero() {
				t.speechEnded = time.Now()
			}
			p.endpoint(ctx, t, decisions, loopDone)
		}

	case stt.SpeechEventInterim:
		top, ok := ev.Top()
		text := strings.TrimSpace(top.Text)
		if !ok || text == "" {
			return
		}
		p.logger.Debug("interim transcript", slog.String("text", text))
		p.emit(transcribed(top, text, false, p.cfg.Language))

	case stt.SpeechEventError:
		p.logger.Warn("stt error", slog.Any("error", ev.Error))
	}
}

func transcribed(sd stt.SpeechData, text string, final bool, fallbackLang string) *SpeechTranscribed {
	lang := sd.Language
	if lang == "" {
		lang = fallbackLang
	}
	return &SpeechTranscribed{
		Text:       text,
		Language:   lang,
		IsFinal:    final,
		Confidence: sd.Confidence,
		Timestamp:  time.Now(),
	}
}

// bargeIn interrupts interruptible speech when the user starts talking.
func (p *Pipeline) bargeIn() {
	h := p.current.Load()
	if h == nil || !h.AllowInterruptions() {
		return
	}
	if h.Interrupt() {
		p.logger.Info("user interrupted the assistant", slog.String("speech_id", h.ID()))
	}
}

// endpoint asks the detector whether the pending transcript ends the turn.
// The answer comes back on decisions and arms the commit timer.
func (p *Pipeline) endpoint(ctx context.Context, t *turnState, decisions chan<- eouDecision, loopDone <-chan struct{}) {
	if len(t.pending) == 0 {
		return
	}
	t.stopTimer()

	gen := t.gen
	lang := t.language
	if lang == "" {
		lang = p.cfg.Language
	}
	msgs := append(p.chat.Messages(), llm.Message{Role: llm.RoleUser, Content: strings.Join(t.pending, " ")})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		d := eouDecision{gen: gen, threshold: defaultUnlikelyThreshold}
		d.probability, d.err = p.detector.PredictEndOfTurn(ctx, turn.ChatContext{Messages: msgs, Language: lang})
		if th, err := p.detector.UnlikelyThreshold(lang); err == nil {
			d.threshold = th
		}
		select {
		case decisions <- d:
		case <-ctx.Done():
		case <-loopDone:
		}
	}()
}

func (p *Pipeline) arm(t *turnState, d eouDecision) {
	delay := p.cfg.MaxEndpointingDelay
	switch {
	case d.err != nil:
		p.logger.Warn("end of turn prediction failed", slog.String("error", d.err.Error()))
	case d.probability >= d.threshold:
		delay = p.cfg.MinEndpointingDelay
	}
	p.logger.Debug("end of turn scheduled",
		slog.Float64("probability", d.probability),
		slog.Float64("threshold", d.threshold),
		slog.Duration("delay", delay))

	t.decision = d
	t.timer = time.NewTimer(delay)
	t.timerC = t.timer.C
}

// commit hands the pending transcript to the LLM.
func (p *Pipeline) commit(ctx context.Context, t *turnState) {
	text := strings.Join(t.pending, " ")
	lang := t.language
	if lang == "" {
		lang = p.cfg.Language
	}
	p.emit(&MetricsCollected{Metrics: EOUMetrics{
		Timestamp:   time.Now(),
		Delay:       time.Since(t.speechEnded),
		Probability: t.decision.probability,
		Threshold:   t.decision.threshold,
	}})
	t.pending = nil
	t.speechEnded = time.Time{}
	t.gen++

	if t.cancelReply != nil {
		t.cancelReply()
	}

	p.chat.Append(llm.RoleUser, text)
	p.emit(&TranscriptReceived{Text: text, Language: lang, Timestamp: time.Now()})
	p.logger.Info("user turn committed", slog.Int("chars", len(text)))

	replyCtx, cancel := context.WithCancel(ctx)
	t.cancelReply = cancel
	p.setState(StateThinking)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.reply(replyCtx)
	}()
}

// reply asks the LLM to answer the conversation so far and speaks the answer.
func (p *Pipeline) reply(ctx context.Context) {
	start := time.Now()
	resp, err := p.llm.Chat(ctx, llm.ChatRequest{Messages: p.chat.Messages()})
	if ctx.Err() != nil {
		p.logger.Debug("reply cancelled")
		if p.State() == StateThinking {
			p.settle()
		}
		return
	}
	p.emit(&MetricsCollected{Metrics: LLMMetrics{
		Timestamp:        time.Now(),
		Duration:         time.Since(start),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Error:            err != nil,
	}})
	if err != nil {
		p.logger.Error("llm chat failed", slog.String("error", err.Error()))
		p.settle()
		return
	}

	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		p.logger.Warn("llm returned an empty response")
		p.settle()
		return
	}

	p.emit(&ResponseReceived{
		Text:      text,
		Usage:     resp.Usage,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	})
	p.chat.Append(llm.RoleAssistant, text)

	if _, err := p.Say(ctx, text, true); err != nil {
		p.logger.Warn("queueing response failed", slog.String("error", err.Error()))
		p.settle()
	}
}
