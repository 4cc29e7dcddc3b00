package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/tts"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
	"github.com/chriscow/livekit-voice-assistant/pkg/voice"
)

// playout plays queued speech one handle at a time until ctx is done.
func (p *Pipeline) playout(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-p.queue:
			if ctx.Err() != nil {
				h.Finish(ErrClosed)
				return
			}
			p.speak(ctx, h)
		}
	}
}

func (p *Pipeline) speak(ctx context.Context, h *voice.SpeechHandle) {
	if h.IsInterrupted() {
		h.Finish(voice.ErrInterrupted)
		return
	}

	speechCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.Interrupted():
			cancel()
		case <-speechCtx.Done():
		}
	}()

	p.current.Store(h)
	p.gate.SetPlaying(true, h.AllowInterruptions())
	p.setState(StateSpeaking)
	defer func() {
		p.gate.SetPlaying(false, true)
		p.current.CompareAndSwap(h, nil)
		p.settle()
	}()

	logger := p.logger.With(slog.String("speech_id", h.ID()))
	m := TTSMetrics{SpeechID: h.ID(), Characters: len([]rune(h.Text()))}
	start := time.Now()

	frames, err := p.tts.Synthesize(speechCtx, tts.SynthesizeRequest{Text: h.Text(), Language: p.cfg.Language})
	if err != nil {
		logger.Error("tts synthesize failed", slog.String("error", err.Error()))
		h.Finish(err)
		return
	}

	var writeErr error
	for f := range frames {
		if m.TTFB == 0 {
			m.TTFB = time.Since(start)
		}
		m.AudioDuration += f.Duration()
		if writeErr = p.sink.WriteFrame(speechCtx, rtc.ResampleFrame(f, outputSampleRate)); writeErr != nil {
			cancel()
			break
		}
	}
	if writeErr == nil && speechCtx.Err() == nil {
		writeErr = p.sink.Drain(speechCtx)
	}

	interrupted := h.IsInterrupted()
	if interrupted {
		p.sink.Clear()
	}
	m.Timestamp = time.Now()
	m.Duration = time.Since(start)
	m.Interrupted = interrupted
	p.emit(&MetricsCollected{Metrics: m})

	switch {
	case interrupted:
		logger.Debug("speech interrupted during playout", slog.Duration("played", m.Duration))
		h.Finish(voice.ErrInterrupted)
	case ctx.Err() != nil:
		h.Finish(ctx.Err())
	case writeErr != nil:
		logger.Warn("audio playout failed", slog.String("error", writeErr.Error()))
		h.Finish(writeErr)
	default:
		h.Finish(nil)
	}
}
