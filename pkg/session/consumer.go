package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/stt"
	"github.com/chriscow/livekit-voice-assistant/pkg/job"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
	"github.com/chriscow/livekit-voice-assistant/pkg/voice"
)

// Speaker is the part of the pipeline a track consumer talks back through.
type Speaker interface {
	Say(ctx context.Context, text string, allowInterruptions bool) (*voice.SpeechHandle, error)
	Interrupt() bool
}

// consumeTrack transcribes track on its own STT stream and speaks every final
// transcript back. It returns when the track ends, the stream closes or ctx
// is done.
func consumeTrack(ctx context.Context, sp Speaker, recognizer stt.STT, track *job.AudioTrack, language string, logger *slog.Logger) error {
	logger = logger.With(slog.String("track", track.SID))

	stream, err := recognizer.NewStream(ctx, stt.StreamConfig{
		InterimResults: true,
		SampleRate:     track.SampleRate,
		NumChannels:    track.NumChannels,
		Language:       language,
	})
	if err != nil {
		return fmt.Errorf("open stt stream for track %s: %w", track.SID, err)
	}
	defer stream.Close()

	frames, unsubscribe := track.Frames()
	defer unsubscribe()

	feedCtx, stopFeed := context.WithCancel(ctx)
	var feeding sync.WaitGroup
	feeding.Add(1)
	go func() {
		defer feeding.Done()
		feed(feedCtx, frames, stream, logger)
	}()
	defer feeding.Wait()
	defer stopFeed()

	logger.Debug("consuming audio track")
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				logger.Debug("stt stream closed")
				return nil
			}
			handleSpeech(ctx, sp, ev, logger)
		}
	}
}

func handleSpeech(ctx context.Context, sp Speaker, ev stt.SpeechEvent, logger *slog.Logger) {
	switch ev.Type {
	case stt.SpeechEventInterim:
		if top, ok := ev.Top(); ok {
			logger.Debug("interim transcript", slog.String("text", top.Text))
		}
	case stt.SpeechEventFinal:
		top, ok := ev.Top()
		text := strings.TrimSpace(top.Text)
		if !ok || text == "" {
			return
		}
		if _, err := sp.Say(ctx, text, true); err != nil {
			logger.Warn("speaking transcript failed", slog.String("error", err.Error()))
		}
	case stt.SpeechEventStartOfSpeech:
		sp.Interrupt()
	case stt.SpeechEventEndOfSpeech:
		logger.Debug("end of speech")
	case stt.SpeechEventError:
		logger.Warn("stt stream error", slog.Any("error", ev.Error))
	}
}

// feed pushes track frames into stream until the track ends or ctx is done.
func feed(ctx context.Context, frames <-chan rtc.AudioFrame, stream stt.Stream, logger *slog.Logger) {
	var failures int
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				_ = stream.CloseSend()
				return
			}
			if err := stream.Push(f); err != nil {
				failures++
				if failures == 1 {
					logger.Warn("stt push failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}
