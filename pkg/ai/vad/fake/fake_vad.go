package fake

import (
	"context"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/vad"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

const (
	// DefaultThreshold is the RMS level above which a frame counts as speech.
	DefaultThreshold = 0.02
	// StartFrames is the number of loud frames needed to start speech.
	StartFrames = 3
	// EndFrames is the number of quiet frames needed to end speech.
	EndFrames = 10
)

// FakeVAD is a deterministic energy-based VAD for tests.
type FakeVAD struct {
	threshold float64
}

// NewFakeVAD creates a fake VAD that treats frames louder than threshold as speech.
func NewFakeVAD(threshold float64) *FakeVAD {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &FakeVAD{threshold: threshold}
}

// Detect emits speech start/end events with simple frame-count hysteresis.
func (f *FakeVAD) Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan vad.Event, error) {
	output := make(chan vad.Event, 10)

	go func() {
		defer close(output)

		var speaking bool
		var loud, quiet int
		var started time.Time

		emit := func(ev vad.Event) bool {
			select {
			case output <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					if speaking {
						emit(vad.Event{Type: vad.EventSpeechEnd, Timestamp: time.Now(), Duration: time.Since(started)})
					}
					return
				}

				level := rtc.RMS(frame)
				if level > f.threshold {
					loud++
					quiet = 0
				} else {
					quiet++
					loud = 0
				}

				switch {
				case !speaking && loud >= StartFrames:
					speaking = true
					started = time.Now()
					if !emit(vad.Event{Type: vad.EventSpeechStart, Timestamp: started, Probability: float32(level)}) {
						return
					}
				case speaking && quiet >= EndFrames:
					speaking = false
					if !emit(vad.Event{Type: vad.EventSpeechEnd, Timestamp: time.Now(), Duration: time.Since(started)}) {
						return
					}
				}
			}
		}
	}()

	return output, nil
}

// Capabilities returns the fake VAD capabilities.
func (f *FakeVAD) Capabilities() vad.Capabilities {
	return vad.Capabilities{
		SampleRates:        []int{16000, 48000},
		MinSpeechDuration:  StartFrames * rtc.FrameDuration,
		MinSilenceDuration: EndFrames * rtc.FrameDuration,
		Threshold:          float32(f.threshold),
	}
}
