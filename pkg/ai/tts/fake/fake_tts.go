package fake

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/tts"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

// SampleRate of the frames FakeTTS produces.
const SampleRate = 24000

// FakeTTS is a fake TTS implementation for testing. It renders one 10 ms
// frame of a 440 Hz tone per character of input.
type FakeTTS struct {
	mu       sync.Mutex
	requests []tts.SynthesizeRequest
	pace     time.Duration
	hold     bool
	err      error
}

// NewFakeTTS creates a new fake TTS provider.
func NewFakeTTS() *FakeTTS {
	return &FakeTTS{}
}

// WithPace sleeps d between frames to simulate real-time synthesis.
func (f *FakeTTS) WithPace(d time.Duration) *FakeTTS {
	f.pace = d
	return f
}

// Hold keeps every synthesis open after its last frame until ctx is cancelled.
func (f *FakeTTS) Hold() *FakeTTS {
	f.hold = true
	return f
}

// FailWith makes Synthesize return err.
func (f *FakeTTS) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Requests returns every request seen so far.
func (f *FakeTTS) Requests() []tts.SynthesizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tts.SynthesizeRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// Synthesize generates sine wave frames for the given text.
func (f *FakeTTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (<-chan rtc.AudioFrame, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	output := make(chan rtc.AudioFrame, 10)
	go func() {
		defer close(output)

		samplesPerChannel := SampleRate / 100
		for i := 0; i < len(req.Text); i++ {
			samples := make([]int16, samplesPerChannel)
			for j := range samples {
				n := i*samplesPerChannel + j
				samples[j] = int16(0.3 * 32767 * math.Sin(2*math.Pi*440*float64(n)/SampleRate))
			}
			frame := rtc.AudioFrame{
				Data:              rtc.SamplesToBytes(samples),
				SampleRate:        SampleRate,
				SamplesPerChannel: samplesPerChannel,
				NumChannels:       1,
				Timestamp:         time.Duration(i) * rtc.FrameDuration,
			}

			select {
			case output <- frame:
			case <-ctx.Done():
				return
			}
			if f.pace > 0 {
				select {
				case <-time.After(f.pace):
				case <-ctx.Done():
					return
				}
			}
		}
		if f.hold {
			<-ctx.Done()
		}
	}()

	return output, nil
}

// Capabilities returns the fake TTS capabilities.
func (f *FakeTTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		Streaming:          true,
		SupportedLanguages: []string{"en-US", "ar"},
		SampleRate:         SampleRate,
		NumChannels:        1,
	}
}
