package vad

import (
	"context"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

var (
	// ErrRecoverable indicates a temporary VAD failure that may succeed if retried.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent VAD failure that will not succeed if retried.
	ErrFatal = ai.ErrFatal
)

// EventType represents the type of VAD event.
type EventType int

const (
	EventSpeechStart EventType = iota
	EventSpeechEnd
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "error"
	}
}

// Event represents a voice activity detection event.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	Probability float32       // speech probability of the frame that triggered the event
	Duration    time.Duration // speech duration, set on EventSpeechEnd
	Error       error
}

// Capabilities describes the capabilities of a VAD provider.
type Capabilities struct {
	SampleRates        []int
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
	Threshold          float32 // activation threshold, 0.0 to 1.0
}

// VAD is the main interface for voice activity detection providers.
//
// A loaded VAD is shared read-only across every session of a worker process:
// per-stream state lives in the goroutine started by Detect, never in the VAD.
type VAD interface {
	// Detect processes audio frames and returns VAD events. The returned
	// channel is closed when frames is closed or ctx is cancelled.
	Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan Event, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}
