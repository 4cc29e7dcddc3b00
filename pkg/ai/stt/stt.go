// Package stt provides interfaces and types for speech-to-text providers.
// A provider opens streams; a stream accepts 10 ms audio frames and emits
// speech events carrying ranked transcript alternatives.
package stt

import (
	"context"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

var (
	// ErrRecoverable indicates a temporary STT failure that may succeed if retried.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent STT failure that will not succeed if retried.
	ErrFatal = ai.ErrFatal
)

// StreamConfig contains configuration for STT streams.
type StreamConfig struct {
	Model          string // provider model identifier, empty for the provider default
	InterimResults bool
	SampleRate     int
	NumChannels    int
	Language       string
}

// SpeechEventType represents the type of speech recognition event.
type SpeechEventType int

const (
	// SpeechEventStartOfSpeech is emitted when the provider detects the user started talking.
	SpeechEventStartOfSpeech SpeechEventType = iota
	// SpeechEventInterim carries partial transcription results that may change.
	SpeechEventInterim
	// SpeechEventFinal carries transcription results that won't change.
	SpeechEventFinal
	// SpeechEventEndOfSpeech is emitted when the provider considers the utterance over.
	SpeechEventEndOfSpeech
	// SpeechEventError carries a stream error. The stream may keep running.
	SpeechEventError
)

func (t SpeechEventType) String() string {
	switch t {
	case SpeechEventStartOfSpeech:
		return "start_of_speech"
	case SpeechEventInterim:
		return "interim_transcript"
	case SpeechEventFinal:
		return "final_transcript"
	case SpeechEventEndOfSpeech:
		return "end_of_speech"
	case SpeechEventError:
		return "error"
	default:
		return "unknown"
	}
}

// SpeechData is one ranked transcript alternative.
type SpeechData struct {
	Text       string
	Confidence float64
	Language   string
	StartTime  time.Duration
	EndTime    time.Duration
}

// SpeechEvent represents a speech recognition event.
type SpeechEvent struct {
	Type         SpeechEventType
	Alternatives []SpeechData // best first; empty for start/end of speech
	Timestamp    time.Time
	Error        error // only set for SpeechEventError
}

// Top returns the best alternative, if any.
func (e SpeechEvent) Top() (SpeechData, bool) {
	if len(e.Alternatives) == 0 {
		return SpeechData{}, false
	}
	return e.Alternatives[0], true
}

// Capabilities describes the capabilities of an STT provider.
type Capabilities struct {
	Streaming          bool
	InterimResults     bool
	SupportedLanguages []string
	SampleRates        []int
}

// STT is the main interface for speech-to-text providers.
type STT interface {
	// NewStream creates a new streaming STT session. The caller owns the
	// returned stream and must Close it.
	NewStream(ctx context.Context, cfg StreamConfig) (Stream, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}

// Stream represents an active STT streaming session.
type Stream interface {
	// Push sends an audio frame for processing.
	Push(frame rtc.AudioFrame) error

	// Events returns a channel of speech events. It is closed once the stream
	// has fully shut down.
	Events() <-chan SpeechEvent

	// CloseSend signals that no more audio will be sent and flushes pending results.
	CloseSend() error

	// Close releases the underlying connection. Safe to call more than once.
	Close() error
}
