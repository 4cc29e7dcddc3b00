// Package tts provides interfaces for text-to-speech providers.
package tts

import (
	"context"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

var (
	// ErrRecoverable indicates a temporary TTS failure that may succeed if retried.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent TTS failure that will not succeed if retried.
	ErrFatal = ai.ErrFatal
)

// SynthesizeRequest contains parameters for text-to-speech synthesis.
type SynthesizeRequest struct {
	Text     string
	Voice    string // provider voice id, empty for the configured default
	Language string
	Speed    float32
}

// Capabilities describes the capabilities of a TTS provider.
type Capabilities struct {
	Streaming          bool
	SupportedLanguages []string
	SampleRate         int // rate of the frames Synthesize produces
	NumChannels        int
}

// TTS is the main interface for text-to-speech providers.
type TTS interface {
	// Synthesize converts text to audio frames. The returned channel is
	// closed when synthesis completes or ctx is cancelled; cancelling ctx is
	// how callers interrupt in-flight synthesis.
	Synthesize(ctx context.Context, req SynthesizeRequest) (<-chan rtc.AudioFrame, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}
