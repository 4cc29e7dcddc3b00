// Package turn predicts whether a user has finished their turn from the
// recent conversation text.
package turn

import (
	"context"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/llm"
)

// Detector interface for end-of-utterance (EOU) detection.
type Detector interface {
	// UnlikelyThreshold returns the language-specific threshold for EOU detection.
	// Returns the threshold value (0-1) or an error if language is unsupported.
	UnlikelyThreshold(language string) (float64, error)

	// SupportsLanguage returns true if the detector has a tuned threshold for this language.
	SupportsLanguage(language string) bool

	// PredictEndOfTurn returns probability (0–1) that the user has finished speaking
	// given recent chat context.
	PredictEndOfTurn(ctx context.Context, chatCtx ChatContext) (float64, error)
}

// ChatContext is the conversation history handed to a detector.
type ChatContext struct {
	Messages []llm.Message
	Language string // Language hint for detection optimization
}
