// Package fake provides a scripted turn detector for tests.
package fake

import (
	"context"
	"sync"

	"github.com/chriscow/livekit-voice-assistant/pkg/turn"
)

// FakeTurnDetector returns fixed values and records every prediction request.
type FakeTurnDetector struct {
	probability float64
	threshold   float64
	err         error

	mu    sync.Mutex
	calls []turn.ChatContext
}

var _ turn.Detector = (*FakeTurnDetector)(nil)

// NewFakeTurnDetector creates a detector that always predicts end of turn.
func NewFakeTurnDetector() *FakeTurnDetector {
	return &FakeTurnDetector{
		probability: 0.85,
		threshold:   0.85,
	}
}

// NewFakeTurnDetectorWithValues creates a fake detector with specific values.
func NewFakeTurnDetectorWithValues(probability, threshold float64) *FakeTurnDetector {
	return &FakeTurnDetector{
		probability: probability,
		threshold:   threshold,
	}
}

// FailWith makes PredictEndOfTurn return err.
func (f *FakeTurnDetector) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *FakeTurnDetector) UnlikelyThreshold(language string) (float64, error) {
	return f.threshold, nil
}

func (f *FakeTurnDetector) SupportsLanguage(language string) bool {
	return true
}

func (f *FakeTurnDetector) PredictEndOfTurn(ctx context.Context, chatCtx turn.ChatContext) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, chatCtx)
	if f.err != nil {
		return 0, f.err
	}
	return f.probability, nil
}

// Calls returns the chat contexts passed to PredictEndOfTurn.
func (f *FakeTurnDetector) Calls() []turn.ChatContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]turn.ChatContext(nil), f.calls...)
}
