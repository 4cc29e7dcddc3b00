package voice

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrInterrupted is the result of a speech that was cut off before it finished.
var ErrInterrupted = errors.New("speech interrupted")

// SpeechHandle tracks one queued utterance from Say to the end of playout.
type SpeechHandle struct {
	id                 string
	text               string
	allowInterruptions bool

	interruptOnce sync.Once
	interrupted   chan struct{}

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

// NewSpeechHandle creates a handle for text in the queued state.
func NewSpeechHandle(text string, allowInterruptions bool) *SpeechHandle {
	return &SpeechHandle{
		id:                 "SH_" + uuid.NewString()[:12],
		text:               text,
		allowInterruptions: allowInterruptions,
		interrupted:        make(chan struct{}),
		done:               make(chan struct{}),
	}
}

func (h *SpeechHandle) ID() string               { return h.id }
func (h *SpeechHandle) Text() string             { return h.text }
func (h *SpeechHandle) AllowInterruptions() bool { return h.allowInterruptions }

// Interrupt asks playout to stop. It returns false, and does nothing, for
// speech that disallows interruptions or has already finished.
func (h *SpeechHandle) Interrupt() bool {
	if !h.allowInterruptions || h.IsDone() {
		return false
	}
	h.interruptOnce.Do(func() { close(h.interrupted) })
	return true
}

// Interrupted is closed once Interrupt succeeds.
func (h *SpeechHandle) Interrupted() <-chan struct{} {
	return h.interrupted
}

// IsInterrupted reports whether Interrupt succeeded.
func (h *SpeechHandle) IsInterrupted() bool {
	select {
	case <-h.interrupted:
		return true
	default:
		return false
	}
}

// Finish marks playout complete with err (nil on success). Only the first
// call has an effect.
func (h *SpeechHandle) Finish(err error) {
	h.doneOnce.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed when playout ends for any reason.
func (h *SpeechHandle) Done() <-chan struct{} {
	return h.done
}

// IsDone reports whether Finish was called.
func (h *SpeechHandle) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until playout ends and returns its result, or ctx's error.
func (h *SpeechHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
