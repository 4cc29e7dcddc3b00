package fake

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/stt"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

const (
	// InterimResultFrameInterval controls how often interim results are sent
	InterimResultFrameInterval = 10
	// DefaultTranscript is used when no transcript is provided
	DefaultTranscript = "This is a fake transcript from the fake STT provider."
)

// ErrStreamClosed is returned by Push after Close or CloseSend.
var ErrStreamClosed = errors.New("stream is closed")

// FakeSTT is a fake STT implementation for testing.
//
// Streams from NewFakeSTT produce events on their own as audio is pushed.
// Streams from NewScriptedSTT stay silent and are driven with Emit.
type FakeSTT struct {
	mu         sync.Mutex
	transcript string
	auto       bool
	err        error
	streams    []*FakeStream
	opened     chan *FakeStream
}

// NewFakeSTT creates a provider whose streams transcribe everything as transcript.
func NewFakeSTT(transcript string) *FakeSTT {
	if transcript == "" {
		transcript = DefaultTranscript
	}
	return &FakeSTT{transcript: transcript, auto: true, opened: make(chan *FakeStream, 16)}
}

// NewScriptedSTT creates a provider whose streams only emit what tests Emit.
func NewScriptedSTT() *FakeSTT {
	return &FakeSTT{opened: make(chan *FakeStream, 16)}
}

// FailWith makes NewStream return err.
func (f *FakeSTT) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// NewStream creates a new fake STT stream.
func (f *FakeSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	s := &FakeStream{
		transcript: f.transcript,
		auto:       f.auto,
		language:   cfg.Language,
		events:     make(chan stt.SpeechEvent, 64),
	}
	f.streams = append(f.streams, s)
	select {
	case f.opened <- s:
	default:
	}
	return s, nil
}

// Opened delivers streams as they are created.
func (f *FakeSTT) Opened() <-chan *FakeStream {
	return f.opened
}

// Streams returns every stream opened so far.
func (f *FakeSTT) Streams() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeStream, len(f.streams))
	copy(out, f.streams)
	return out
}

// Capabilities returns the fake STT capabilities.
func (f *FakeSTT) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming:          true,
		InterimResults:     true,
		SupportedLanguages: []string{"en-US", "ar"},
		SampleRates:        []int{16000, 48000},
	}
}

// FakeStream is a fake STT stream implementation.
type FakeStream struct {
	transcript string
	auto       bool
	language   string

	mu         sync.Mutex
	events     chan stt.SpeechEvent
	pushed     int
	sendClosed bool
	closed     bool
	speaking   bool
}

// Push counts the frame and, in auto mode, emits start of speech and interims.
func (s *FakeStream) Push(frame rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sendClosed {
		return ErrStreamClosed
	}
	s.pushed++
	if !s.auto {
		return nil
	}

	if !s.speaking {
		s.speaking = true
		s.emitLocked(stt.SpeechEvent{Type: stt.SpeechEventStartOfSpeech, Timestamp: time.Now()})
	}
	if s.pushed%InterimResultFrameInterval == 0 {
		words := strings.Fields(s.transcript)
		n := min(len(words), s.pushed/InterimResultFrameInterval)
		s.emitLocked(s.transcriptEvent(stt.SpeechEventInterim, strings.Join(words[:n], " ")))
	}
	return nil
}

// Emit delivers ev to the consumer. It is a no-op once the stream is closed.
func (s *FakeStream) Emit(ev stt.SpeechEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(ev)
}

// EmitFinal is a shortcut for a final transcript with the given alternatives.
func (s *FakeStream) EmitFinal(alternatives ...string) {
	ev := stt.SpeechEvent{Type: stt.SpeechEventFinal, Timestamp: time.Now()}
	for i, text := range alternatives {
		ev.Alternatives = append(ev.Alternatives, stt.SpeechData{
			Text:       text,
			Confidence: 1 - float64(i)*0.1,
			Language:   s.language,
		})
	}
	s.Emit(ev)
}

// Events returns the events channel.
func (s *FakeStream) Events() <-chan stt.SpeechEvent {
	return s.events
}

// CloseSend flushes the final transcript in auto mode and ends the event stream.
func (s *FakeStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed || s.closed {
		return nil
	}
	s.sendClosed = true

	if s.auto && s.pushed > 0 {
		s.emitLocked(s.transcriptEvent(stt.SpeechEventFinal, s.transcript))
		s.emitLocked(stt.SpeechEvent{Type: stt.SpeechEventEndOfSpeech, Timestamp: time.Now()})
	}
	if !s.auto {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// Close releases the stream.
func (s *FakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// IsClosed reports whether Close (or an auto-mode CloseSend) ran.
func (s *FakeStream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pushed returns the number of frames received.
func (s *FakeStream) Pushed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushed
}

func (s *FakeStream) emitLocked(ev stt.SpeechEvent) {
	if s.closed {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.events <- ev
}

func (s *FakeStream) transcriptEvent(t stt.SpeechEventType, text string) stt.SpeechEvent {
	return stt.SpeechEvent{
		Type:      t,
		Timestamp: time.Now(),
		Alternatives: []stt.SpeechData{
			{Text: text, Confidence: 0.9, Language: s.language},
		},
	}
}
