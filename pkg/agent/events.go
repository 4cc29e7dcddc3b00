package agent

import (
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/llm"
)

// Event is one of *MetricsCollected, *SpeechTranscribed, *TranscriptReceived
// or *ResponseReceived.
type Event interface {
	isEvent()
}

// Subscriber receives pipeline events. HandleEvent is called from pipeline
// goroutines and must return quickly; hand slow work to another goroutine.
type Subscriber interface {
	HandleEvent(Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(Event)

func (f SubscriberFunc) HandleEvent(ev Event) { f(ev) }

// SpeechTranscribed is emitted for every non-empty interim and final
// result of the pipeline's recognizer, before endpointing.
type SpeechTranscribed struct {
	Text       string
	Language   string
	IsFinal    bool
	Confidence float64
	Timestamp  time.Time
}

// TranscriptReceived is emitted when a user turn is committed to the chat context.
type TranscriptReceived struct {
	Text        string
	Language    string
	Participant string
	Timestamp   time.Time
}

// ResponseReceived is emitted when the LLM has answered a user turn.
type ResponseReceived struct {
	Text      string
	Usage     llm.Usage
	Duration  time.Duration
	Timestamp time.Time
}

// MetricsCollected carries one usage measurement.
type MetricsCollected struct {
	Metrics Metrics
}

func (*SpeechTranscribed) isEvent()  {}
func (*TranscriptReceived) isEvent() {}
func (*ResponseReceived) isEvent()   {}
func (*MetricsCollected) isEvent()   {}

// Metrics is one of STTMetrics, LLMMetrics, TTSMetrics or EOUMetrics.
type Metrics interface {
	Kind() string
}

// STTMetrics reports audio sent to the recognizer since the previous final transcript.
type STTMetrics struct {
	Timestamp     time.Time
	AudioDuration time.Duration
}

// LLMMetrics reports one completion.
type LLMMetrics struct {
	Timestamp        time.Time
	Duration         time.Duration
	PromptTokens     int
	CompletionTokens int
	Error            bool
}

// TTSMetrics reports one synthesized utterance.
type TTSMetrics struct {
	Timestamp     time.Time
	SpeechID      string
	Characters    int
	AudioDuration time.Duration
	TTFB          time.Duration
	Duration      time.Duration
	Interrupted   bool
}

// EOUMetrics reports one end-of-utterance decision.
type EOUMetrics struct {
	Timestamp time.Time
	// Delay runs from the end of user speech to the turn being committed.
	Delay       time.Duration
	Probability float64
	Threshold   float64
}

func (STTMetrics) Kind() string { return "stt" }
func (LLMMetrics) Kind() string { return "llm" }
func (TTSMetrics) Kind() string { return "tts" }
func (EOUMetrics) Kind() string { return "eou" }
