// Package metrics turns pipeline metrics events into logs, a per-session
// usage summary, Prometheus instruments and an optional Redis record.
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/agent"
)

// UsageSummary totals what a session consumed.
type UsageSummary struct {
	LLMPromptTokens     int
	LLMCompletionTokens int
	LLMRequests         int
	LLMErrors           int
	TTSCharacters       int
	TTSAudioDuration    time.Duration
	STTAudioDuration    time.Duration
	EOUCount            int
	Interruptions       int
}

// Fields renders the summary for storage backends that want flat values.
func (s UsageSummary) Fields() map[string]any {
	return map[string]any{
		"llm_prompt_tokens":      s.LLMPromptTokens,
		"llm_completion_tokens":  s.LLMCompletionTokens,
		"llm_requests":           s.LLMRequests,
		"llm_errors":             s.LLMErrors,
		"tts_characters":         s.TTSCharacters,
		"tts_audio_seconds":      s.TTSAudioDuration.Seconds(),
		"stt_audio_seconds":      s.STTAudioDuration.Seconds(),
		"end_of_utterance_count": s.EOUCount,
		"interruptions":          s.Interruptions,
	}
}

// UsageCollector accumulates metrics events. It is safe for concurrent use.
type UsageCollector struct {
	mu      sync.Mutex
	summary UsageSummary
}

func NewUsageCollector() *UsageCollector {
	return &UsageCollector{}
}

// Collect adds one metrics event to the running totals.
func (c *UsageCollector) Collect(ev *agent.MetricsCollected) {
	if ev == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m := ev.Metrics.(type) {
	case agent.LLMMetrics:
		c.summary.LLMRequests++
		if m.Error {
			c.summary.LLMErrors++
		}
		c.summary.LLMPromptTokens += m.PromptTokens
		c.summary.LLMCompletionTokens += m.CompletionTokens
	case agent.TTSMetrics:
		c.summary.TTSCharacters += m.Characters
		c.summary.TTSAudioDuration += m.AudioDuration
		if m.Interrupted {
			c.summary.Interruptions++
		}
	case agent.STTMetrics:
		c.summary.STTAudioDuration += m.AudioDuration
	case agent.EOUMetrics:
		c.summary.EOUCount++
	}
}

// Summary returns the totals so far.
func (c *UsageCollector) Summary() UsageSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Log writes one metrics event to logger.
func Log(logger *slog.Logger, ev *agent.MetricsCollected) {
	if ev == nil || ev.Metrics == nil {
		return
	}
	switch m := ev.Metrics.(type) {
	case agent.LLMMetrics:
		logger.Info("llm metrics",
			slog.Duration("duration", m.Duration),
			slog.Int("prompt_tokens", m.PromptTokens),
			slog.Int("completion_tokens", m.CompletionTokens),
			slog.Bool("error", m.Error))
	case agent.TTSMetrics:
		logger.Info("tts metrics",
			slog.String("speech_id", m.SpeechID),
			slog.Duration("ttfb", m.TTFB),
			slog.Duration("audio_duration", m.AudioDuration),
			slog.Int("characters", m.Characters),
			slog.Bool("interrupted", m.Interrupted))
	case agent.STTMetrics:
		logger.Info("stt metrics", slog.Duration("audio_duration", m.AudioDuration))
	case agent.EOUMetrics:
		logger.Info("eou metrics",
			slog.Duration("end_of_utterance_delay", m.Delay),
			slog.Float64("probability", m.Probability),
			slog.Float64("threshold", m.Threshold))
	default:
		logger.Info("metrics", slog.String("kind", m.Kind()))
	}
}

// LogSummary writes the session totals to logger.
func LogSummary(logger *slog.Logger, s UsageSummary) {
	logger.Info("usage summary",
		slog.Int("llm_prompt_tokens", s.LLMPromptTokens),
		slog.Int("llm_completion_tokens", s.LLMCompletionTokens),
		slog.Int("llm_requests", s.LLMRequests),
		slog.Int("tts_characters", s.TTSCharacters),
		slog.Duration("tts_audio_duration", s.TTSAudioDuration),
		slog.Duration("stt_audio_duration", s.STTAudioDuration),
		slog.Int("end_of_utterance_count", s.EOUCount),
		slog.Int("interruptions", s.Interruptions))
}
