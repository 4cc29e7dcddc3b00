package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chriscow/livekit-voice-assistant/pkg/agent"
)

// DefaultNamespace prefixes every instrument name.
const DefaultNamespace = "voice_assistant"

// Instruments groups the Prometheus instruments of a worker process.
type Instruments struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	LLMTokens      *prometheus.CounterVec
	TTSCharacters  prometheus.Counter
	AudioSeconds   *prometheus.CounterVec
	LLMLatency     prometheus.Histogram
	TTSFirstByte   prometheus.Histogram
	EOUDelay       prometheus.Histogram
	Interruptions  prometheus.Counter
	TasksDropped   prometheus.Counter
}

// NewInstruments registers the instruments on reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func NewInstruments(reg prometheus.Registerer, namespace string) *Instruments {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)
	latencyBuckets := []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000}
	return &Instruments{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently running.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Pipeline events by type.",
		}, []string{"event"}),
		LLMTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "LLM tokens by direction.",
		}, []string{"direction"}),
		TTSCharacters: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_characters_total",
			Help:      "Characters sent to speech synthesis.",
		}),
		AudioSeconds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_seconds_total",
			Help:      "Seconds of audio by stage (stt input, tts output).",
		}, []string{"stage"}),
		LLMLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_ms",
			Help:      "LLM completion latency in milliseconds.",
			Buckets:   latencyBuckets,
		}),
		TTSFirstByte: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tts_first_audio_latency_ms",
			Help:      "Latency to the first synthesized audio frame in milliseconds.",
			Buckets:   latencyBuckets,
		}),
		EOUDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "end_of_utterance_delay_ms",
			Help:      "Delay from end of user speech to the turn being committed, in milliseconds.",
			Buckets:   latencyBuckets,
		}),
		Interruptions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Assistant utterances cut off by the user.",
		}),
		TasksDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Background tasks dropped because the dispatcher was saturated.",
		}),
	}
}

// Observe records one pipeline event.
func (in *Instruments) Observe(ev agent.Event) {
	switch e := ev.(type) {
	case *agent.SpeechTranscribed:
		if e.IsFinal {
			in.SessionEvents.WithLabelValues("stt_final").Inc()
		} else {
			in.SessionEvents.WithLabelValues("stt_interim").Inc()
		}
	case *agent.TranscriptReceived:
		in.SessionEvents.WithLabelValues("transcript").Inc()
	case *agent.ResponseReceived:
		in.SessionEvents.WithLabelValues("response").Inc()
	case *agent.MetricsCollected:
		in.SessionEvents.WithLabelValues("metrics_" + e.Metrics.Kind()).Inc()
		in.observeMetrics(e.Metrics)
	}
}

func (in *Instruments) observeMetrics(m agent.Metrics) {
	switch m := m.(type) {
	case agent.LLMMetrics:
		in.LLMTokens.WithLabelValues("prompt").Add(float64(m.PromptTokens))
		in.LLMTokens.WithLabelValues("completion").Add(float64(m.CompletionTokens))
		in.LLMLatency.Observe(millis(m.Duration))
	case agent.TTSMetrics:
		in.TTSCharacters.Add(float64(m.Characters))
		in.AudioSeconds.WithLabelValues("tts").Add(m.AudioDuration.Seconds())
		if m.TTFB > 0 {
			in.TTSFirstByte.Observe(millis(m.TTFB))
		}
		if m.Interrupted {
			in.Interruptions.Inc()
		}
	case agent.STTMetrics:
		in.AudioSeconds.WithLabelValues("stt").Add(m.AudioDuration.Seconds())
	case agent.EOUMetrics:
		in.EOUDelay.Observe(millis(m.Delay))
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Handler serves the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
