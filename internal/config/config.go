// Package config loads runtime settings for the voice assistant from the
// environment, optionally seeded from a .env.local file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is loaded before the environment is read. Variables already
// set in the process environment win over the file.
const DefaultEnvFile = ".env.local"

const (
	DefaultSystemPrompt = "You are a voice assistant created by LiveKit. Your interface with users is voice. " +
		"Reply in the language the user speaks, English or Arabic. " +
		"Use short and clear responses, and avoid punctuation that cannot be pronounced. " +
		"You were created as a demo of the capabilities of the LiveKit agents framework."
	DefaultGreeting = "Hey, how can I help you today?"
)

// Config contains all runtime settings for the voice assistant worker.
type Config struct {
	AgentName string

	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string

	// DispatchURL is the websocket endpoint the worker registers with.
	DispatchURL string
	WorkerToken string
	JobTimeout  time.Duration

	LLMProvider    string
	LLMModel       string
	TogetherAPIKey string
	OpenAIAPIKey   string

	TTSProvider               string
	ElevenLabsAPIKey          string
	ElevenLabsWSBaseURL       string
	ElevenLabsVoiceID         string
	ElevenLabsModel           string
	ElevenLabsOptimizeLatency bool
	CartesiaAPIKey            string
	CartesiaVoiceID           string
	CartesiaModel             string

	STTProvider       string
	DeepgramAPIKey    string
	DeepgramWSBaseURL string
	DeepgramModel     string
	STTLanguage       string

	TurnModel     string
	TurnRemoteURL string
	ModelPath     string

	MinEndpointingDelay    time.Duration
	MaxEndpointingDelay    time.Duration
	ParticipantWaitTimeout time.Duration
	KeepAliveInterval      time.Duration
	EchoTracks             bool
	DispatchMaxInFlight    int

	SystemPrompt string
	Greeting     string

	DatabaseURL      string
	RedisURL         string
	UsageTTL         time.Duration
	MetricsAddr      string
	MetricsNamespace string
}

// LoadEnvFile loads path into the process environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads environment variables and applies defaults. Provider secrets are
// read but not required here: they are checked when a session builds its pipeline.
func Load() (Config, error) {
	cfg := Config{
		AgentName:        envOrDefault("AGENT_NAME", "voice-agent"),
		LiveKitURL:       stringsTrimSpace("LIVEKIT_URL"),
		LiveKitAPIKey:    stringsTrimSpace("LIVEKIT_API_KEY"),
		LiveKitAPISecret: stringsTrimSpace("LIVEKIT_API_SECRET"),

		DispatchURL: stringsTrimSpace("LIVEKIT_DISPATCH_URL"),
		WorkerToken: stringsTrimSpace("LIVEKIT_WORKER_TOKEN"),
		JobTimeout:  0,

		LLMProvider:    envOrDefault("LLM_PROVIDER", "together"),
		LLMModel:       envOrDefault("LLM_MODEL", "meta-llama/Meta-Llama-3.1-8B-Instruct-Turbo-128K"),
		TogetherAPIKey: stringsTrimSpace("TOGETHER_API_KEY"),
		OpenAIAPIKey:   stringsTrimSpace("OPENAI_API_KEY"),

		TTSProvider:               envOrDefault("TTS_PROVIDER", "elevenlabs"),
		ElevenLabsAPIKey:          stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:       envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsVoiceID:         envOrDefault("ELEVENLABS_VOICE_ID", "EXAVITQu4vr4xnSDxMaL"),
		ElevenLabsModel:           envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsOptimizeLatency: true,
		CartesiaAPIKey:            stringsTrimSpace("CARTESIA_API_KEY"),
		CartesiaVoiceID:           envOrDefault("CARTESIA_VOICE_ID", "79a125e8-cd45-4c13-8a67-188112f4dd22"),
		CartesiaModel:             envOrDefault("CARTESIA_MODEL", "sonic-english"),

		STTProvider:       envOrDefault("STT_PROVIDER", "deepgram"),
		DeepgramAPIKey:    stringsTrimSpace("DEEPGRAM_API_KEY"),
		DeepgramWSBaseURL: envOrDefault("DEEPGRAM_WS_BASE_URL", "wss://api.deepgram.com"),
		DeepgramModel:     envOrDefault("DEEPGRAM_MODEL", "nova-2"),
		STTLanguage:       envOrDefault("STT_LANGUAGE", "en-US"),

		TurnModel:     envOrDefault("TURN_MODEL", "multilingual"),
		TurnRemoteURL: stringsTrimSpace("LIVEKIT_REMOTE_EOT_URL"),
		ModelPath:     stringsTrimSpace("LK_MODEL_PATH"),

		MinEndpointingDelay:    time.Second,
		MaxEndpointingDelay:    3 * time.Second,
		ParticipantWaitTimeout: 0,
		KeepAliveInterval:      30 * time.Second,
		EchoTracks:             true,
		DispatchMaxInFlight:    64,

		SystemPrompt: envOrDefault("ASSISTANT_SYSTEM_PROMPT", DefaultSystemPrompt),
		Greeting:     envOrDefault("ASSISTANT_GREETING", DefaultGreeting),

		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		RedisURL:         stringsTrimSpace("REDIS_URL"),
		UsageTTL:         24 * time.Hour,
		MetricsAddr:      stringsTrimSpace("METRICS_ADDR"),
		MetricsNamespace: envOrDefault("METRICS_NAMESPACE", "voice_assistant"),
	}

	var err error
	if cfg.MinEndpointingDelay, err = durationFromEnv("MIN_ENDPOINTING_DELAY", cfg.MinEndpointingDelay); err != nil {
		return Config{}, err
	}
	if cfg.MaxEndpointingDelay, err = durationFromEnv("MAX_ENDPOINTING_DELAY", cfg.MaxEndpointingDelay); err != nil {
		return Config{}, err
	}
	if cfg.ParticipantWaitTimeout, err = durationFromEnv("PARTICIPANT_WAIT_TIMEOUT", cfg.ParticipantWaitTimeout); err != nil {
		return Config{}, err
	}
	if cfg.KeepAliveInterval, err = durationFromEnv("KEEPALIVE_INTERVAL", cfg.KeepAliveInterval); err != nil {
		return Config{}, err
	}
	if cfg.JobTimeout, err = durationFromEnv("JOB_TIMEOUT", cfg.JobTimeout); err != nil {
		return Config{}, err
	}
	if cfg.UsageTTL, err = durationFromEnv("USAGE_TTL", cfg.UsageTTL); err != nil {
		return Config{}, err
	}
	if cfg.EchoTracks, err = boolFromEnv("ECHO_TRACKS", cfg.EchoTracks); err != nil {
		return Config{}, err
	}
	if cfg.ElevenLabsOptimizeLatency, err = boolFromEnv("ELEVENLABS_OPTIMIZE_LATENCY", cfg.ElevenLabsOptimizeLatency); err != nil {
		return Config{}, err
	}
	if cfg.DispatchMaxInFlight, err = intFromEnv("DISPATCH_MAX_INFLIGHT", cfg.DispatchMaxInFlight); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports parse errors and inconsistent settings.
func (c Config) Validate() error {
	if c.MinEndpointingDelay <= 0 {
		return fmt.Errorf("MIN_ENDPOINTING_DELAY must be positive")
	}
	if c.MinEndpointingDelay > c.MaxEndpointingDelay {
		return fmt.Errorf("MIN_ENDPOINTING_DELAY (%s) must not exceed MAX_ENDPOINTING_DELAY (%s)",
			c.MinEndpointingDelay, c.MaxEndpointingDelay)
	}
	if c.ParticipantWaitTimeout < 0 {
		return fmt.Errorf("PARTICIPANT_WAIT_TIMEOUT must be >= 0")
	}
	if c.KeepAliveInterval <= 0 {
		return fmt.Errorf("KEEPALIVE_INTERVAL must be positive")
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("JOB_TIMEOUT must be >= 0")
	}
	if c.DispatchMaxInFlight <= 0 {
		return fmt.Errorf("DISPATCH_MAX_INFLIGHT must be positive")
	}
	return nil
}

// LLMOptions returns the plugin configuration for the selected LLM provider.
func (c Config) LLMOptions() map[string]any {
	opts := map[string]any{"model": c.LLMModel}
	switch c.LLMProvider {
	case "together":
		opts["api_key"] = c.TogetherAPIKey
	case "openai":
		opts["api_key"] = c.OpenAIAPIKey
	}
	return opts
}

// TTSOptions returns the plugin configuration for the selected TTS provider.
func (c Config) TTSOptions() map[string]any {
	switch c.TTSProvider {
	case "elevenlabs":
		return map[string]any{
			"api_key":          c.ElevenLabsAPIKey,
			"base_url":         c.ElevenLabsWSBaseURL,
			"voice_id":         c.ElevenLabsVoiceID,
			"model_id":         c.ElevenLabsModel,
			"optimize_latency": c.ElevenLabsOptimizeLatency,
		}
	case "cartesia":
		return map[string]any{
			"api_key":  c.CartesiaAPIKey,
			"voice_id": c.CartesiaVoiceID,
			"model_id": c.CartesiaModel,
		}
	case "openai":
		return map[string]any{"api_key": c.OpenAIAPIKey}
	default:
		return map[string]any{}
	}
}

// STTOptions returns the plugin configuration for the selected STT provider.
func (c Config) STTOptions() map[string]any {
	if c.STTProvider == "deepgram" {
		return map[string]any{
			"api_key":  c.DeepgramAPIKey,
			"base_url": c.DeepgramWSBaseURL,
			"model":    c.DeepgramModel,
			"language": c.STTLanguage,
		}
	}
	return map[string]any{"language": c.STTLanguage}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are seconds.
		secs, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return 0, fmt.Errorf("%s parse error: %w", key, err)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
