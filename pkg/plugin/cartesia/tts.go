// Package cartesia implements text-to-speech with Cartesia's /tts/bytes
// endpoint, streaming the raw PCM response body.
package cartesia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/tts"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

const (
	DefaultBaseURL = "https://api.cartesia.ai"
	DefaultModel   = "sonic-english"
	DefaultVoiceID = "79a125e8-cd45-4c13-8a67-188112f4dd22"
	APIVersion     = "2024-06-10"

	SampleRate = 24000
)

// Config configures the Cartesia client.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	VoiceID  string
	Language string
	Client   *http.Client
	Logger   *slog.Logger
}

// TTS implements tts.TTS.
type TTS struct {
	cfg    Config
	logger *slog.Logger
}

var _ tts.TTS = (*TTS)(nil)

// New validates cfg.
func New(cfg Config) (*TTS, error) {
	if cfg.APIKey == "" {
		return nil, ai.MissingCredential("cartesia", "CARTESIA_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultVoiceID
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TTS{cfg: cfg, logger: cfg.Logger.With(slog.String("provider", "cartesia"))}, nil
}

func (c *TTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		Streaming:          true,
		SupportedLanguages: []string{"en", "es", "fr", "de", "pt", "zh", "ja"},
		SampleRate:         SampleRate,
		NumChannels:        1,
	}
}

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type request struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceSpec    `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
	Language     string       `json:"language,omitempty"`
}

// Synthesize posts the text and streams the PCM body as 10 ms frames.
func (c *TTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (<-chan rtc.AudioFrame, error) {
	voiceID := req.Voice
	if voiceID == "" {
		voiceID = c.cfg.VoiceID
	}
	lang := req.Language
	if lang == "" {
		lang = c.cfg.Language
	}

	body, err := json.Marshal(request{
		ModelID:    c.cfg.Model,
		Transcript: req.Text,
		Voice:      voiceSpec{Mode: "id", ID: voiceID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: SampleRate,
		},
		Language: lang,
	})
	if err != nil {
		return nil, fmt.Errorf("cartesia: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cartesia: %w", err)
	}
	httpReq.Header.Set("X-API-Key", c.cfg.APIKey)
	httpReq.Header.Set("Cartesia-Version", APIVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.Client.Do(httpReq)
	if err != nil {
		return nil, ai.NewRecoverableError(err, "cartesia request")
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, ai.ClassifyHTTPStatus(resp.StatusCode, "cartesia: "+strings.TrimSpace(string(msg)))
	}

	frames := make(chan rtc.AudioFrame, 32)
	go func() {
		defer close(frames)
		defer resp.Body.Close()
		if err := rtc.StreamPCM(ctx, resp.Body, SampleRate, frames); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("Cartesia stream ended early", slog.Any("error", err))
		}
	}()
	return frames, nil
}
