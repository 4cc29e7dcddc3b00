// Package elevenlabs implements text-to-speech over the ElevenLabs
// stream-input websocket, requesting raw 24 kHz PCM.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/tts"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

const (
	DefaultBaseURL = "wss://api.elevenlabs.io"
	DefaultVoiceID = "EXAVITQu4vr4xnSDxMaL"
	DefaultModelID = "eleven_multilingual_v2"

	SampleRate   = 24000
	outputFormat = "pcm_24000"

	// streamingLatency is the optimize_streaming_latency level sent when
	// latency optimisation is on.
	streamingLatency = "3"
)

// VoiceSettings are sent with the first message of every synthesis.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// Config configures the ElevenLabs client.
type Config struct {
	APIKey          string
	BaseURL         string
	VoiceID         string
	ModelID         string
	OptimizeLatency bool
	Settings        VoiceSettings
	Logger          *slog.Logger
}

// TTS implements tts.TTS.
type TTS struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

var _ tts.TTS = (*TTS)(nil)

// New validates cfg. No connection is made until Synthesize.
func New(cfg Config) (*TTS, error) {
	if cfg.APIKey == "" {
		return nil, ai.MissingCredential("elevenlabs", "ELEVENLABS_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultVoiceID
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}
	if cfg.Settings.Stability <= 0 {
		cfg.Settings.Stability = 0.5
	}
	if cfg.Settings.SimilarityBoost <= 0 {
		cfg.Settings.SimilarityBoost = 0.75
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TTS{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: cfg.Logger.With(slog.String("provider", "elevenlabs")),
	}, nil
}

func (e *TTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		Streaming:          true,
		SupportedLanguages: []string{"en", "ar", "es", "fr", "de", "it", "pt", "pl", "hi", "ja", "zh"},
		SampleRate:         SampleRate,
		NumChannels:        1,
	}
}

func (e *TTS) streamURL(voiceID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(e.cfg.BaseURL, "/") +
		"/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", e.cfg.ModelID)
	q.Set("output_format", outputFormat)
	if e.cfg.OptimizeLatency {
		q.Set("optimize_streaming_latency", streamingLatency)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Synthesize opens one websocket per utterance, sends the text and streams
// the returned PCM as 10 ms frames. Cancelling ctx closes the socket.
func (e *TTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (<-chan rtc.AudioFrame, error) {
	voiceID := req.Voice
	if voiceID == "" {
		voiceID = e.cfg.VoiceID
	}
	target, err := e.streamURL(voiceID)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}

	headers := http.Header{}
	headers.Set("xi-api-key", e.cfg.APIKey)
	conn, resp, err := e.dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %w", ai.ClassifyHTTPStatus(resp.StatusCode, "elevenlabs handshake"), err)
		}
		return nil, ai.NewRecoverableError(err, "elevenlabs dial")
	}

	settings := e.cfg.Settings
	if req.Speed > 0 {
		settings.Speed = float64(req.Speed)
	}
	msgs := []any{
		map[string]any{"text": " ", "voice_settings": settings},
		map[string]any{"text": req.Text + " ", "try_trigger_generation": true},
		map[string]any{"text": ""},
	}
	for _, m := range msgs {
		if err := conn.WriteJSON(m); err != nil {
			conn.Close()
			return nil, ai.NewRecoverableError(err, "elevenlabs write")
		}
	}

	frames := make(chan rtc.AudioFrame, 32)
	go e.receive(ctx, conn, frames)
	return frames, nil
}

type audioMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *TTS) receive(ctx context.Context, conn *websocket.Conn, out chan<- rtc.AudioFrame) {
	defer close(out)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	bs := rtc.NewByteStream(SampleRate, 1)
	send := func(frames []rtc.AudioFrame) bool {
		for _, f := range frames {
			select {
			case out <- f:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for {
		var msg audioMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				e.logger.Warn("ElevenLabs stream ended early", slog.Any("error", err))
			}
			send(bs.Flush())
			return
		}
		if msg.Error != "" {
			e.logger.Error("ElevenLabs synthesis failed",
				slog.String("error", msg.Error), slog.String("message", msg.Message))
			return
		}
		if msg.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				e.logger.Debug("Skipping undecodable audio chunk", slog.Any("error", err))
			} else if !send(bs.Write(pcm)) {
				return
			}
		}
		if msg.IsFinal {
			send(bs.Flush())
			return
		}
	}
}
