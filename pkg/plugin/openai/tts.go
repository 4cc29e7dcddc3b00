package openai

import (
	"context"
	"errors"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/tts"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
)

// SpeechSampleRate is the rate of OpenAI's raw PCM speech output.
const SpeechSampleRate = 24000

// TTSConfig configures the OpenAI speech endpoint.
type TTSConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	Logger  *slog.Logger
}

// TTS implements tts.TTS using the OpenAI speech API with raw PCM output.
type TTS struct {
	client *openai.Client
	model  string
	voice  string
	logger *slog.Logger
}

var _ tts.TTS = (*TTS)(nil)

// NewTTS creates an OpenAI speech client.
func NewTTS(cfg TTSConfig) (*TTS, error) {
	if cfg.APIKey == "" {
		return nil, ai.MissingCredential("openai", "OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &TTS{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		voice:  cfg.Voice,
		logger: cfg.Logger.With(slog.String("provider", "openai")),
	}, nil
}

// Synthesize requests PCM speech and streams it as 10 ms frames.
func (o *TTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (<-chan rtc.AudioFrame, error) {
	voice := req.Voice
	if voice == "" {
		voice = o.voice
	}
	speechReq := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	}
	if req.Speed > 0 {
		speechReq.Speed = float64(req.Speed)
	}

	resp, err := o.client.CreateSpeech(ctx, speechReq)
	if err != nil {
		return nil, classifyError("openai", err)
	}

	frames := make(chan rtc.AudioFrame, 32)
	go func() {
		defer close(frames)
		defer resp.Close()
		if err := rtc.StreamPCM(ctx, resp, SpeechSampleRate, frames); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Warn("Speech stream ended early", slog.Any("error", err))
		}
	}()
	return frames, nil
}

func (o *TTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		Streaming:          true,
		SupportedLanguages: []string{"en", "es", "fr", "de", "it", "pt", "ru", "ja", "ko", "zh"},
		SampleRate:         SpeechSampleRate,
		NumChannels:        1,
	}
}
