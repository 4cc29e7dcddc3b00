package elevenlabs

import (
	"github.com/chriscow/livekit-voice-assistant/pkg/plugin"
)

func newElevenLabsTTS(cfg map[string]any) (any, error) {
	return New(Config{
		APIKey:          plugin.StringOption(cfg, "api_key", "ELEVENLABS_API_KEY", ""),
		BaseURL:         plugin.StringOption(cfg, "base_url", "", DefaultBaseURL),
		VoiceID:         plugin.StringOption(cfg, "voice_id", "", DefaultVoiceID),
		ModelID:         plugin.StringOption(cfg, "model_id", "", DefaultModelID),
		OptimizeLatency: plugin.BoolOption(cfg, "optimize_latency", true),
		Settings: VoiceSettings{
			Stability:       plugin.FloatOption(cfg, "stability", 0.5),
			SimilarityBoost: plugin.FloatOption(cfg, "similarity_boost", 0.75),
		},
	})
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "elevenlabs",
		Factory:     newElevenLabsTTS,
		Description: "ElevenLabs streaming text-to-speech (websocket)",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":          "ElevenLabs API key (or set ELEVENLABS_API_KEY)",
			"voice_id":         DefaultVoiceID,
			"model_id":         DefaultModelID,
			"optimize_latency": true,
		},
	})
}
