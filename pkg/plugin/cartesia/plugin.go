package cartesia

import (
	"github.com/chriscow/livekit-voice-assistant/pkg/plugin"
)

func newCartesiaTTS(cfg map[string]any) (any, error) {
	return New(Config{
		APIKey:   plugin.StringOption(cfg, "api_key", "CARTESIA_API_KEY", ""),
		BaseURL:  plugin.StringOption(cfg, "base_url", "", DefaultBaseURL),
		Model:    plugin.StringOption(cfg, "model_id", "", DefaultModel),
		VoiceID:  plugin.StringOption(cfg, "voice_id", "", DefaultVoiceID),
		Language: plugin.StringOption(cfg, "language", "", "en"),
	})
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "cartesia",
		Factory:     newCartesiaTTS,
		Description: "Cartesia text-to-speech, raw 24 kHz PCM over HTTP",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "Cartesia API key (or set CARTESIA_API_KEY)",
			"model_id": DefaultModel,
			"voice_id": DefaultVoiceID,
		},
	})
}
