package deepgram

import (
	"github.com/chriscow/livekit-voice-assistant/pkg/plugin"
)

func newDeepgramSTT(cfg map[string]any) (any, error) {
	return New(Config{
		APIKey:   plugin.StringOption(cfg, "api_key", "DEEPGRAM_API_KEY", ""),
		BaseURL:  plugin.StringOption(cfg, "base_url", "", DefaultBaseURL),
		Model:    plugin.StringOption(cfg, "model", "", DefaultModel),
		Language: plugin.StringOption(cfg, "language", "", "en-US"),
	})
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        "deepgram",
		Factory:     newDeepgramSTT,
		Description: "Deepgram streaming speech-to-text (websocket)",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "Deepgram API key (or set DEEPGRAM_API_KEY)",
			"model":    DefaultModel,
			"language": "en-US",
			"base_url": DefaultBaseURL,
		},
	})
}
