// Package openai registers OpenAI-compatible providers: chat completions
// for OpenAI and Together AI, and OpenAI speech synthesis.
package openai

import (
	"github.com/chriscow/livekit-voice-assistant/pkg/plugin"
)

func newOpenAILLM(cfg map[string]any) (any, error) {
	return NewLLM(LLMConfig{
		Provider: "openai",
		APIKey:   plugin.StringOption(cfg, "api_key", "OPENAI_API_KEY", ""),
		BaseURL:  plugin.StringOption(cfg, "base_url", "", ""),
		Model:    plugin.StringOption(cfg, "model", "", DefaultOpenAIModel),
	})
}

func newTogetherLLM(cfg map[string]any) (any, error) {
	return NewLLM(LLMConfig{
		Provider: "together",
		APIKey:   plugin.StringOption(cfg, "api_key", "TOGETHER_API_KEY", ""),
		BaseURL:  plugin.StringOption(cfg, "base_url", "", TogetherBaseURL),
		Model:    plugin.StringOption(cfg, "model", "", DefaultTogetherModel),
	})
}

func newOpenAITTS(cfg map[string]any) (any, error) {
	return NewTTS(TTSConfig{
		APIKey:  plugin.StringOption(cfg, "api_key", "OPENAI_API_KEY", ""),
		BaseURL: plugin.StringOption(cfg, "base_url", "", ""),
		Model:   plugin.StringOption(cfg, "model", "", "tts-1"),
		Voice:   plugin.StringOption(cfg, "voice", "", "alloy"),
	})
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "openai",
		Factory:     newOpenAILLM,
		Description: "OpenAI chat completions",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key": "OpenAI API key (or set OPENAI_API_KEY)",
			"model":   DefaultOpenAIModel,
		},
	})
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "together",
		Factory:     newTogetherLLM,
		Description: "Together AI chat completions (OpenAI-compatible)",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "Together API key (or set TOGETHER_API_KEY)",
			"model":    DefaultTogetherModel,
			"base_url": TogetherBaseURL,
		},
	})
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "openai",
		Factory:     newOpenAITTS,
		Description: "OpenAI text-to-speech, raw 24 kHz PCM",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key": "OpenAI API key (or set OPENAI_API_KEY)",
			"model":   "tts-1",
			"voice":   "alloy",
		},
	})
}
