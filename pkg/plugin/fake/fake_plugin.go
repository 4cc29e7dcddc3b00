// Package fake registers the in-memory providers under the name "fake" so a
// session can run offline (STT_PROVIDER=fake and so on).
package fake

import (
	llmfake "github.com/chriscow/livekit-voice-assistant/pkg/ai/llm/fake"
	sttfake "github.com/chriscow/livekit-voice-assistant/pkg/ai/stt/fake"
	ttsfake "github.com/chriscow/livekit-voice-assistant/pkg/ai/tts/fake"
	vadfake "github.com/chriscow/livekit-voice-assistant/pkg/ai/vad/fake"
	"github.com/chriscow/livekit-voice-assistant/pkg/plugin"
)

const defaultTranscript = "Hello, this is a fake STT transcript"

func newFakeSTT(cfg map[string]any) (any, error) {
	return sttfake.NewFakeSTT(plugin.StringOption(cfg, "transcript", "", defaultTranscript)), nil
}

func newFakeTTS(cfg map[string]any) (any, error) {
	return ttsfake.NewFakeTTS(), nil
}

func newFakeLLM(cfg map[string]any) (any, error) {
	responses := []string{
		"This is a fake LLM response",
		"I'm a test AI assistant",
		"How can I help you today?",
	}
	if r, ok := cfg["responses"].([]string); ok && len(r) > 0 {
		responses = r
	}
	return llmfake.NewFakeLLM(responses...), nil
}

func newFakeVAD(cfg map[string]any) (any, error) {
	return vadfake.NewFakeVAD(plugin.FloatOption(cfg, "threshold", vadfake.DefaultThreshold)), nil
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        "fake",
		Factory:     newFakeSTT,
		Description: "Fake STT provider for testing and development",
		Version:     "1.0.0",
		Config:      map[string]any{"transcript": defaultTranscript},
	})
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "fake",
		Factory:     newFakeTTS,
		Description: "Fake TTS provider emitting a test tone",
		Version:     "1.0.0",
		Config:      map[string]any{},
	})
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "fake",
		Factory:     newFakeLLM,
		Description: "Fake LLM provider cycling through canned responses",
		Version:     "1.0.0",
		Config:      map[string]any{"responses": []string{}},
	})
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindVAD,
		Name:        "fake",
		Factory:     newFakeVAD,
		Description: "Energy-threshold VAD for testing",
		Version:     "1.0.0",
		Config:      map[string]any{"threshold": vadfake.DefaultThreshold},
	})
}
