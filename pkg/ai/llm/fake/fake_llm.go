package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/llm"
)

// FakeLLM is a fake LLM implementation for testing. It cycles through its
// canned responses and records every request it receives.
type FakeLLM struct {
	mu        sync.Mutex
	responses []string
	requests  []llm.ChatRequest
	err       error
}

// NewFakeLLM creates a new fake LLM provider with predefined responses.
func NewFakeLLM(responses ...string) *FakeLLM {
	if len(responses) == 0 {
		responses = []string{"This is a fake response from the fake LLM provider."}
	}
	return &FakeLLM{responses: responses}
}

// FailWith makes every subsequent Chat call return err.
func (f *FakeLLM) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Chat records the request and returns the next canned response.
func (f *FakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return llm.ChatResponse{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.err != nil {
		return llm.ChatResponse{}, f.err
	}
	response := f.responses[(len(f.requests)-1)%len(f.responses)]

	prompt := 0
	for _, m := range req.Messages {
		prompt += len(strings.Fields(m.Content))
	}

	return llm.ChatResponse{
		Message: llm.Message{Role: llm.RoleAssistant, Content: response},
		Usage: llm.Usage{
			PromptTokens:     prompt,
			CompletionTokens: len(strings.Fields(response)),
		},
		FinishReason: "stop",
	}, nil
}

// Requests returns a copy of every request seen so far.
func (f *FakeLLM) Requests() []llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]llm.ChatRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// Capabilities returns the fake LLM capabilities.
func (f *FakeLLM) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		MaxTokens:          4096,
		Model:              "fake-model",
		SupportsSystemRole: true,
	}
}
