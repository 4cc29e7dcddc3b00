package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/matryer/is"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/llm"
)

func TestFakeLLMCyclesResponses(t *testing.T) {
	is := is.New(t)
	f := NewFakeLLM("one", "two")
	ctx := context.Background()

	req := llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello there"}}}
	r1, err := f.Chat(ctx, req)
	is.NoErr(err)
	r2, _ := f.Chat(ctx, req)
	r3, _ := f.Chat(ctx, req)

	is.Equal(r1.Message.Content, "one")
	is.Equal(r2.Message.Content, "two")
	is.Equal(r3.Message.Content, "one") // wraps around
	is.Equal(r1.Message.Role, llm.RoleAssistant)
	is.Equal(r1.Usage.PromptTokens, 2)
	is.Equal(len(f.Requests()), 3)
}

func TestFakeLLMFailure(t *testing.T) {
	is := is.New(t)
	f := NewFakeLLM()
	boom := errors.New("boom")
	f.FailWith(boom)

	_, err := f.Chat(context.Background(), llm.ChatRequest{})
	is.True(errors.Is(err, boom))
}

func TestFakeLLMCancelled(t *testing.T) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFakeLLM().Chat(ctx, llm.ChatRequest{})
	is.True(errors.Is(err, context.Canceled))
}
