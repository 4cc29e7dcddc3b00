package llm

import (
	"context"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai"
)

var (
	// ErrRecoverable indicates a temporary LLM failure that may succeed if retried.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent LLM failure that will not succeed if retried.
	ErrFatal = ai.ErrFatal
)

// MessageRole represents the role of a message in a chat conversation.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message represents a single message in a chat conversation.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// ChatRequest contains parameters for a chat completion request.
type ChatRequest struct {
	Messages    []Message
	Model       string // empty for the provider's configured model
	MaxTokens   int
	Temperature float32
}

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// TotalTokens returns prompt plus completion tokens.
func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// ChatResponse contains the response from a chat completion request.
type ChatResponse struct {
	Message      Message
	Usage        Usage
	FinishReason string
}

// Capabilities describes the capabilities of an LLM provider.
type Capabilities struct {
	SupportsStreaming  bool
	MaxTokens          int
	Model              string
	SupportsSystemRole bool
}

// LLM is the main interface for large language model providers.
type LLM interface {
	// Chat performs a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}
