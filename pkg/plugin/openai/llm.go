package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/llm"
)

const (
	TogetherBaseURL = "https://api.together.xyz/v1"

	DefaultOpenAIModel   = "gpt-4o-mini"
	DefaultTogetherModel = "meta-llama/Meta-Llama-3.1-8B-Instruct-Turbo-128K"
)

// LLMConfig configures an OpenAI-compatible chat completion client.
type LLMConfig struct {
	Provider  string // used in logs and errors
	APIKey    string
	BaseURL   string // empty for api.openai.com
	Model     string
	MaxTokens int
	Logger    *slog.Logger
}

// LLM implements llm.LLM against any OpenAI-compatible chat completions API.
type LLM struct {
	client   *openai.Client
	provider string
	model    string
	maxTok   int
	logger   *slog.Logger
}

var _ llm.LLM = (*LLM)(nil)

// NewLLM creates a chat completion client. The API key is required.
func NewLLM(cfg LLMConfig) (*LLM, error) {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.APIKey == "" {
		return nil, ai.MissingCredential(cfg.Provider, apiKeyEnv(cfg.Provider))
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s: model is required", cfg.Provider)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &LLM{
		client:   openai.NewClientWithConfig(clientCfg),
		provider: cfg.Provider,
		model:    cfg.Model,
		maxTok:   cfg.MaxTokens,
		logger:   cfg.Logger.With(slog.String("provider", cfg.Provider)),
	}, nil
}

// Chat performs one non-streaming chat completion.
func (o *LLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = o.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.maxTok
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return llm.ChatResponse{}, classifyError(o.provider, err)
	}
	if len(resp.Choices) == 0 {
		return llm.ChatResponse{}, ai.NewRecoverableError(nil, o.provider+": no completion choices returned")
	}

	choice := resp.Choices[0]
	o.logger.Debug("Chat completion finished",
		slog.String("model", model),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		slog.Duration("duration", time.Since(start)))

	return llm.ChatResponse{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: choice.Message.Content,
		},
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
		FinishReason: string(choice.FinishReason),
	}, nil
}

func (o *LLM) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		SupportsStreaming:  false,
		MaxTokens:          o.maxTok,
		Model:              o.model,
		SupportsSystemRole: true,
	}
}

// classifyError maps go-openai failures onto the ai error classes.
func classifyError(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", ai.ClassifyHTTPStatus(apiErr.HTTPStatusCode, provider+": "+apiErr.Message), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: %w", ai.ClassifyHTTPStatus(reqErr.HTTPStatusCode, provider+" request failed"), err)
	}
	return ai.NewRecoverableError(err, provider+" request failed")
}

func apiKeyEnv(provider string) string {
	if provider == "together" {
		return "TOGETHER_API_KEY"
	}
	return "OPENAI_API_KEY"
}
