package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/llm"
)

// DefaultRemoteTimeout bounds one remote inference call.
const DefaultRemoteTimeout = 2 * time.Second

// RemoteDetector asks an HTTP inference endpoint for the end-of-turn
// probability and falls back to a local detector when the call fails.
type RemoteDetector struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	fallback Detector
	logger   *slog.Logger
}

// RemoteOption configures a RemoteDetector.
type RemoteOption func(*RemoteDetector)

// WithRemoteHTTPClient replaces the HTTP client.
func WithRemoteHTTPClient(c *http.Client) RemoteOption {
	return func(d *RemoteDetector) { d.client = c }
}

// WithRemoteTimeout overrides DefaultRemoteTimeout.
func WithRemoteTimeout(timeout time.Duration) RemoteOption {
	return func(d *RemoteDetector) { d.timeout = timeout }
}

// NewRemoteDetector returns a detector posting to endpoint. fallback may be nil.
func NewRemoteDetector(endpoint string, fallback Detector, logger *slog.Logger, opts ...RemoteOption) *RemoteDetector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &RemoteDetector{
		endpoint: endpoint,
		client:   http.DefaultClient,
		timeout:  DefaultRemoteTimeout,
		fallback: fallback,
		logger:   logger.With(slog.String("component", "turn.remote")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RemoteRequest is the body posted to the endpoint.
type RemoteRequest struct {
	Messages []llm.Message `json:"messages"`
	Language string        `json:"language,omitempty"`
}

// RemoteResponse is the endpoint's reply.
type RemoteResponse struct {
	Probability float64 `json:"eou_probability"`
	Error       string  `json:"error,omitempty"`
}

// UnlikelyThreshold uses the fallback's per-language table when it knows
// the language, and 0.85 for English or 0.80 otherwise.
func (d *RemoteDetector) UnlikelyThreshold(language string) (float64, error) {
	if d.fallback != nil {
		if t, err := d.fallback.UnlikelyThreshold(language); err == nil {
			return t, nil
		}
	}
	switch language {
	case "en-US", "en-GB", "en":
		return 0.85, nil
	default:
		return 0.80, nil
	}
}

// SupportsLanguage is always true; the endpoint decides.
func (d *RemoteDetector) SupportsLanguage(string) bool { return true }

func (d *RemoteDetector) PredictEndOfTurn(ctx context.Context, chatCtx ChatContext) (float64, error) {
	p, err := d.predictRemote(ctx, chatCtx)
	if err == nil {
		return p, nil
	}
	if d.fallback == nil {
		return 0, fmt.Errorf("remote end-of-turn inference: %w", err)
	}
	d.logger.Warn("Remote turn detection failed, using fallback",
		slog.String("error", err.Error()),
		slog.Bool("recoverable", ai.IsRecoverable(err)))
	return d.fallback.PredictEndOfTurn(ctx, chatCtx)
}

func (d *RemoteDetector) predictRemote(ctx context.Context, chatCtx ChatContext) (float64, error) {
	messages := chatCtx.Messages
	if len(messages) > maxHistoryTurns {
		messages = messages[len(messages)-maxHistoryTurns:]
	}
	body, err := json.Marshal(RemoteRequest{Messages: messages, Language: chatCtx.Language})
	if err != nil {
		return 0, ai.NewFatalError(err, "encode request")
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, ai.NewFatalError(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "voice-assistant/turn-detector")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, ai.NewRecoverableError(err, "post request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, ai.ClassifyHTTPStatus(resp.StatusCode, string(bytes.TrimSpace(msg)))
	}

	var out RemoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, ai.NewFatalError(err, "decode response")
	}
	switch {
	case out.Error != "":
		return 0, ai.NewFatalError(nil, "endpoint error: "+out.Error)
	case out.Probability < 0 || out.Probability > 1:
		return 0, ai.NewFatalError(nil, fmt.Sprintf("probability out of range: %f", out.Probability))
	}
	return out.Probability, nil
}
