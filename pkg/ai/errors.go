// Package ai provides common types and utilities for the hosted AI providers a
// voice session talks to. It defines error classes, retry configuration and
// helpers used across STT, TTS, LLM and VAD providers.
package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var (
	// ErrRecoverable indicates a temporary failure that may succeed if retried.
	// Examples: network timeout, rate limiting, temporary service unavailability.
	ErrRecoverable = errors.New("recoverable AI provider error")

	// ErrFatal indicates a permanent failure that will not succeed if retried.
	// Examples: invalid API key, unsupported format, malformed request.
	ErrFatal = errors.New("fatal AI provider error")

	// ErrMissingCredential is returned by provider constructors when a required
	// secret is absent. It is always fatal and is raised before any dial.
	ErrMissingCredential = errors.New("missing provider credential")
)

// RetryConfig configures retry behavior for recoverable errors.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Initial delay before first retry
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Exponential backoff multiplier
	JitterPercent float32       // Random jitter percentage (0.0-1.0)
}

// DefaultRetryConfig provides defaults for provider handshakes.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	BackoffFactor: 2.0,
	JitterPercent: 0.1,
}

// Backoff returns the delay before retry number attempt (starting at 1).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.JitterPercent > 0 {
		jitter := delay * float64(c.JitterPercent)
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Retry runs fn until it succeeds, returns a non-recoverable error, the
// context ends, or MaxRetries retries have been spent.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRecoverable(err) || attempt >= cfg.MaxRetries {
			return err
		}

		timer := time.NewTimer(cfg.Backoff(attempt + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// IsRecoverable checks if an error is recoverable and should be retried.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsFatal checks if an error is fatal and should not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// RetryableError wraps an underlying error with retry classification.
type RetryableError struct {
	Underlying error
	Retryable  bool
	Message    string
}

func (e *RetryableError) Error() string {
	if e.Message != "" {
		if e.Underlying != nil {
			return e.Message + ": " + e.Underlying.Error()
		}
		return e.Message
	}
	if e.Underlying == nil {
		return "AI provider error"
	}
	return e.Underlying.Error()
}

// Unwrap exposes both the classification sentinel and the underlying error so
// errors.Is works against either.
func (e *RetryableError) Unwrap() []error {
	class := ErrFatal
	if e.Retryable {
		class = ErrRecoverable
	}
	if e.Underlying == nil {
		return []error{class}
	}
	return []error{class, e.Underlying}
}

// NewRecoverableError creates a recoverable error with context.
func NewRecoverableError(underlying error, message string) error {
	return &RetryableError{
		Underlying: underlying,
		Retryable:  true,
		Message:    message,
	}
}

// NewFatalError creates a fatal error with context.
func NewFatalError(underlying error, message string) error {
	return &RetryableError{
		Underlying: underlying,
		Retryable:  false,
		Message:    message,
	}
}

// MissingCredential reports an absent secret for provider, naming the
// environment variable that should carry it.
func MissingCredential(provider, envVar string) error {
	return NewFatalError(ErrMissingCredential, fmt.Sprintf("%s: %s is required", provider, envVar))
}

// ClassifyHTTPStatus maps an HTTP status returned by a provider to an error
// class: 408, 429 and 5xx are recoverable, everything else is fatal.
func ClassifyHTTPStatus(status int, message string) error {
	underlying := fmt.Errorf("status %d", status)
	switch {
	case status == 408, status == 429, status >= 500:
		return NewRecoverableError(underlying, message)
	default:
		return NewFatalError(underlying, message)
	}
}
