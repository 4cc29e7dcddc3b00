package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	usageKeyPrefix = "voice-assistant:usage:"
	// DefaultUsageTTL keeps session summaries for a week.
	DefaultUsageTTL = 7 * 24 * time.Hour
)

// Sink persists a session's usage summary when the session ends.
type Sink interface {
	Flush(ctx context.Context, sessionID string, s UsageSummary) error
	Close() error
}

// RedisSink stores each summary as a hash that expires after ttl.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSink wraps an existing client.
func NewRedisSink(client *redis.Client, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = DefaultUsageTTL
	}
	return &RedisSink{client: client, ttl: ttl}
}

// NewRedisSinkFromURL connects using a redis:// URL and checks the server answers.
func NewRedisSinkFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisSink(client, ttl), nil
}

// UsageKey returns the hash key a session's summary is stored under.
func UsageKey(sessionID string) string {
	return usageKeyPrefix + sessionID
}

func (s *RedisSink) Flush(ctx context.Context, sessionID string, sum UsageSummary) error {
	key := UsageKey(sessionID)
	fields := sum.Fields()
	fields["flushed_at"] = time.Now().UTC().Format(time.RFC3339)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("flush usage %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// NopSink discards summaries.
type NopSink struct{}

func (NopSink) Flush(context.Context, string, UsageSummary) error { return nil }
func (NopSink) Close() error                                      { return nil }
