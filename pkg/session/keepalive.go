package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// KeepAliveTopic tags keep-alive payloads so receivers can ignore them.
const KeepAliveTopic = "keepalive"

// KeepAlive periodically pings the room over the data channel so idle
// sessions are not reaped.
type KeepAlive struct {
	Interval time.Duration
	// Send delivers one payload reliably, normally job.RoomConn.PublishData.
	Send func(ctx context.Context, payload []byte) error
	// After defaults to time.After. Tests substitute a manual clock.
	After func(time.Duration) <-chan time.Time
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

type ping struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	TS    int64  `json:"ts"`
}

// PingPayload encodes a keep-alive ping stamped with t.
func PingPayload(t time.Time) []byte {
	// Marshalling a struct of plain fields cannot fail.
	b, _ := json.Marshal(ping{Topic: KeepAliveTopic, Type: "ping", TS: t.UnixMilli()})
	return b
}

// Run sends a ping every Interval until ctx is done. Send failures are
// logged and the loop keeps going.
func (k KeepAlive) Run(ctx context.Context) error {
	after := k.After
	if after == nil {
		after = time.After
	}
	now := k.Now
	if now == nil {
		now = time.Now
	}
	logger := k.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-after(k.Interval):
		}

		logger.Debug("Sending keep-alive ping")
		if err := k.Send(ctx, PingPayload(now())); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("keep-alive ping failed", slog.String("error", err.Error()))
		}
	}
}
