// Package transcript persists what the user said and what the assistant
// answered, one record per committed turn.
package transcript

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/llm"
)

// Record is one persisted turn.
type Record struct {
	ID          string
	SessionID   string
	RoomName    string
	Participant string
	Role        llm.MessageRole
	Text        string
	Language    string
	CreatedAt   time.Time
}

// Store persists records.
type Store interface {
	Save(ctx context.Context, r Record) error
	Close() error
}

// NewStore returns a Postgres store when databaseURL is set, otherwise an
// in-memory one.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// normalize fills the generated fields.
func normalize(r Record) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return r
}
