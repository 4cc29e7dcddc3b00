package transcript

import (
	"context"
	"errors"
	"sync"
)

// ErrStoreClosed is returned by Save after Close.
var ErrStoreClosed = errors.New("transcript store is closed")

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.records = append(s.records, normalize(r))
	return nil
}

// Records returns the records of sessionID in save order, or every record
// when sessionID is empty.
func (s *MemoryStore) Records(sessionID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if sessionID == "" || r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
