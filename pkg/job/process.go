package job

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// KeyVAD is the process resource key under which the prewarmed voice
// activity detector is stored.
const KeyVAD = "vad"

// ErrFrozen is returned by ProcessBuilder.Set after Freeze.
var ErrFrozen = errors.New("process resources are frozen")

// ErrResourceNotFound is returned when a key was never set.
var ErrResourceNotFound = errors.New("process resource not found")

// Process holds resources loaded once per worker process, before any job is
// accepted, and shared read-only by every session.
type Process struct {
	resources map[string]any
}

// Get returns the resource stored under key.
func (p *Process) Get(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.resources[key]
	return v, ok
}

// Keys lists the stored keys in sorted order.
func (p *Process) Keys() []string {
	if p == nil {
		return nil
	}
	keys := make([]string, 0, len(p.resources))
	for k := range p.resources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resource returns the resource under key asserted to T.
func Resource[T any](p *Process, key string) (T, error) {
	var zero T
	v, ok := p.Get(key)
	if !ok {
		return zero, fmt.Errorf("%s: %w", key, ErrResourceNotFound)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s: resource has type %T, want %T", key, v, zero)
	}
	return t, nil
}

// ProcessBuilder collects resources during prewarm.
type ProcessBuilder struct {
	mu        sync.Mutex
	resources map[string]any
	frozen    bool
}

// NewProcessBuilder returns an empty builder.
func NewProcessBuilder() *ProcessBuilder {
	return &ProcessBuilder{resources: make(map[string]any)}
}

// Set stores value under key. Setting the same key twice replaces the value.
func (b *ProcessBuilder) Set(key string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return fmt.Errorf("set %q: %w", key, ErrFrozen)
	}
	if key == "" {
		return fmt.Errorf("resource key is required")
	}
	b.resources[key] = value
	return nil
}

// Freeze returns the immutable Process. Later calls return an equivalent
// Process; Set fails from now on.
func (b *ProcessBuilder) Freeze() *Process {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true

	resources := make(map[string]any, len(b.resources))
	for k, v := range b.resources {
		resources[k] = v
	}
	return &Process{resources: resources}
}
