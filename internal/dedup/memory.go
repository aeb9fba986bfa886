package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps the last saved snapshot in memory. It backs the
// "memory" driver and tests that need a Backend without I/O.
type MemoryBackend struct {
	mu    sync.Mutex
	saved map[string]time.Time
	saves int
	fail  error
}

// NewMemoryBackend returns a Backend that never touches disk.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{saved: map[string]time.Time{}}
}

func (m *MemoryBackend) Load(context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.saved))
	for k, v := range m.saved {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryBackend) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.saved = make(map[string]time.Time, len(snap.All))
	for k, v := range snap.All {
		m.saved[k] = v
	}
	m.saves++
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// FailWith makes subsequent saves return err; nil restores normal saves.
func (m *MemoryBackend) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Saves counts successful saves.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
