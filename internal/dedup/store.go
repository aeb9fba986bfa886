package dedup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pollwatch/internal/clock"
	logx "pollwatch/pkg/logx"
)

// Store is one publisher's set of seen keys. Each key maps to the day it was
// last observed; retention compares against that day.
type Store struct {
	publisher string
	backend   Backend
	clk       clock.Clock
	retention time.Duration
	log       logx.Logger

	mu       sync.Mutex
	keys     map[string]time.Time
	upserts  map[string]time.Time
	removed  map[string]struct{}
	loaded   bool
	seedNext bool

	persistMu sync.Mutex
}

type Option func(*Store)

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clk = c } }

func WithRetention(d time.Duration) Option { return func(s *Store) { s.retention = d } }

func WithLogger(l logx.Logger) Option { return func(s *Store) { s.log = l } }

// NewStore returns an empty store for publisher. A nil backend keeps state in
// memory only.
func NewStore(publisher string, backend Backend, opts ...Option) *Store {
	s := &Store{
		publisher: publisher,
		backend:   backend,
		clk:       clock.System{},
		log:       logx.Nop(),
		keys:      map[string]time.Time{},
		upserts:   map[string]time.Time{},
		removed:   map[string]struct{}{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *Store) Publisher() string { return s.publisher }

// Load replaces the in-memory set with the persisted one. A store that is
// empty after loading marks itself for seeding (see NeedsSeed).
func (s *Store) Load(ctx context.Context) error {
	loaded := map[string]time.Time{}
	if s.backend != nil {
		m, err := s.backend.Load(ctx)
		if err != nil {
			return fmt.Errorf("load seen keys for %s: %w", s.publisher, err)
		}
		for k, v := range m {
			loaded[k] = v
		}
	}

	s.mu.Lock()
	s.keys = loaded
	s.upserts = map[string]time.Time{}
	s.removed = map[string]struct{}{}
	s.loaded = true
	s.seedNext = len(loaded) == 0
	s.mu.Unlock()
	return nil
}

// NeedsSeed reports whether the store started empty and has not been seeded yet.
func (s *Store) NeedsSeed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seedNext
}

// MarkSeeded clears the seeding flag.
func (s *Store) MarkSeeded() {
	s.mu.Lock()
	s.seedNext = false
	s.mu.Unlock()
}

func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// AddIfAbsent inserts key and reports whether it was newly inserted. For a
// key already present it refreshes the last-seen day and returns false.
func (s *Store) AddIfAbsent(key string) bool {
	now := day(s.clk.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.keys[key]; ok {
		if prev.Before(now) {
			s.keys[key] = now
			s.upserts[key] = now
		}
		return false
	}
	s.keys[key] = now
	s.upserts[key] = now
	delete(s.removed, key)
	return true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Dirty reports whether there are changes not yet persisted.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts) > 0 || len(s.removed) > 0
}

// Keys returns the seen keys sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Prune drops keys last seen before now minus retention and returns how many
// were dropped. It is a no-op when retention is zero.
func (s *Store) Prune() int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := day(s.clk.Now().Add(-s.retention))

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, seen := range s.keys {
		if seen.Before(cutoff) {
			delete(s.keys, k)
			delete(s.upserts, k)
			s.removed[k] = struct{}{}
			n++
		}
	}
	return n
}

// Persist writes pending changes through the backend. On failure the changes
// stay pending so the next call retries them; the error wraps ErrPersist.
func (s *Store) Persist(ctx context.Context) error {
	if s.backend == nil {
		s.mu.Lock()
		s.upserts = map[string]time.Time{}
		s.removed = map[string]struct{}{}
		s.mu.Unlock()
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if n := s.Prune(); n > 0 {
		s.log.Debug("pruned seen keys", logx.String("publisher", s.publisher), logx.Int("count", n))
	}

	s.mu.Lock()
	if len(s.upserts) == 0 && len(s.removed) == 0 {
		s.mu.Unlock()
		return nil
	}
	snap := Snapshot{
		Publisher: s.publisher,
		All:       make(map[string]time.Time, len(s.keys)),
		Upserts:   s.upserts,
		Removed:   make([]string, 0, len(s.removed)),
	}
	for k, v := range s.keys {
		snap.All[k] = v
	}
	for k := range s.removed {
		snap.Removed = append(snap.Removed, k)
	}
	sort.Strings(snap.Removed)
	s.upserts = map[string]time.Time{}
	s.removed = map[string]struct{}{}
	s.mu.Unlock()

	if err := s.backend.Save(ctx, snap); err != nil {
		s.mu.Lock()
		for k, v := range snap.Upserts {
			if _, still := s.keys[k]; !still {
				continue
			}
			if cur, ok := s.upserts[k]; !ok || cur.Before(v) {
				s.upserts[k] = v
			}
		}
		for _, k := range snap.Removed {
			if _, back := s.keys[k]; !back {
				s.removed[k] = struct{}{}
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrPersist, s.publisher, err)
	}
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
