package kvstore

import (
	"bytes"
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store guarded by a single mutex, which makes
// operations on the same key linearizable.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]entry
	cfg       settings
	reaper    *reaper
	closeOnce sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its reaper.
func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &MemoryStore{
		entries: make(map[string]entry),
		cfg:     cfg,
	}
	s.reaper = startReaper(cfg.reapInterval, func() {
		if n, _ := s.Sweep(); n > 0 {
			slog.Debug("Reaped expired store entries", "backend", BackendMemory, "count", n)
		}
	})
	return s
}

// Set implements Store.
func (s *MemoryStore) Set(key string, value []byte) error {
	buf := bytes.Clone(value)
	if buf == nil {
		buf = []byte{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Remove-then-write: a prior entry that already expired is simply gone.
	delete(s.entries, key)
	s.entries[key] = entry{value: buf, expiresAt: s.cfg.now().Add(s.cfg.ttl)}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !s.cfg.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return bytes.Clone(e.value), true, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	delete(s.entries, key)
	if !s.cfg.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return bytes.Clone(e.value), true, nil
}

// Sweep implements Store.
func (s *MemoryStore) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.now()
	removed := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the reaper. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(s.reaper.shutdown)
	return nil
}
