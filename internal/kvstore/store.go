// Package kvstore provides an expiring key-value store used to hand job
// parameters, progress and results between decoupled workers.
//
// Every write sets a fresh deadline. Reads treat expired entries as missing
// whether or not the background reaper has removed them yet.
package kvstore

import (
	"fmt"
	"time"
)

const (
	// DefaultTTL is the expiration horizon applied on every write.
	DefaultTTL = 24 * time.Hour
	// DefaultReapInterval is how often the background reaper sweeps expired entries.
	DefaultReapInterval = 10 * time.Minute
)

// Reader is the read side of a store.
type Reader interface {
	// Get returns the value for key if present and unexpired. A miss is reported
	// through ok, never through err.
	Get(key string) (value []byte, ok bool, err error)
}

// Writer is the write side of a store.
type Writer interface {
	// Set stores value under key, replacing any previous entry and resetting its deadline.
	Set(key string, value []byte) error
}

// Taker is the destructive read side of a store.
type Taker interface {
	// Delete removes key and returns its value if it was present and unexpired.
	Delete(key string) (value []byte, ok bool, err error)
}

// Store is an expiring key-value store.
type Store interface {
	Reader
	Writer
	Taker
	// Sweep removes every expired entry and reports how many were removed.
	Sweep() (int, error)
	// Close stops the reaper and releases resources.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

type settings struct {
	ttl          time.Duration
	reapInterval time.Duration
	now          func() time.Time
}

func defaultSettings() settings {
	return settings{
		ttl:          DefaultTTL,
		reapInterval: DefaultReapInterval,
		now:          time.Now,
	}
}

// Option configures a store.
type Option func(*settings)

// WithTTL sets the expiration horizon applied on every write.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithReapInterval sets the sweep interval. Zero or negative disables the background reaper.
func WithReapInterval(interval time.Duration) Option {
	return func(s *settings) {
		s.reapInterval = interval
	}
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// Open creates a store for the named backend. dbPath is only used by the sqlite backend.
func Open(backend, dbPath string, opts ...Option) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(opts...), nil
	case BackendSQLite:
		return NewSQLiteStore(dbPath, opts...)
	default:
		return nil, fmt.Errorf("unknown store backend %q; valid backends are: %s, %s", backend, BackendMemory, BackendSQLite)
	}
}

// reaper runs sweep on interval until stop is closed.
type reaper struct {
	stop chan struct{}
	done chan struct{}
}

func startReaper(interval time.Duration, sweep func()) *reaper {
	if interval <= 0 {
		return nil
	}
	r := &reaper{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sweep()
			case <-r.stop:
				return
			}
		}
	}()
	return r
}

func (r *reaper) shutdown() {
	if r == nil {
		return
	}
	close(r.stop)
	<-r.done
}
