package kvstore

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lepinkainen/shelfmatch/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backendFactory func(t *testing.T, opts ...Option) Store

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		BackendMemory: func(t *testing.T, opts ...Option) Store {
			s := NewMemoryStore(opts...)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		BackendSQLite: func(t *testing.T, opts ...Option) Store {
			env := testutil.NewTestEnv(t)
			s, err := NewSQLiteStore(filepath.Join(env.RootDir(), "store.db"), opts...)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestSetThenGet(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t, WithReapInterval(0))

			require.NoError(t, s.Set("job/params", []byte("v")))

			got, ok, err := s.Get("job/params")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("v"), got)
		})
	}
}

func TestReturnedValuesAreCopies(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t, WithReapInterval(0))
			require.NoError(t, s.Set("k", []byte("abc")))

			got, ok, err := s.Get("k")
			require.NoError(t, err)
			require.True(t, ok)
			got[0] = 'X'

			again, ok, err := s.Get("k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("abc"), again)
		})
	}
}

func TestGetMissIsNotAnError(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t, WithReapInterval(0))

			got, ok, err := s.Get("absent")
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Nil(t, got)
		})
	}
}

func TestExpiredReadIsMissWithoutReaper(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := open(t, WithTTL(time.Hour), WithReapInterval(0), WithClock(clock.Now))

			require.NoError(t, s.Set("k", []byte("v")))

			clock.Advance(59 * time.Minute)
			_, ok, err := s.Get("k")
			require.NoError(t, err)
			assert.True(t, ok, "entry should be live before the horizon")

			clock.Advance(time.Minute)
			_, ok, err = s.Get("k")
			require.NoError(t, err)
			assert.False(t, ok, "entry should be missing at the horizon")
		})
	}
}

func TestOverwriteKeepsLatestValueAndResetsDeadline(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := open(t, WithTTL(time.Hour), WithReapInterval(0), WithClock(clock.Now))

			require.NoError(t, s.Set("k", []byte("v1")))
			clock.Advance(45 * time.Minute)
			require.NoError(t, s.Set("k", []byte("v2")))
			clock.Advance(45 * time.Minute)

			got, ok, err := s.Get("k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("v2"), got)

			removed, err := s.Sweep()
			require.NoError(t, err)
			assert.Equal(t, 0, removed, "only one live entry should exist for the key")
		})
	}
}

func TestOverwriteAfterExpiry(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := open(t, WithTTL(time.Minute), WithReapInterval(0), WithClock(clock.Now))

			require.NoError(t, s.Set("k", []byte("old")))
			clock.Advance(2 * time.Minute)
			require.NoError(t, s.Set("k", []byte("new")))

			got, ok, err := s.Get("k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("new"), got)
		})
	}
}

func TestDeleteReturnsValue(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := open(t, WithTTL(time.Minute), WithReapInterval(0), WithClock(clock.Now))

			require.NoError(t, s.Set("live", []byte("a")))
			require.NoError(t, s.Set("stale", []byte("b")))
			clock.Advance(30 * time.Second)
			require.NoError(t, s.Set("live", []byte("a2")))
			clock.Advance(45 * time.Second)

			got, ok, err := s.Delete("live")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("a2"), got)

			_, ok, err = s.Get("live")
			require.NoError(t, err)
			assert.False(t, ok)

			_, ok, err = s.Delete("stale")
			require.NoError(t, err)
			assert.False(t, ok, "expired entries are not returned by Delete")

			_, ok, err = s.Delete("never")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := open(t, WithTTL(time.Minute), WithReapInterval(0), WithClock(clock.Now))

			for i := 0; i < 3; i++ {
				require.NoError(t, s.Set(fmt.Sprintf("old-%d", i), []byte("x")))
			}
			clock.Advance(2 * time.Minute)
			require.NoError(t, s.Set("fresh", []byte("y")))

			removed, err := s.Sweep()
			require.NoError(t, err)
			assert.Equal(t, 3, removed)

			_, ok, err := s.Get("fresh")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestReaperRemovesExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithTTL(time.Minute), WithReapInterval(5*time.Millisecond), WithClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Set("k", []byte("v")))
	clock.Advance(2 * time.Minute)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConcurrentWritersSameKey(t *testing.T) {
	s := NewMemoryStore(WithReapInterval(0))
	t.Cleanup(func() { _ = s.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Set("shared", []byte(fmt.Sprintf("%d", i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, s.Len())
	_, ok, err := s.Get("shared")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())
		})
	}
}

func TestOpen(t *testing.T) {
	s, err := Open("", "", WithReapInterval(0))
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	require.NoError(t, s.Close())

	env := testutil.NewTestEnv(t)
	s, err = Open(BackendSQLite, env.Path("jobs.db"), WithReapInterval(0))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open("redis", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store backend")
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	env := testutil.NewTestEnv(t)
	path := env.Path("persist.db")

	s, err := NewSQLiteStore(path, WithReapInterval(0))
	require.NoError(t, err)
	require.NoError(t, s.Set("k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, WithReapInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	got, ok, err := s.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

}
