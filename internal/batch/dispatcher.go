// Package batch runs many independent requests against one destination under a
// concurrency cap, a shared token-bucket rate limit and bounded retry.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/lepinkainen/shelfmatch/internal/errors"
	"github.com/lepinkainen/shelfmatch/internal/ratelimit"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultConcurrency = 16
	DefaultMaxAttempts = 3
)

// Status is the terminal state of one task.
type Status string

const (
	StatusOK        Status = "ok"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Task is one unit of work. It must honor ctx.
type Task[T any] func(ctx context.Context) (T, error)

// Result is the outcome of the task at Index in the submitted slice.
type Result[T any] struct {
	Index    int
	Value    T
	Err      error
	Attempts int
	Status   Status
}

// OK reports whether the task succeeded.
func (r Result[T]) OK() bool {
	return r.Status == StatusOK
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Dispatcher holds the admission policy for one destination. It is safe to share
// between concurrent Submit calls; the limiter is shared by all of them.
type Dispatcher struct {
	name        string
	concurrency int
	limiter     *ratelimit.Limiter
	maxAttempts int
	sleep       SleepFunc
	onDone      func(done, total int)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// New creates a Dispatcher named for logging.
func New(name string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		name:        name,
		concurrency: DefaultConcurrency,
		maxAttempts: DefaultMaxAttempts,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithConcurrency caps the number of tasks in flight.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithLimiter gates every attempt on limiter. A nil limiter disables rate limiting.
func WithLimiter(limiter *ratelimit.Limiter) Option {
	return func(d *Dispatcher) {
		d.limiter = limiter
	}
}

// WithMaxAttempts sets how many times a task is tried before it fails.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// WithOnDone registers a callback invoked after each task reaches a terminal state.
// It may be called from several goroutines at once.
func WithOnDone(fn func(done, total int)) Option {
	return func(d *Dispatcher) {
		d.onDone = fn
	}
}

// Submit runs every task and returns one result per task, in submission order.
//
// Results are returned once every task has finished or ctx is done; tasks that
// never completed are reported as StatusAbandoned. The returned error is non-nil
// only when a task failed with a terminal error, in which case tasks not yet
// admitted are abandoned.
func Submit[T any](ctx context.Context, d *Dispatcher, tasks []Task[T]) ([]Result[T], error) {
	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		terminalOnce sync.Once
		terminalErr  error
		done         atomic.Int64
	)

	p := pool.New().WithMaxGoroutines(d.concurrency)
	for i, task := range tasks {
		p.Go(func() {
			res := runTask(runCtx, d, i, task)
			if res.Status == StatusFailed && apperrors.IsAuthError(res.Err) {
				terminalOnce.Do(func() {
					terminalErr = res.Err
					slog.Warn("Aborting submission on terminal error", "dispatcher", d.name, "task", i, "error", res.Err)
					cancel()
				})
			}
			results[i] = res
			if d.onDone != nil {
				d.onDone(int(done.Add(1)), len(tasks))
			}
		})
	}
	p.Wait()

	return results, terminalErr
}

func runTask[T any](ctx context.Context, d *Dispatcher, index int, task Task[T]) Result[T] {
	res := Result[T]{Index: index}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return abandon(res, err)
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return abandon(res, err)
			}
		}

		res.Attempts = attempt
		value, err := task(ctx)
		if err == nil {
			res.Value = value
			res.Err = nil
			res.Status = StatusOK
			return res
		}
		res.Err = err

		if apperrors.IsAuthError(err) {
			res.Status = StatusFailed
			return res
		}
		if ctx.Err() != nil {
			return abandon(res, err)
		}
		if !IsTransient(err) || attempt >= d.maxAttempts {
			res.Status = StatusFailed
			slog.Debug("Task failed", "dispatcher", d.name, "task", index, "attempts", attempt, "error", err)
			return res
		}

		delay := ExponentialBackoff(attempt)
		var rateErr *apperrors.RateLimitError
		if errors.As(err, &rateErr) && rateErr.RetryAfter > delay {
			delay = rateErr.RetryAfter
		}
		slog.Debug("Retrying task", "dispatcher", d.name, "task", index, "attempt", attempt, "delay", delay, "error", err)
		if err := d.sleep(ctx, delay); err != nil {
			return abandon(res, err)
		}
	}
}

func abandon[T any](res Result[T], err error) Result[T] {
	if res.Err == nil {
		res.Err = err
	}
	res.Status = StatusAbandoned
	return res
}

// ExponentialBackoff waits 2^attempt seconds after the given failed attempt: 2s, 4s, 8s...
func ExponentialBackoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

// IsTransient reports whether err is worth retrying: an explicit rate limit or a
// transport-level failure such as a timeout or reset connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.IsRateLimitError(err) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		// Network errors (connection resets etc.)
		if strings.Contains(urlErr.Error(), "connection") || strings.Contains(urlErr.Error(), "EOF") {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
