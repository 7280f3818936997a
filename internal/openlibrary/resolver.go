package openlibrary

import (
	"context"
	"log/slog"

	"github.com/lepinkainen/shelfmatch/internal/batch"
	"github.com/lepinkainen/shelfmatch/internal/isbn"
	"github.com/lepinkainen/shelfmatch/internal/kvstore"
	"github.com/lepinkainen/shelfmatch/internal/progress"
	"github.com/lepinkainen/shelfmatch/internal/ratelimit"
)

const (
	// DefaultLookupsPerSecond is the sustained Open Library lookup rate.
	DefaultLookupsPerSecond = 1.4
	// DefaultBurst allows roughly two seconds' worth of lookups at once.
	DefaultBurst = 3

	cacheNamespace = "alternates"
)

// EditionSource is the subset of the Open Library API the resolver needs.
type EditionSource interface {
	Edition(ctx context.Context, isbn string) (*Edition, error)
	WorkEditions(ctx context.Context, workKey string) ([]Edition, error)
}

// Resolver expands ISBNs into the ISBNs of every edition of the same work.
type Resolver struct {
	source       EditionSource
	limiter      *ratelimit.Limiter
	dispatchOpts []batch.Option
	cache        *kvstore.Namespaced
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLimiter replaces the default 1.4 lookups/second limiter.
func WithLimiter(limiter *ratelimit.Limiter) ResolverOption {
	return func(r *Resolver) {
		r.limiter = limiter
	}
}

// WithDispatchOptions adds batch options (concurrency, attempts, sleep) to every lookup run.
func WithDispatchOptions(opts ...batch.Option) ResolverOption {
	return func(r *Resolver) {
		r.dispatchOpts = append(r.dispatchOpts, opts...)
	}
}

// WithCache stores resolved alternates in store so repeated runs skip the lookups.
func WithCache(store kvstore.Store) ResolverOption {
	return func(r *Resolver) {
		if store != nil {
			r.cache = kvstore.Namespace(store, cacheNamespace)
		}
	}
}

// NewResolver creates a Resolver reading editions from source.
func NewResolver(source EditionSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		source:  source,
		limiter: ratelimit.NewWithBurst("openlibrary", DefaultLookupsPerSecond, DefaultBurst),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Alternates performs a single, unretried lookup for code and returns every
// equivalent ISBN except code itself.
func (r *Resolver) Alternates(ctx context.Context, code string) ([]string, error) {
	code = isbn.Normalize(code)
	if code == "" {
		return nil, nil
	}

	if r.cache != nil {
		cached, ok, err := kvstore.GetJSON[[]string](r.cache, code)
		if err != nil {
			slog.Warn("Failed to read cached alternates", "isbn", code, "error", err)
		} else if ok {
			slog.Debug("Cache hit", "namespace", cacheNamespace, "isbn", code)
			return cached, nil
		}
	}

	edition, err := r.source.Edition(ctx, code)
	if err != nil {
		return nil, err
	}

	candidates := edition.ISBNs()
	if key := edition.WorkKey(); key != "" {
		siblings, err := r.source.WorkEditions(ctx, key)
		if err != nil {
			return nil, err
		}
		for i := range siblings {
			candidates = append(candidates, siblings[i].ISBNs()...)
		}
	}

	alternates := collectAlternates(code, candidates)

	if r.cache != nil && edition != nil {
		if err := kvstore.SetJSON(r.cache, code, alternates); err != nil {
			slog.Warn("Failed to cache alternates", "isbn", code, "error", err)
		}
	}
	return alternates, nil
}

// Resolve looks up alternates for every ISBN concurrently under the Open Library
// rate limit. Each input maps to its alternates; a lookup that exhausts its
// retries maps to an empty list and never fails the batch.
func (r *Resolver) Resolve(ctx context.Context, codes []string, report progress.Reporter) map[string][]string {
	inputs := uniqueNormalized(codes)
	out := make(map[string][]string, len(inputs))
	if len(inputs) == 0 {
		return out
	}

	tasks := make([]batch.Task[[]string], len(inputs))
	for i, code := range inputs {
		tasks[i] = func(ctx context.Context) ([]string, error) {
			return r.Alternates(ctx, code)
		}
	}

	opts := append([]batch.Option{batch.WithLimiter(r.limiter)}, r.dispatchOpts...)
	opts = append(opts, batch.WithOnDone(func(done, total int) {
		report.Step(progress.PhaseResolve, "Looking up alternate ISBNs", done, total)
	}))

	results, _ := batch.Submit(ctx, batch.New("openlibrary", opts...), tasks)
	for i, res := range results {
		if !res.OK() {
			slog.Warn("Alternate ISBN lookup failed", "isbn", inputs[i], "status", res.Status, "attempts", res.Attempts, "error", res.Err)
			out[inputs[i]] = []string{}
			continue
		}
		out[inputs[i]] = res.Value
	}
	return out
}

// collectAlternates adds cross-scheme forms of every candidate, deduplicates in
// first-seen order and drops self.
func collectAlternates(self string, candidates []string) []string {
	seen := map[string]bool{self: true}
	out := []string{}
	for _, c := range candidates {
		for _, v := range isbn.Variants(c) {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

func uniqueNormalized(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		n := isbn.Normalize(c)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
