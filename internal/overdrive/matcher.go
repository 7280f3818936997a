package overdrive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/lepinkainen/shelfmatch/internal/batch"
	"github.com/lepinkainen/shelfmatch/internal/book"
	"github.com/lepinkainen/shelfmatch/internal/isbn"
	"github.com/lepinkainen/shelfmatch/internal/progress"
	"github.com/lepinkainen/shelfmatch/internal/ratelimit"
)

const (
	DefaultSearchLimit    = 10
	DefaultStockBatchSize = 25
	// DefaultRequestsPerSecond keeps well inside OverDrive's documented API quota.
	DefaultRequestsPerSecond = 8
	DefaultBurst             = 16
)

// Catalog is the subset of the OverDrive API the matcher needs.
type Catalog interface {
	Search(ctx context.Context, collection, query string, limit int) ([]Product, error)
	Identifiers(ctx context.Context, collection, productID string) ([]string, error)
	Availability(ctx context.Context, collection string, productIDs []string) ([]Availability, error)
}

// Report is the outcome of matching a shelf against one collection.
type Report struct {
	// Available holds matched books with at least one copy available, best first.
	Available []Edition `json:"available" yaml:"available"`
	// Unavailable holds matched books with no copy available right now.
	Unavailable []Edition `json:"unavailable" yaml:"unavailable"`
	// Unmatched holds books no search step could place in the collection.
	Unmatched []book.Book `json:"unmatched" yaml:"unmatched"`
	// NoIdentifier lists books that had no ISBN and went straight to title search.
	NoIdentifier []book.Book `json:"no_identifier" yaml:"no_identifier"`
}

// Matcher finds shelf books in a collection and attaches live availability.
type Matcher struct {
	catalog        Catalog
	collection     string
	searchLimit    int
	stockBatchSize int
	limiter        *ratelimit.Limiter
	dispatchOpts   []batch.Option
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithSearchLimit caps the number of title-search candidates considered per book.
func WithSearchLimit(n int) MatcherOption {
	return func(m *Matcher) {
		if n > 0 {
			m.searchLimit = n
		}
	}
}

// WithStockBatchSize sets how many products one availability request carries.
func WithStockBatchSize(n int) MatcherOption {
	return func(m *Matcher) {
		if n > 0 {
			m.stockBatchSize = n
		}
	}
}

// WithLimiter replaces the default request limiter shared by every stage.
func WithLimiter(limiter *ratelimit.Limiter) MatcherOption {
	return func(m *Matcher) {
		m.limiter = limiter
	}
}

// WithDispatchOptions adds batch options (concurrency, attempts, sleep) to every stage.
func WithDispatchOptions(opts ...batch.Option) MatcherOption {
	return func(m *Matcher) {
		m.dispatchOpts = append(m.dispatchOpts, opts...)
	}
}

// NewMatcher creates a Matcher for the collection identified by collectionToken.
func NewMatcher(catalog Catalog, collectionToken string, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		catalog:        catalog,
		collection:     collectionToken,
		searchLimit:    DefaultSearchLimit,
		stockBatchSize: DefaultStockBatchSize,
		limiter:        ratelimit.NewWithBurst("overdrive", DefaultRequestsPerSecond, DefaultBurst),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Matcher) dispatcher(name string, phase progress.Phase, message string, report progress.Reporter) *batch.Dispatcher {
	opts := append([]batch.Option{batch.WithLimiter(m.limiter)}, m.dispatchOpts...)
	opts = append(opts, batch.WithOnDone(func(done, total int) {
		report.Step(phase, message, done, total)
	}))
	return batch.New(name, opts...)
}

// Match searches for every book, fetches stock for the matches and returns the
// consolidated report. An authentication failure aborts with a nil report. When
// ctx expires the report covers whatever completed; an explicit cancellation
// additionally returns the context error alongside that partial report.
func (m *Matcher) Match(ctx context.Context, books []book.Book, report progress.Reporter) (*Report, error) {
	result := &Report{
		Available:    []Edition{},
		Unavailable:  []Edition{},
		Unmatched:    []book.Book{},
		NoIdentifier: []book.Book{},
	}
	if len(books) == 0 {
		return result, nil
	}

	report.Status(progress.PhaseSearch, fmt.Sprintf("Searching the library catalog for %d books...", len(books)))

	tasks := make([]batch.Task[[]Edition], len(books))
	for i, b := range books {
		if !b.HasIdentifier() {
			result.NoIdentifier = append(result.NoIdentifier, b)
		}
		tasks[i] = func(ctx context.Context) ([]Edition, error) {
			return m.MatchBook(ctx, b)
		}
	}

	searched, err := batch.Submit(ctx, m.dispatcher("overdrive-search", progress.PhaseSearch, "Searching catalog", report), tasks)
	if err != nil {
		return nil, err
	}

	var matched []Edition
	for i, res := range searched {
		if !res.OK() || len(res.Value) == 0 {
			if !res.OK() {
				slog.Warn("Catalog search failed", "title", books[i].Title, "status", res.Status, "attempts", res.Attempts, "error", res.Err)
			}
			result.Unmatched = append(result.Unmatched, books[i])
			continue
		}
		matched = append(matched, res.Value...)
	}

	stocked, err := m.applyStock(ctx, matched, report)
	if err != nil {
		return nil, err
	}

	for _, e := range SortByAvailability(Consolidate(stocked)) {
		if e.Available() {
			result.Available = append(result.Available, e)
		} else {
			result.Unavailable = append(result.Unavailable, e)
		}
	}

	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return result, err
	}

	slog.Info("Catalog match finished",
		"available", len(result.Available),
		"unavailable", len(result.Unavailable),
		"unmatched", len(result.Unmatched),
		"no_identifier", len(result.NoIdentifier),
	)
	return result, nil
}

// MatchBook runs the per-book search sequence: identifier search, then a
// validated title search when the identifier finds nothing. A book with no
// match yields an empty slice, not an error.
func (m *Matcher) MatchBook(ctx context.Context, b book.Book) ([]Edition, error) {
	if id := b.Identifier(); id != "" {
		products, err := m.catalog.Search(ctx, m.collection, id, m.searchLimit)
		if err != nil {
			return nil, err
		}
		if len(products) > 0 {
			editions := make([]Edition, 0, len(products))
			for _, p := range products {
				editions = append(editions, newEdition(b, p, MatchByIdentifier))
			}
			return editions, nil
		}
	}

	query := book.CleanForSearch(b.Title)
	if query == "" {
		return nil, nil
	}
	candidates, err := m.catalog.Search(ctx, m.collection, `"`+query+`"`, m.searchLimit)
	if err != nil {
		return nil, err
	}

	for _, p := range candidates {
		ok, err := m.validate(ctx, b, p)
		if err != nil {
			return nil, err
		}
		if ok {
			return []Edition{newEdition(b, p, MatchByTitle)}, nil
		}
	}
	return nil, nil
}

// validate accepts a title-search candidate when its creator carries the
// target author's surname and either the titles agree or the product's
// catalog identifiers include the target ISBN.
func (m *Matcher) validate(ctx context.Context, b book.Book, p Product) (bool, error) {
	lastName := book.AuthorLastName(b.Author)
	if !strings.Contains(strings.ToLower(p.PrimaryCreator.Name), lastName) {
		return false, nil
	}

	if book.TitlesMatch(b.Title, p.Title) {
		return true, nil
	}

	target := isbn.Variants(b.Identifier())
	if len(target) == 0 {
		return false, nil
	}
	ids, err := m.catalog.Identifiers(ctx, m.collection, p.ID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if slices.Contains(target, isbn.Normalize(id)) {
			return true, nil
		}
	}
	return false, nil
}

// applyStock fetches availability in fixed-size batches and returns new
// editions carrying the counts. Editions of failed batches keep zero counts.
func (m *Matcher) applyStock(ctx context.Context, editions []Edition, report progress.Reporter) ([]Edition, error) {
	if len(editions) == 0 {
		return nil, nil
	}

	var ids []string
	seen := make(map[string]bool, len(editions))
	for _, e := range editions {
		if e.ProductID != "" && !seen[e.ProductID] {
			seen[e.ProductID] = true
			ids = append(ids, e.ProductID)
		}
	}

	chunks := batch.Chunk(ids, m.stockBatchSize)
	tasks := make([]batch.Task[[]Availability], len(chunks))
	for i, chunk := range chunks {
		tasks[i] = func(ctx context.Context) ([]Availability, error) {
			return m.catalog.Availability(ctx, m.collection, chunk)
		}
	}

	report.Status(progress.PhaseStock, fmt.Sprintf("Checking availability for %d titles...", len(ids)))
	results, err := batch.Submit(ctx, m.dispatcher("overdrive-stock", progress.PhaseStock, "Checking availability", report), tasks)
	if err != nil {
		return nil, err
	}

	stock := make(map[string]Availability, len(ids))
	for i, res := range results {
		if !res.OK() {
			slog.Warn("Skipping availability batch", "batch", i, "size", len(chunks[i]), "status", res.Status, "error", res.Err)
			continue
		}
		for _, a := range res.Value {
			stock[strings.ToLower(a.ProductID)] = a
		}
	}

	out := make([]Edition, 0, len(editions))
	for _, e := range editions {
		a := stock[strings.ToLower(e.ProductID)]
		out = append(out, e.WithStock(a.CopiesOwned, a.CopiesAvailable, a.NumberOfHolds))
	}
	return out, nil
}
