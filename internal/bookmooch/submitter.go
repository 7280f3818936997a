package bookmooch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lepinkainen/shelfmatch/internal/batch"
	"github.com/lepinkainen/shelfmatch/internal/book"
	"github.com/lepinkainen/shelfmatch/internal/isbn"
	"github.com/lepinkainen/shelfmatch/internal/progress"
)

const (
	// DefaultMaxURLLength is the longest request URL the userbook endpoint accepts.
	DefaultMaxURLLength = 2000
	// DefaultMaxBatchIDs caps identifiers per request regardless of URL length.
	DefaultMaxBatchIDs = 300
	DefaultConcurrency = 4
)

// Wishlist is the subset of the BookMooch API the submitter needs.
type Wishlist interface {
	AddToWishlist(ctx context.Context, ids []string, creds Credentials) ([]string, error)
	RequestURL(ids []string) string
}

// AlternateResolver expands ISBNs into the ISBNs of other editions of the same work.
type AlternateResolver interface {
	Resolve(ctx context.Context, codes []string, report progress.Reporter) map[string][]string
}

// Entry is a book BookMooch accepted, with the identifier that linked it.
type Entry struct {
	Book        book.Book `json:"book" yaml:"book"`
	LinkingISBN string    `json:"linking_isbn" yaml:"linking_isbn"`
}

// ImportResult partitions the submitted shelf.
type ImportResult struct {
	Added        []Entry     `json:"added" yaml:"added"`
	Failed       []book.Book `json:"failed" yaml:"failed"`
	NoIdentifier []book.Book `json:"no_identifier" yaml:"no_identifier"`
}

// Submitter adds a shelf to a BookMooch wishlist, trying every known edition of each book.
type Submitter struct {
	wishlist     Wishlist
	resolver     AlternateResolver
	maxURLLength int
	maxBatchIDs  int
	dispatchOpts []batch.Option
}

// SubmitterOption configures a Submitter.
type SubmitterOption func(*Submitter)

// WithResolver expands each ISBN with its alternates before submission.
func WithResolver(r AlternateResolver) SubmitterOption {
	return func(s *Submitter) {
		s.resolver = r
	}
}

// WithMaxURLLength overrides the request URL ceiling.
func WithMaxURLLength(n int) SubmitterOption {
	return func(s *Submitter) {
		if n > 0 {
			s.maxURLLength = n
		}
	}
}

// WithMaxBatchIDs overrides the per-request identifier cap.
func WithMaxBatchIDs(n int) SubmitterOption {
	return func(s *Submitter) {
		if n > 0 {
			s.maxBatchIDs = n
		}
	}
}

// WithDispatchOptions adds batch options for the submission stage.
func WithDispatchOptions(opts ...batch.Option) SubmitterOption {
	return func(s *Submitter) {
		s.dispatchOpts = append(s.dispatchOpts, opts...)
	}
}

// NewSubmitter creates a Submitter posting to wishlist.
func NewSubmitter(wishlist Wishlist, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		wishlist:     wishlist,
		maxURLLength: DefaultMaxURLLength,
		maxBatchIDs:  DefaultMaxBatchIDs,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Import submits books to the wishlist. A book counts as added when BookMooch
// accepts any of its identifiers; the first accepted one becomes its linking
// ISBN. An authentication failure aborts the whole import and no result is returned.
func (s *Submitter) Import(ctx context.Context, books []book.Book, creds Credentials, report progress.Reporter) (*ImportResult, error) {
	result := &ImportResult{
		Added:        []Entry{},
		Failed:       []book.Book{},
		NoIdentifier: []book.Book{},
	}

	var primaries []string
	seen := map[string]bool{}
	for _, b := range books {
		id := b.Identifier()
		if id == "" {
			result.NoIdentifier = append(result.NoIdentifier, b)
			continue
		}
		if !seen[id] {
			seen[id] = true
			primaries = append(primaries, id)
		}
	}

	report.Status(progress.PhaseResolve, fmt.Sprintf("Looking up other editions of %d books...", len(primaries)))

	var alternates map[string][]string
	if s.resolver != nil && len(primaries) > 0 {
		alternates = s.resolver.Resolve(ctx, primaries, report)
	}
	expanded, owner := expand(primaries, alternates)

	batches := Partition(expanded, s.wishlist.RequestURL, s.maxURLLength, s.maxBatchIDs)
	report.Status(progress.PhaseSubmit, fmt.Sprintf("Submitting %d ISBNs in %d batches...", len(expanded), len(batches)))

	tasks := make([]batch.Task[[]string], len(batches))
	for i, ids := range batches {
		tasks[i] = func(ctx context.Context) ([]string, error) {
			return s.wishlist.AddToWishlist(ctx, ids, creds)
		}
	}

	opts := append([]batch.Option{batch.WithConcurrency(DefaultConcurrency)}, s.dispatchOpts...)
	opts = append(opts, batch.WithOnDone(func(done, total int) {
		report.Step(progress.PhaseSubmit, "Submitting to BookMooch", done, total)
	}))
	results, err := batch.Submit(ctx, batch.New("bookmooch", opts...), tasks)
	if err != nil {
		return nil, err
	}

	linking := make(map[string]string, len(primaries))
	for i, res := range results {
		if !res.OK() {
			slog.Warn("Wishlist batch failed", "batch", i, "size", len(batches[i]), "status", res.Status, "error", res.Err)
			continue
		}
		for _, accepted := range res.Value {
			primary, ok := owner[accepted]
			if !ok {
				slog.Debug("BookMooch accepted an unrequested identifier", "isbn", accepted)
				continue
			}
			if _, done := linking[primary]; !done {
				linking[primary] = accepted
			}
		}
	}

	for _, b := range books {
		id := b.Identifier()
		if id == "" {
			continue
		}
		if link, ok := linking[id]; ok {
			result.Added = append(result.Added, Entry{Book: b, LinkingISBN: link})
		} else {
			result.Failed = append(result.Failed, b)
		}
	}

	report.Status(progress.PhaseFinalize, fmt.Sprintf("Added %d books, %d not found on BookMooch", len(result.Added), len(result.Failed)))
	slog.Info("BookMooch import finished",
		"added", len(result.Added),
		"failed", len(result.Failed),
		"no_identifier", len(result.NoIdentifier),
	)

	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return result, err
	}
	return result, nil
}

// expand returns every identifier to submit, primaries first, and the reverse
// map from each identifier to the primary it was derived from. An alternate
// shared by two books belongs to whichever claimed it first.
func expand(primaries []string, alternates map[string][]string) ([]string, map[string]string) {
	owner := make(map[string]string, len(primaries))
	var out []string
	for _, p := range primaries {
		owner[p] = p
		out = append(out, p)
	}
	for _, p := range primaries {
		for _, alt := range alternates[p] {
			alt = isbn.Normalize(alt)
			if alt == "" {
				continue
			}
			if _, taken := owner[alt]; taken {
				continue
			}
			owner[alt] = p
			out = append(out, alt)
		}
	}
	return out, owner
}

// Partition groups ids into batches whose request URL, as built by urlFor,
// stays within maxURLLength and which hold at most maxIDs identifiers. An id
// too long to fit any URL still gets a batch of its own.
func Partition(ids []string, urlFor func([]string) string, maxURLLength, maxIDs int) [][]string {
	var batches [][]string
	var current []string
	for _, id := range ids {
		candidate := append(current[:len(current):len(current)], id)
		if len(current) > 0 && (len(candidate) > maxIDs || len(urlFor(candidate)) > maxURLLength) {
			batches = append(batches, current)
			current = []string{id}
			continue
		}
		current = candidate
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
