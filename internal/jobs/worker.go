package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lepinkainen/shelfmatch/internal/book"
	"github.com/lepinkainen/shelfmatch/internal/bookmooch"
	apperrors "github.com/lepinkainen/shelfmatch/internal/errors"
	"github.com/lepinkainen/shelfmatch/internal/kvstore"
	"github.com/lepinkainen/shelfmatch/internal/overdrive"
	"github.com/lepinkainen/shelfmatch/internal/progress"
)

// ErrMissingParams is returned when no parameters are stored for a job id.
var ErrMissingParams = errors.New("missing job parameters")

// Importer adds books to a BookMooch wishlist.
type Importer interface {
	Import(ctx context.Context, books []book.Book, creds bookmooch.Credentials, report progress.Reporter) (*bookmooch.ImportResult, error)
}

// Matcher checks books against one library collection.
type Matcher interface {
	Match(ctx context.Context, books []book.Book, report progress.Reporter) (*overdrive.Report, error)
}

// MatcherFactory builds the Matcher for a library id.
type MatcherFactory func(ctx context.Context, libraryID string) (Matcher, error)

// Worker executes stored jobs.
type Worker struct {
	store    kvstore.Store
	importer Importer
	matchers MatcherFactory
	timeout  time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithImporter sets the wishlist importer.
func WithImporter(i Importer) WorkerOption {
	return func(w *Worker) {
		w.importer = i
	}
}

// WithMatcherFactory sets how availability jobs obtain a Matcher.
func WithMatcherFactory(f MatcherFactory) WorkerOption {
	return func(w *Worker) {
		w.matchers = f
	}
}

// WithTimeout bounds each job. A job that runs out of time stores whatever it finished.
func WithTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.timeout = d
	}
}

// NewWorker creates a Worker reading jobs from store.
func NewWorker(store kvstore.Store, opts ...WorkerOption) *Worker {
	w := &Worker{store: store}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes the job stored under id, consuming its parameters. Every event is
// delivered to report and the latest one is kept under the job's progress key
// for observers. A job cut short by cancellation still stores its partial result.
func (w *Worker) Run(ctx context.Context, id string, report progress.Reporter) error {
	ns := kvstore.Namespace(w.store, id)
	emit := progress.Fanout(report, func(ev progress.Event) {
		if err := kvstore.SetJSON(ns, keyProgress, ev); err != nil {
			slog.Warn("Failed to store job progress", "job", id, "error", err)
		}
	})

	// Taking the params removes the stored credentials with them.
	params, ok, err := kvstore.TakeJSON[Params](ns, keyParams)
	if err != nil || !ok {
		emit.Emit(progress.Event{Type: progress.TypeError, Message: "Missing job parameters"})
		if err != nil {
			return fmt.Errorf("failed to read job parameters: %w", err)
		}
		return ErrMissingParams
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	slog.Info("Running job", "job", id, "kind", params.Kind, "books", len(params.Books))

	var final progress.Event
	switch params.Kind {
	case KindWishlist:
		final, err = w.runWishlist(ctx, ns, params, emit)
	case KindAvailability:
		final, err = w.runAvailability(ctx, ns, params, emit)
	default:
		err = fmt.Errorf("unknown job kind %q", params.Kind)
	}
	if err != nil {
		emit.Emit(progress.Event{Type: progress.TypeError, Message: errorMessage(params.Kind, err)})
		return err
	}

	emit.Emit(final)
	return nil
}

func (w *Worker) runWishlist(ctx context.Context, ns *kvstore.Namespaced, params Params, emit progress.Reporter) (progress.Event, error) {
	if w.importer == nil {
		return progress.Event{}, errors.New("no BookMooch importer configured")
	}
	emit.Status(progress.PhaseResolve, "Starting BookMooch import...")

	res, err := w.importer.Import(ctx, params.Books, params.Credentials(), emit)
	if res != nil {
		if storeErr := kvstore.SetJSON(ns, keyResult, res); storeErr != nil {
			return progress.Event{}, errors.Join(err, storeErr)
		}
	}
	if err != nil {
		return progress.Event{}, err
	}

	return progress.Event{
		Type:        progress.TypeComplete,
		Phase:       progress.PhaseFinalize,
		Message:     fmt.Sprintf("Import complete! Added %d books.", len(res.Added)),
		AddedCount:  len(res.Added),
		FailedCount: len(res.Failed),
	}, nil
}

func (w *Worker) runAvailability(ctx context.Context, ns *kvstore.Namespaced, params Params, emit progress.Reporter) (progress.Event, error) {
	if w.matchers == nil {
		return progress.Event{}, errors.New("no OverDrive matcher configured")
	}
	emit.Status(progress.PhaseSearch, "Starting library availability check...")

	matcher, err := w.matchers(ctx, params.LibraryID)
	if err != nil {
		return progress.Event{}, err
	}
	rep, err := matcher.Match(ctx, params.Books, emit)
	if rep != nil {
		if storeErr := kvstore.SetJSON(ns, keyResult, rep); storeErr != nil {
			return progress.Event{}, errors.Join(err, storeErr)
		}
	}
	if err != nil {
		return progress.Event{}, err
	}

	return progress.Event{
		Type:        progress.TypeComplete,
		Phase:       progress.PhaseFinalize,
		Message:     fmt.Sprintf("Found %d books available now, %d on the shelf but checked out.", len(rep.Available), len(rep.Unavailable)),
		AddedCount:  len(rep.Available) + len(rep.Unavailable),
		FailedCount: len(rep.Unmatched),
	}, nil
}

func errorMessage(kind Kind, err error) string {
	if apperrors.IsAuthError(err) {
		if kind == KindAvailability {
			return "OverDrive rejected the access token. Check the token and try again."
		}
		return "BookMooch rejected the username or password. Check your credentials and try again."
	}
	return "An error occurred: " + err.Error()
}
