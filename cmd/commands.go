package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/viper"

	"github.com/lepinkainen/shelfmatch/internal/batch"
	"github.com/lepinkainen/shelfmatch/internal/book"
	"github.com/lepinkainen/shelfmatch/internal/bookmooch"
	"github.com/lepinkainen/shelfmatch/internal/config"
	"github.com/lepinkainen/shelfmatch/internal/errors"
	"github.com/lepinkainen/shelfmatch/internal/fileutil"
	"github.com/lepinkainen/shelfmatch/internal/goodreads"
	"github.com/lepinkainen/shelfmatch/internal/jobs"
	"github.com/lepinkainen/shelfmatch/internal/kvstore"
	"github.com/lepinkainen/shelfmatch/internal/openlibrary"
	"github.com/lepinkainen/shelfmatch/internal/overdrive"
	"github.com/lepinkainen/shelfmatch/internal/progress"
	"github.com/lepinkainen/shelfmatch/internal/ratelimit"
	"github.com/lepinkainen/shelfmatch/internal/tui"
)

const observerInterval = 150 * time.Millisecond

var (
	openStore = func(cfg *config.Config) (kvstore.Store, error) {
		return kvstore.Open(cfg.Store.Backend, cfg.Store.DBFile,
			kvstore.WithTTL(cfg.Store.TTL),
			kvstore.WithReapInterval(cfg.Store.ReapInterval),
		)
	}
	watchProgress = tui.Watch
)

func (w *WishlistCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	username := firstNonEmpty(w.Username, cfg.BookMooch.Username)
	password := firstNonEmpty(w.Password, cfg.BookMooch.Password)
	if username == "" || password == "" {
		return fmt.Errorf("BookMooch credentials are required (provide via --username/--password, BOOKMOOCH_USERNAME/BOOKMOOCH_PASSWORD or bookmooch.username in config)")
	}

	books, err := loadShelf(cfg, w.Input, w.Shelf)
	if err != nil {
		return err
	}

	return runJob(cfg, jobs.Params{
		Kind:     jobs.KindWishlist,
		Username: username,
		Password: password,
		Books:    books,
	})
}

func (a *AvailabilityCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if a.Token != "" {
		cfg.OverDrive.Token = a.Token
	}
	if cfg.OverDrive.Token == "" {
		return fmt.Errorf("OverDrive access token is required (provide via --token, OVERDRIVE_TOKEN or overdrive.token in config)")
	}
	library := firstNonEmpty(a.Library, cfg.OverDrive.LibraryID)
	if library == "" {
		return fmt.Errorf("OverDrive library id is required (provide via --library, OVERDRIVE_LIBRARY_ID or overdrive.library in config)")
	}

	books, err := loadShelf(cfg, a.Input, a.Shelf)
	if err != nil {
		return err
	}

	return runJob(cfg, jobs.Params{
		Kind:      jobs.KindAvailability,
		LibraryID: library,
		Books:     books,
	})
}

func (s *StoreSweepCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	removed, err := store.Sweep()
	if err != nil {
		return fmt.Errorf("failed to sweep store: %w", err)
	}
	slog.Info("Swept job store", "backend", cfg.Store.Backend, "removed", removed)
	return nil
}

func loadShelf(cfg *config.Config, input, shelf string) ([]book.Book, error) {
	input = firstNonEmpty(input, cfg.Goodreads.CSVFile)
	if input == "" {
		return nil, fmt.Errorf("input CSV file is required (provide via --input flag or goodreads.csvfile in config)")
	}
	shelf = firstNonEmpty(shelf, cfg.Goodreads.Shelf)

	books, err := goodreads.LoadFile(input, shelf)
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded Goodreads shelf", "file", input, "shelf", shelf, "books", len(books))
	return books, nil
}

// runJob stores params, runs the worker and writes the job result to the output directory.
func runJob(cfg *config.Config, params jobs.Params) error {
	format, err := fileutil.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	id, err := jobs.Submit(store, params)
	if err != nil {
		return err
	}

	worker := jobs.NewWorker(store,
		jobs.WithImporter(newSubmitter(cfg, store)),
		jobs.WithMatcherFactory(newMatcherFactory(cfg)),
		jobs.WithTimeout(cfg.Jobs.Timeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if viper.GetBool("output.tui") {
		err = runWithProgressView(ctx, store, worker, id, params.Kind)
	} else {
		err = worker.Run(ctx, id, logProgress)
	}
	if err != nil {
		return err
	}

	var result any
	var ok bool
	switch params.Kind {
	case jobs.KindWishlist:
		result, ok, err = jobs.WishlistResult(store, id)
	case jobs.KindAvailability:
		result, ok, err = jobs.AvailabilityResult(store, id)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s finished without a stored result", id)
	}

	path := fileutil.ResultPath(cfg.Output.Dir, fmt.Sprintf("%s-%s", params.Kind, id), format)
	_, err = fileutil.WriteResult(result, path, format, cfg.Output.Overwrite)
	return err
}

// runWithProgressView runs the worker in the background and follows it through
// the store, the same way a detached observer would.
func runWithProgressView(ctx context.Context, store kvstore.Store, worker *jobs.Worker, id string, kind jobs.Kind) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx, id, nil) }()

	_, watchErr := watchProgress(fmt.Sprintf("shelfmatch %s (%s)", kind, id), jobs.NewObserver(store).Poll(ctx, id, observerInterval))
	if errors.IsStopProcessingError(watchErr) {
		slog.Info("Stopping job", "job", id)
		cancel()
	}

	err := <-done
	if err != nil {
		return err
	}
	if watchErr != nil && !errors.IsStopProcessingError(watchErr) {
		return watchErr
	}
	return nil
}

func newSubmitter(cfg *config.Config, store kvstore.Store) *bookmooch.Submitter {
	catalog := openlibrary.NewClient(
		openlibrary.WithBaseURL(cfg.OpenLibrary.BaseURL),
		openlibrary.WithUserAgent(cfg.OpenLibrary.UserAgent),
	)
	resolver := openlibrary.NewResolver(catalog,
		openlibrary.WithCache(store),
		openlibrary.WithLimiter(ratelimit.NewWithBurst("openlibrary", cfg.OpenLibrary.RatePerSecond, openlibrary.DefaultBurst)),
		openlibrary.WithDispatchOptions(batch.WithMaxAttempts(cfg.Retry.MaxAttempts)),
	)

	client := bookmooch.NewClient(bookmooch.WithBaseURL(cfg.BookMooch.BaseURL))
	return bookmooch.NewSubmitter(client,
		bookmooch.WithResolver(resolver),
		bookmooch.WithMaxURLLength(cfg.BookMooch.MaxURLLength),
		bookmooch.WithDispatchOptions(
			batch.WithConcurrency(cfg.BookMooch.Concurrency),
			batch.WithMaxAttempts(cfg.Retry.MaxAttempts),
		),
	)
}

func newMatcherFactory(cfg *config.Config) jobs.MatcherFactory {
	return func(ctx context.Context, libraryID string) (jobs.Matcher, error) {
		client := overdrive.NewClient(cfg.OverDrive.Token, overdrive.WithBaseURL(cfg.OverDrive.BaseURL))
		collection, err := client.Collection(ctx, libraryID)
		if err != nil {
			return nil, err
		}
		slog.Info("Resolved OverDrive collection", "library", libraryID, "collection", collection)

		return overdrive.NewMatcher(client, collection,
			overdrive.WithSearchLimit(cfg.OverDrive.SearchLimit),
			overdrive.WithDispatchOptions(
				batch.WithConcurrency(cfg.OverDrive.Concurrency),
				batch.WithMaxAttempts(cfg.Retry.MaxAttempts),
			),
		), nil
	}
}

func logProgress(ev progress.Event) {
	switch ev.Type {
	case progress.TypeProgress:
		if ev.Current == ev.Total || ev.Current%10 == 0 {
			percentage := "0%"
			if ev.Total > 0 {
				percentage = fmt.Sprintf("%.1f%%", float64(ev.Current)/float64(ev.Total)*100)
			}
			slog.Info(ev.Message, "phase", ev.Phase, "processed", ev.Current, "total", ev.Total, "percentage", percentage)
		}
	case progress.TypeError:
		slog.Error(ev.Message)
	case progress.TypeComplete:
		slog.Info(ev.Message, "added", ev.AddedCount, "failed", ev.FailedCount)
	default:
		slog.Info(ev.Message, "phase", ev.Phase)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
