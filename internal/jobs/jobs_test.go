package jobs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lepinkainen/shelfmatch/internal/book"
	"github.com/lepinkainen/shelfmatch/internal/bookmooch"
	apperrors "github.com/lepinkainen/shelfmatch/internal/errors"
	"github.com/lepinkainen/shelfmatch/internal/kvstore"
	"github.com/lepinkainen/shelfmatch/internal/overdrive"
	"github.com/lepinkainen/shelfmatch/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockImporter struct {
	mock.Mock
}

func (m *mockImporter) Import(ctx context.Context, books []book.Book, creds bookmooch.Credentials, report progress.Reporter) (*bookmooch.ImportResult, error) {
	args := m.Called(ctx, books, creds, report)
	res, _ := args.Get(0).(*bookmooch.ImportResult)
	return res, args.Error(1)
}

type matcherFunc func(ctx context.Context, books []book.Book, report progress.Reporter) (*overdrive.Report, error)

func (f matcherFunc) Match(ctx context.Context, books []book.Book, report progress.Reporter) (*overdrive.Report, error) {
	return f(ctx, books, report)
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) report(ev progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) last() progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newStore(t *testing.T) kvstore.Store {
	t.Helper()
	store := kvstore.NewMemoryStore(kvstore.WithReapInterval(0))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var hobbit = book.Book{ISBN: "9780547928227", Title: "The Hobbit", Author: "J.R.R. Tolkien"}

func TestSubmitGeneratesCorrelationID(t *testing.T) {
	store := newStore(t)

	id, err := Submit(store, Params{Kind: KindWishlist, Username: "mooch", Password: "secret", Books: []book.Book{hobbit}})
	require.NoError(t, err)

	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())

	stored, ok, err := kvstore.GetJSON[Params](kvstore.Namespace(store, id), keyParams)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, stored.CorrelationID)
	assert.Equal(t, []book.Book{hobbit}, stored.Books)
}

func TestSubmitKeepsCallerCorrelationID(t *testing.T) {
	id, err := Submit(newStore(t), Params{Kind: KindAvailability, LibraryID: "1047", CorrelationID: "session-42"})
	require.NoError(t, err)
	assert.Equal(t, "session-42", id)
}

func TestSubmitValidates(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{name: "unknown kind", params: Params{Kind: "borrow"}},
		{name: "wishlist without password", params: Params{Kind: KindWishlist, Username: "mooch"}},
		{name: "availability without library", params: Params{Kind: KindAvailability}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Submit(newStore(t), tt.params)
			assert.Error(t, err)
		})
	}
}

func TestWorkerRunsWishlistJob(t *testing.T) {
	store := newStore(t)
	id, err := Submit(store, Params{Kind: KindWishlist, Username: "mooch", Password: "secret", Books: []book.Book{hobbit}})
	require.NoError(t, err)

	want := &bookmooch.ImportResult{
		Added:        []bookmooch.Entry{{Book: hobbit, LinkingISBN: "054792822X"}},
		Failed:       []book.Book{{ISBN: "9780345339683"}},
		NoIdentifier: []book.Book{},
	}
	importer := &mockImporter{}
	importer.On("Import", mock.Anything, []book.Book{hobbit}, bookmooch.Credentials{Username: "mooch", Password: "secret"}, mock.Anything).
		Return(want, nil).Once()

	rec := &recorder{}
	require.NoError(t, NewWorker(store, WithImporter(importer)).Run(context.Background(), id, rec.report))

	assert.Equal(t, progress.TypeStatus, rec.events[0].Type)
	assert.Equal(t, "Starting BookMooch import...", rec.events[0].Message)

	final := rec.last()
	assert.Equal(t, progress.TypeComplete, final.Type)
	assert.Equal(t, "Import complete! Added 1 books.", final.Message)
	assert.Equal(t, 1, final.AddedCount)
	assert.Equal(t, 1, final.FailedCount)

	got, ok, err := WishlistResult(store, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	latest, ok, err := NewObserver(store).Latest(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, final, latest)
	importer.AssertExpectations(t)

	_, ok, err = kvstore.Namespace(store, id).Get(keyParams)
	require.NoError(t, err)
	assert.False(t, ok, "parameters should be consumed by the run")
}

func TestWorkerRemovesCredentialsFromDiskStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	store, err := kvstore.NewSQLiteStore(path, kvstore.WithReapInterval(0))
	require.NoError(t, err)

	id, err := Submit(store, Params{Kind: KindWishlist, Username: "mooch", Password: "hunter2", Books: []book.Book{hobbit}})
	require.NoError(t, err)

	importer := &mockImporter{}
	importer.On("Import", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&bookmooch.ImportResult{}, apperrors.NewAuthError("bookmooch", 0, "html page")).Once()

	require.Error(t, NewWorker(store, WithImporter(importer)).Run(context.Background(), id, nil))
	require.NoError(t, store.Close())

	reopened, err := kvstore.NewSQLiteStore(path, kvstore.WithReapInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	_, ok, err := kvstore.GetJSON[Params](kvstore.Namespace(reopened, id), keyParams)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkerKeepsPartialResultOnCancel(t *testing.T) {
	store := newStore(t)
	id, err := Submit(store, Params{Kind: KindWishlist, Username: "mooch", Password: "secret", Books: []book.Book{hobbit}})
	require.NoError(t, err)

	partial := &bookmooch.ImportResult{
		Added:        []bookmooch.Entry{{Book: hobbit, LinkingISBN: "9780547928227"}},
		Failed:       []book.Book{},
		NoIdentifier: []book.Book{},
	}
	importer := &mockImporter{}
	importer.On("Import", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(partial, context.Canceled).Once()

	rec := &recorder{}
	err = NewWorker(store, WithImporter(importer)).Run(context.Background(), id, rec.report)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, progress.TypeError, rec.last().Type)

	got, ok, err := WishlistResult(store, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, partial, got)
}

func TestMatcherPartialReportIsStoredOnCancel(t *testing.T) {
	store := newStore(t)
	id, err := Submit(store, Params{Kind: KindAvailability, LibraryID: "1047", Books: []book.Book{hobbit}})
	require.NoError(t, err)

	partial := &overdrive.Report{Unmatched: []book.Book{hobbit}}
	factory := func(ctx context.Context, libraryID string) (Matcher, error) {
		return matcherFunc(func(ctx context.Context, books []book.Book, r progress.Reporter) (*overdrive.Report, error) {
			return partial, context.Canceled
		}), nil
	}

	err = NewWorker(store, WithMatcherFactory(factory)).Run(context.Background(), id, nil)
	require.ErrorIs(t, err, context.Canceled)

	got, ok, err := AvailabilityResult(store, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []book.Book{hobbit}, got.Unmatched)
}

func TestWorkerReportsAuthFailure(t *testing.T) {
	store := newStore(t)
	id, err := Submit(store, Params{Kind: KindWishlist, Username: "mooch", Password: "wrong"})
	require.NoError(t, err)

	importer := &mockImporter{}
	importer.On("Import", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, apperrors.NewAuthError("bookmooch", 0, "html page")).Once()

	rec := &recorder{}
	err = NewWorker(store, WithImporter(importer)).Run(context.Background(), id, rec.report)
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthError(err))

	final := rec.last()
	assert.Equal(t, progress.TypeError, final.Type)
	assert.Contains(t, final.Message, "rejected the username or password")

	_, ok, err := WishlistResult(store, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkerReportsGenericFailure(t *testing.T) {
	store := newStore(t)
	id, err := Submit(store, Params{Kind: KindAvailability, LibraryID: "1047"})
	require.NoError(t, err)

	factory := func(ctx context.Context, libraryID string) (Matcher, error) {
		return nil, assert.AnError
	}

	rec := &recorder{}
	err = NewWorker(store, WithMatcherFactory(factory)).Run(context.Background(), id, rec.report)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "An error occurred: "+assert.AnError.Error(), rec.last().Message)
}

func TestWorkerMissingParams(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}

	err := NewWorker(store).Run(context.Background(), "no-such-job", rec.report)
	require.ErrorIs(t, err, ErrMissingParams)
	assert.Equal(t, progress.Event{Type: progress.TypeError, Message: "Missing job parameters"}, rec.last())
}

func TestWorkerRunsAvailabilityJob(t *testing.T) {
	store := newStore(t)
	id, err := Submit(store, Params{Kind: KindAvailability, LibraryID: "1047", Books: []book.Book{hobbit}})
	require.NoError(t, err)

	report := &overdrive.Report{
		Available:    []overdrive.Edition{{BookKey: hobbit.Key(), ProductID: "hobbit-1", CopiesAvailable: 2, CopiesOwned: 5}},
		Unavailable:  []overdrive.Edition{},
		Unmatched:    []book.Book{},
		NoIdentifier: []book.Book{},
	}
	var gotLibrary string
	factory := func(ctx context.Context, libraryID string) (Matcher, error) {
		gotLibrary = libraryID
		return matcherFunc(func(ctx context.Context, books []book.Book, r progress.Reporter) (*overdrive.Report, error) {
			r.Step(progress.PhaseSearch, "Searching catalog", 1, 1)
			return report, nil
		}), nil
	}

	rec := &recorder{}
	require.NoError(t, NewWorker(store, WithMatcherFactory(factory)).Run(context.Background(), id, rec.report))

	assert.Equal(t, "1047", gotLibrary)
	assert.Equal(t, progress.TypeComplete, rec.last().Type)
	assert.Equal(t, 1, rec.last().AddedCount)

	got, ok, err := AvailabilityResult(store, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, report, got)
}

func TestWorkerAppliesTimeout(t *testing.T) {
	store := newStore(t)
	id, err := Submit(store, Params{Kind: KindAvailability, LibraryID: "1047"})
	require.NoError(t, err)

	factory := func(ctx context.Context, libraryID string) (Matcher, error) {
		return matcherFunc(func(ctx context.Context, books []book.Book, r progress.Reporter) (*overdrive.Report, error) {
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			return &overdrive.Report{}, nil
		}), nil
	}

	require.NoError(t, NewWorker(store, WithMatcherFactory(factory), WithTimeout(time.Minute)).Run(context.Background(), id, nil))
}

func TestObserverPollStopsAtTerminalEvent(t *testing.T) {
	store := newStore(t)
	id, err := Submit(store, Params{Kind: KindWishlist, Username: "mooch", Password: "secret", Books: []book.Book{hobbit}})
	require.NoError(t, err)

	release := make(chan struct{})
	importer := &mockImporter{}
	importer.On("Import", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(&bookmooch.ImportResult{}, nil).Once()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- NewWorker(store, WithImporter(importer)).Run(ctx, id, nil) }()

	events := NewObserver(store).Poll(ctx, id, 5*time.Millisecond)

	first := <-events
	assert.Equal(t, progress.TypeStatus, first.Type)
	close(release)

	var last progress.Event
	for ev := range events {
		last = ev
	}
	assert.Equal(t, progress.TypeComplete, last.Type)
	require.NoError(t, <-done)
}
