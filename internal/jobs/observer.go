package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/lepinkainen/shelfmatch/internal/kvstore"
	"github.com/lepinkainen/shelfmatch/internal/progress"
)

// Observer follows a job's progress by polling the store, independent of the worker.
type Observer struct {
	store kvstore.Store
}

// NewObserver creates an Observer over store.
func NewObserver(store kvstore.Store) *Observer {
	return &Observer{store: store}
}

// Latest returns the most recent stored event for job id.
func (o *Observer) Latest(id string) (progress.Event, bool, error) {
	return kvstore.GetJSON[progress.Event](kvstore.Namespace(o.store, id), keyProgress)
}

// Poll checks the job every interval and sends each new event. The channel is
// closed after a terminal event or when ctx is done.
func (o *Observer) Poll(ctx context.Context, id string, interval time.Duration) <-chan progress.Event {
	out := make(chan progress.Event)

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last progress.Event
		seen := false
		for {
			ev, ok, err := o.Latest(id)
			if err != nil {
				slog.Debug("Failed to read job progress", "job", id, "error", err)
			}
			if ok && (!seen || ev != last) {
				seen, last = true, ev
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
