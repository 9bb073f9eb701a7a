package deltasync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
)

// CursorLister lists known subscriptions and their cursors.
type CursorLister interface {
	List(ctx context.Context) (map[string]string, error)
}

// Enqueuer accepts sync tasks.
type Enqueuer interface {
	Enqueue(task sharepoint.Task) bool
}

// Sweeper periodically enqueues a sync for every known subscription.
type Sweeper struct {
	cursors CursorLister
	queue   Enqueuer
	logger  *slog.Logger
	extra   []string
}

// NewSweeper creates a Sweeper. extra names subscriptions to sweep even
// before they have a stored cursor.
func NewSweeper(cursors CursorLister, queue Enqueuer, extra []string, logger *slog.Logger) *Sweeper {
	return &Sweeper{cursors: cursors, queue: queue, extra: extra, logger: logger}
}

// Sweep enqueues one task per subscription and returns how many were accepted.
func (w *Sweeper) Sweep(ctx context.Context) (int, error) {
	known, err := w.cursors.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cursors: %w", err)
	}

	ids := make([]string, 0, len(known)+len(w.extra))
	for id := range known {
		ids = append(ids, id)
	}
	for _, id := range w.extra {
		if _, ok := known[id]; !ok && id != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	now := time.Now()
	accepted := 0
	for _, id := range ids {
		if w.queue.Enqueue(sharepoint.Task{SubscriptionID: id, ReceivedAt: now}) {
			accepted++
		}
	}

	w.logger.Info("Resync sweep enqueued", "subscriptions", len(ids), "accepted", accepted)
	return accepted, nil
}

// Run sweeps every interval until ctx is done.
func (w *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("Resync sweeper started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Resync sweeper stopped")
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Warn("Resync sweep failed", "error", err)
			}
		}
	}
}
