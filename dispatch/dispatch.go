// Package dispatch queues change notifications and drains them through the delta synchronizer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/deltasync"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
)

// DefaultTimeout bounds one subscription sync.
const DefaultTimeout = 10 * time.Minute

const persistTimeout = 30 * time.Second

// Syncer runs one delta sync from link.
type Syncer interface {
	Sync(ctx context.Context, link string) (string, *deltasync.Report, error)
}

// CursorStore reads and writes per-subscription cursors.
type CursorStore interface {
	Get(ctx context.Context, subscriptionID string) (string, bool, error)
	Put(ctx context.Context, subscriptionID, link string) error
}

// Config holds dispatcher settings.
type Config struct {
	// BaseContext parents every sync. It must outlive the request that enqueued the task.
	BaseContext context.Context
	Syncer      Syncer
	Store       CursorStore
	Logger      *slog.Logger
	SeedURL     string // Cold-start delta URL used when no cursor is stored
	MaxWorkers  int
	Timeout     time.Duration
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	LastSuccess   time.Time `json:"last_success,omitzero"`
	QueueDepth    int       `json:"queue_depth"`
	ActiveWorkers int       `json:"active_workers"`
	Syncing       int       `json:"syncing"`
	Enqueued      uint64    `json:"enqueued"`
	Coalesced     uint64    `json:"coalesced"`
	Succeeded     uint64    `json:"succeeded"`
	Failed        uint64    `json:"failed"`
}

// Dispatcher is a FIFO of sync tasks drained by short-lived goroutines.
// Tasks for one subscription never run concurrently.
type Dispatcher struct {
	baseCtx    context.Context
	syncer     Syncer
	store      CursorStore
	logger     *slog.Logger
	busy       map[string]bool
	seedURL    string
	queue      []sharepoint.Task
	stats      Stats
	wg         sync.WaitGroup
	timeout    time.Duration
	maxWorkers int
	workers    int
	mu         sync.Mutex
}

// New creates a new dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		baseCtx:    cfg.BaseContext,
		syncer:     cfg.Syncer,
		store:      cfg.Store,
		logger:     cfg.Logger,
		seedURL:    cfg.SeedURL,
		maxWorkers: cfg.MaxWorkers,
		timeout:    cfg.Timeout,
		busy:       make(map[string]bool),
	}
	if d.baseCtx == nil {
		d.baseCtx = context.Background()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.maxWorkers <= 0 {
		d.maxWorkers = 1
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	return d
}

// Enqueue adds task to the queue and makes sure a drainer is running.
// A task whose subscription is already waiting is folded into the waiting one.
// Tasks without a subscription id are rejected.
func (d *Dispatcher) Enqueue(task sharepoint.Task) bool {
	if task.SubscriptionID == "" {
		return false
	}
	if task.ReceivedAt.IsZero() {
		task.ReceivedAt = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Enqueued++
	for _, queued := range d.queue {
		if queued.SubscriptionID == task.SubscriptionID {
			d.stats.Coalesced++
			d.logger.Debug("Task coalesced with queued task",
				"subscription_id", task.SubscriptionID,
				"item_id", task.ChangedItemID)
			return true
		}
	}

	d.queue = append(d.queue, task)
	d.logger.Info("Task enqueued",
		"subscription_id", task.SubscriptionID,
		"item_id", task.ChangedItemID,
		"queue_depth", len(d.queue))
	d.spawnLocked()
	return true
}

// spawnLocked starts drainers while runnable tasks outnumber idle drainers.
func (d *Dispatcher) spawnLocked() {
	runnable := 0
	for _, t := range d.queue {
		if !d.busy[t.SubscriptionID] {
			runnable++
		}
	}
	idle := d.workers - len(d.busy)
	for runnable > idle && d.workers < d.maxWorkers {
		d.workers++
		idle++
		d.wg.Add(1)
		go d.drain()
	}
}

// popLocked removes and returns the oldest task whose subscription is idle.
func (d *Dispatcher) popLocked() (sharepoint.Task, bool) {
	for i, t := range d.queue {
		if d.busy[t.SubscriptionID] {
			continue
		}
		d.queue = append(d.queue[:i], d.queue[i+1:]...)
		return t, true
	}
	return sharepoint.Task{}, false
}

func (d *Dispatcher) drain() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		task, ok := d.popLocked()
		if !ok {
			d.workers--
			d.mu.Unlock()
			return
		}
		d.busy[task.SubscriptionID] = true
		d.mu.Unlock()

		err := d.process(task)

		d.mu.Lock()
		delete(d.busy, task.SubscriptionID)
		if err != nil {
			d.stats.Failed++
		} else {
			d.stats.Succeeded++
			d.stats.LastSuccess = time.Now()
		}
		d.spawnLocked()
		d.mu.Unlock()
	}
}

// process runs one sync. Failures are terminal for the task.
func (d *Dispatcher) process(task sharepoint.Task) (err error) {
	runID := uuid.NewString()
	logger := d.logger.With("run_id", runID, "subscription_id", task.SubscriptionID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Sync panicked", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(d.baseCtx, d.timeout)
	defer cancel()

	startTime := time.Now()
	link, ok, err := d.store.Get(ctx, task.SubscriptionID)
	if err != nil {
		logger.Error("Failed to read cursor", "error", err)
		return err
	}
	if !ok {
		if d.seedURL == "" {
			logger.Error("No cursor stored and no seed configured")
			return errors.New("no cursor and no seed")
		}
		link = d.seedURL
		logger.Info("No cursor stored, starting from seed", "delta_link", link)
	}

	next, report, err := d.syncer.Sync(ctx, link)
	if err != nil {
		attrs := []any{"delta_link", link, "error", err, "queued_ms", startTime.Sub(task.ReceivedAt).Milliseconds()}
		var syncErr *sharepoint.SyncError
		if errors.As(err, &syncErr) {
			attrs = append(attrs, "status_code", syncErr.StatusCode, "body", syncErr.Body)
		}
		if next == "" {
			logger.Error("Sync failed, cursor left unchanged", attrs...)
			return err
		}
		logger.Error("Sync interrupted, saving cursor of last applied page", append(attrs, "resume_link", next)...)
		// The sync context may already be done.
		putCtx, putCancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer putCancel()
		if putErr := d.store.Put(putCtx, task.SubscriptionID, next); putErr != nil {
			logger.Error("Failed to persist cursor", "delta_link", next, "error", putErr)
		}
		return err
	}
	if report == nil {
		report = &deltasync.Report{}
	}

	if next == "" {
		logger.Warn("Sync returned no cursor, nothing persisted", "delta_link", link)
		return nil
	}
	if err := d.store.Put(ctx, task.SubscriptionID, next); err != nil {
		logger.Error("Failed to persist cursor", "delta_link", next, "error", err)
		return err
	}

	logger.Info("Subscription synced",
		"updated", report.Updated,
		"deleted", report.Deleted,
		"failed_items", report.Failed,
		"pages", report.Pages,
		"duration_ms", time.Since(startTime).Milliseconds())
	return nil
}

// Wait blocks until every drainer has exited. Call it after new enqueues have stopped.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats returns a snapshot of the dispatcher state.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.QueueDepth = len(d.queue)
	s.ActiveWorkers = d.workers
	s.Syncing = len(d.busy)
	return s
}
