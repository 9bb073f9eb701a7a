// Package deltasync reconciles a drive against its delta feed.
package deltasync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
)

// DefaultMaxPages bounds the nextLink pages followed in one Sync.
const DefaultMaxPages = 100

// Feed fetches delta pages and item content.
type Feed interface {
	Delta(ctx context.Context, link string) (*sharepoint.DeltaPage, error)
	Download(ctx context.Context, item sharepoint.ChangeItem) (*sharepoint.DownloadedFile, error)
}

// Stager persists downloaded content and returns where it went.
type Stager interface {
	Stage(ctx context.Context, file *sharepoint.DownloadedFile) (string, error)
}

// Handoff receives the outcome for each changed item.
type Handoff interface {
	Staged(ctx context.Context, item sharepoint.ChangeItem, file *sharepoint.DownloadedFile, location string) error
	Deleted(ctx context.Context, item sharepoint.ChangeItem) error
}

// Report summarizes one Sync call.
type Report struct {
	DeletedIDs []string
	Pages      int
	Updated    int
	Deleted    int
	Skipped    int
	Failed     int
	Truncated  bool // Page cap reached; the returned cursor is a nextLink
}

// Config holds Syncer dependencies.
type Config struct {
	Feed     Feed
	Stager   Stager
	Handoff  Handoff
	Logger   *slog.Logger
	MaxPages int
}

// Syncer applies delta pages to the staging area.
type Syncer struct {
	feed     Feed
	stager   Stager
	handoff  Handoff
	logger   *slog.Logger
	maxPages int
}

// New creates a new Syncer.
func New(cfg Config) *Syncer {
	s := &Syncer{
		feed:     cfg.Feed,
		stager:   cfg.Stager,
		handoff:  cfg.Handoff,
		logger:   cfg.Logger,
		maxPages: cfg.MaxPages,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxPages <= 0 {
		s.maxPages = DefaultMaxPages
	}
	return s
}

// Sync fetches every change since link and returns the cursor to resume from.
//
// A failure before the first page is fully applied returns an error and no
// cursor; the caller must keep its stored cursor. A failure or cancellation
// after that returns the error together with the nextLink of the last fully
// applied page, with Report.Truncated set, so the caller can resume there.
// Per-item failures are logged and counted but do not fail the sync. An empty
// returned cursor means nothing should be persisted.
func (s *Syncer) Sync(ctx context.Context, link string) (string, *Report, error) {
	report := &Report{}
	startTime := time.Now()
	current := link
	resume := ""

	interrupted := func(err error) (string, *Report, error) {
		if resume != "" {
			report.Truncated = true
			s.logger.Warn("Sync interrupted, resuming from last applied page", "pages", report.Pages, "error", err)
		}
		return resume, report, err
	}

	for {
		page, err := s.feed.Delta(ctx, current)
		if err != nil {
			return interrupted(fmt.Errorf("fetch delta page %d: %w", report.Pages+1, err))
		}
		report.Pages++

		for _, item := range page.Items {
			select {
			case <-ctx.Done():
				s.logger.Info("Context cancelled, stopping sync", "error", ctx.Err())
				return interrupted(ctx.Err())
			default:
			}
			s.apply(ctx, item, report)
		}

		if page.DeltaLink != "" {
			s.logDone(report, startTime)
			return page.DeltaLink, report, nil
		}
		if page.NextLink == "" {
			s.logger.Warn("Delta response carried neither nextLink nor deltaLink", "url", current)
			s.logDone(report, startTime)
			return resume, report, nil
		}
		resume = page.NextLink
		if report.Pages >= s.maxPages {
			report.Truncated = true
			s.logger.Warn("Page limit reached, resuming from nextLink on next sync", "pages", report.Pages)
			s.logDone(report, startTime)
			return page.NextLink, report, nil
		}
		current = page.NextLink
	}
}

func (s *Syncer) apply(ctx context.Context, item sharepoint.ChangeItem, report *Report) {
	switch {
	case item.Deleted:
		report.Deleted++
		report.DeletedIDs = append(report.DeletedIDs, item.ID)
		s.logger.Info("Item deleted", "item_id", item.ID, "name", item.Name)
		if s.handoff != nil {
			if err := s.handoff.Deleted(ctx, item); err != nil {
				report.Failed++
				s.logger.Warn("Deletion hand-off failed", "item_id", item.ID, "error", err)
			}
		}
	case item.Folder:
		report.Skipped++
	case item.DownloadURL == "":
		report.Skipped++
		s.logger.Debug("Item has no content to download", "item_id", item.ID, "name", item.Name)
	default:
		if err := s.update(ctx, item); err != nil {
			report.Failed++
			msg := "Item update failed, continuing with remaining items"
			if sharepoint.IsDownloadError(err) {
				msg = "Item download failed, continuing with remaining items"
			}
			s.logger.Warn(msg,
				"item_id", item.ID,
				"name", item.Name,
				"error", err)
			return
		}
		report.Updated++
	}
}

func (s *Syncer) update(ctx context.Context, item sharepoint.ChangeItem) error {
	file, err := s.feed.Download(ctx, item)
	if err != nil {
		return err
	}
	location, err := s.stager.Stage(ctx, file)
	if err != nil {
		return fmt.Errorf("stage %s: %w", item.Name, err)
	}
	if s.handoff != nil {
		if err := s.handoff.Staged(ctx, item, file, location); err != nil {
			return fmt.Errorf("hand off %s: %w", item.Name, err)
		}
	}
	return nil
}

func (s *Syncer) logDone(report *Report, startTime time.Time) {
	s.logger.Info("Sync completed",
		"pages", report.Pages,
		"updated", report.Updated,
		"deleted", report.Deleted,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"truncated", report.Truncated,
		"duration_ms", time.Since(startTime).Milliseconds())
}
