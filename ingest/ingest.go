// Package ingest turns staged files into search index documents.
package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/search"
)

const (
	// DefaultPageLength and DefaultOverlap match the index's split skill.
	DefaultPageLength = 1024
	DefaultOverlap    = 256
)

// Indexer stores documents.
type Indexer interface {
	Upsert(ctx context.Context, docs []search.Document) error
}

// Embedder computes chunk vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds Handoff settings.
type Config struct {
	Index      Indexer
	Embedder   Embedder // Optional; chunks are indexed without vectors when nil
	Logger     *slog.Logger
	PageLength int
	Overlap    int
}

// Handoff extracts, chunks, embeds and indexes staged files.
type Handoff struct {
	index      Indexer
	embedder   Embedder
	logger     *slog.Logger
	pageLength int
	overlap    int
}

// New creates a new Handoff.
func New(cfg Config) *Handoff {
	h := &Handoff{
		index:      cfg.Index,
		embedder:   cfg.Embedder,
		logger:     cfg.Logger,
		pageLength: cfg.PageLength,
		overlap:    cfg.Overlap,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.pageLength <= 0 {
		h.pageLength = DefaultPageLength
	}
	if h.overlap <= 0 {
		h.overlap = DefaultOverlap
	}
	return h
}

// ParentKey is the index key for an item. Keys only allow URL-safe characters.
func ParentKey(itemID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(itemID))
}

// Staged indexes the text of file. Unsupported types are skipped.
func (h *Handoff) Staged(ctx context.Context, item sharepoint.ChangeItem, file *sharepoint.DownloadedFile, location string) error {
	if !Supported(file.Name) {
		h.logger.Info("Skipping unsupported file type", "item_id", item.ID, "name", file.Name, "location", location)
		return nil
	}

	text, err := Extract(file.Name, file.Data)
	if err != nil {
		return fmt.Errorf("extract text: %w", err)
	}

	chunks := Chunk(text.Body, h.pageLength, h.overlap)
	if len(chunks) == 0 {
		h.logger.Info("File has no text to index", "item_id", item.ID, "name", file.Name)
		return nil
	}

	parent := ParentKey(item.ID)
	docs := make([]search.Document, 0, len(chunks))
	for i, chunk := range chunks {
		doc := search.Document{
			ID:        parent + "_" + strconv.Itoa(i),
			ParentID:  parent,
			Title:     text.Title,
			ChunkText: chunk,
		}
		if i == 0 {
			doc.Content = text.Body
		}
		if h.embedder != nil {
			vec, err := h.embedder.Embed(ctx, chunk)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", i, err)
			}
			doc.ChunkVector = vec
		}
		docs = append(docs, doc)
	}

	if err := h.index.Upsert(ctx, docs); err != nil {
		return fmt.Errorf("upsert documents: %w", err)
	}

	h.logger.Info("File indexed",
		"item_id", item.ID,
		"name", file.Name,
		"title", text.Title,
		"chunks", len(docs),
		"embedded", h.embedder != nil)
	return nil
}

// Deleted records the deletion. Removing the item's documents is left to the
// search service's indexer deletion policy.
func (h *Handoff) Deleted(_ context.Context, item sharepoint.ChangeItem) error {
	h.logger.Info("Item removed from drive", "item_id", item.ID, "parent_key", ParentKey(item.ID))
	return nil
}

// Logging is a Handoff that only logs, used when no index is configured.
type Logging struct {
	Logger *slog.Logger
}

// Staged logs the staged file.
func (l Logging) Staged(_ context.Context, item sharepoint.ChangeItem, file *sharepoint.DownloadedFile, location string) error {
	l.Logger.Info("Item staged", "item_id", item.ID, "name", file.Name, "bytes", len(file.Data), "location", location)
	return nil
}

// Deleted logs the deletion.
func (l Logging) Deleted(_ context.Context, item sharepoint.ChangeItem) error {
	l.Logger.Info("Item removed from drive", "item_id", item.ID, "name", item.Name)
	return nil
}
