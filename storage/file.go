package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
)

// File stores all cursors as one JSON object on the local filesystem.
type File struct {
	logger *slog.Logger
	path   string
	mu     sync.Mutex
}

// NewFile returns a file-backed store. The file is created on first Put.
func NewFile(path string, logger *slog.Logger) *File {
	return &File{path: path, logger: logger}
}

// load returns the mapping on disk; a missing file is an empty mapping.
// Corruption is logged and treated as empty.
func (f *File) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read cursor file: %w", err)
	}
	m, err := decode(data, f.path)
	if err != nil {
		if sharepoint.IsStoreCorruption(err) {
			f.logger.Warn("Cursor file unreadable, treating as empty", "path", f.path, "error", err)
			return map[string]string{}, nil
		}
		return nil, err
	}
	return m, nil
}

// Get returns the stored link for subscriptionID.
func (f *File) Get(_ context.Context, subscriptionID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.load()
	if err != nil {
		return "", false, err
	}
	link, ok := m[subscriptionID]
	if !ok || link == "" {
		return "", false, nil
	}
	return link, true, nil
}

// Put merges subscriptionID → link into the file under the store lock.
func (f *File) Put(_ context.Context, subscriptionID, link string) error {
	if link == "" {
		return ErrEmptyLink
	}
	if subscriptionID == "" {
		return errors.New("storage: empty subscription id")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.load()
	if err != nil {
		return err
	}
	m[subscriptionID] = link

	data, err := encode(m)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cursor directory: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cursor file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace cursor file: %w", err)
	}

	f.logger.Debug("Cursor saved", "path", f.path, "subscription_id", subscriptionID)
	return nil
}

// List returns a copy of every stored cursor.
func (f *File) List(_ context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

// Close is a no-op.
func (*File) Close() error { return nil }
