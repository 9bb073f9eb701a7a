// Package staging writes downloaded item content where the indexer can pick it up.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
)

// SafeName reduces an item name to a single path element. Names that would
// escape the staging area fall back to the item id.
func SafeName(file *sharepoint.DownloadedFile) string {
	name := strings.ReplaceAll(file.Name, `\`, "/")
	name = path.Base(name)
	if name == "." || name == ".." || name == "/" || name == "" {
		name = file.ItemID
	}
	return name
}

// Local stages files in a directory on disk.
type Local struct {
	logger *slog.Logger
	dir    string
}

// NewLocal returns a stager rooted at dir. The directory is created on demand.
func NewLocal(dir string, logger *slog.Logger) *Local {
	return &Local{dir: dir, logger: logger}
}

// Stage writes file to <dir>/<name>, replacing any previous version.
func (l *Local) Stage(_ context.Context, file *sharepoint.DownloadedFile) (string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	dest := filepath.Join(l.dir, SafeName(file))
	if err := os.WriteFile(dest, file.Data, 0o644); err != nil {
		return "", fmt.Errorf("write staged file: %w", err)
	}
	l.logger.Info("File staged", "path", dest, "item_id", file.ItemID, "bytes", len(file.Data))
	return dest, nil
}

// Bucket stages files as Cloud Storage objects.
type Bucket struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
	prefix string
}

// NewBucket returns a stager writing to gs://bucket/prefix/.
func NewBucket(client *storage.Client, bucket, prefix string, logger *slog.Logger) *Bucket {
	return &Bucket{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// Stage uploads file to <prefix>/<name>.
func (b *Bucket) Stage(ctx context.Context, file *sharepoint.DownloadedFile) (string, error) {
	key := SafeName(file)
	if b.prefix != "" {
		key = b.prefix + "/" + key
	}

	err := retry.Do(
		func() error {
			w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
			w.Metadata = map[string]string{"item_id": file.ItemID}
			if _, writeErr := w.Write(file.Data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					b.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			b.logger.Info("Retrying stage after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("stage after retries: %w", err)
	}

	location := "gs://" + b.bucket + "/" + key
	b.logger.Info("File staged", "location", location, "item_id", file.ItemID, "bytes", len(file.Data))
	return location, nil
}

// Close releases the storage client.
func (b *Bucket) Close() error {
	return b.client.Close()
}
