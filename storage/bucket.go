package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
)

// Bucket stores all cursors as one JSON object in Cloud Storage.
type Bucket struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
	object string
	mu     sync.Mutex
}

// NewBucket returns a Cloud Storage backed store.
func NewBucket(client *storage.Client, bucket, object string, logger *slog.Logger) *Bucket {
	return &Bucket{client: client, bucket: bucket, object: object, logger: logger}
}

func (b *Bucket) location() string {
	return "gs://" + b.bucket + "/" + b.object
}

func (b *Bucket) load(ctx context.Context) (map[string]string, error) {
	var data []byte
	missing := false
	err := retry.Do(
		func() error {
			r, openErr := b.client.Bucket(b.bucket).Object(b.object).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return nil
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					b.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			b.logger.Info("Retrying cursor load after error", "attempt", n, "object", b.location(), "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	if missing {
		return map[string]string{}, nil
	}

	m, err := decode(data, b.location())
	if err != nil {
		if sharepoint.IsStoreCorruption(err) {
			b.logger.Warn("Cursor object unreadable, treating as empty", "object", b.location(), "error", err)
			return map[string]string{}, nil
		}
		return nil, err
	}
	return m, nil
}

// Get returns the stored link for subscriptionID.
func (b *Bucket) Get(ctx context.Context, subscriptionID string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := b.load(ctx)
	if err != nil {
		return "", false, err
	}
	link, ok := m[subscriptionID]
	if !ok || link == "" {
		return "", false, nil
	}
	return link, true, nil
}

// Put merges subscriptionID → link into the object. Writers within this
// process are serialized; the object is rewritten whole.
func (b *Bucket) Put(ctx context.Context, subscriptionID, link string) error {
	if link == "" {
		return ErrEmptyLink
	}
	if subscriptionID == "" {
		return errors.New("storage: empty subscription id")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := b.load(ctx)
	if err != nil {
		return err
	}
	m[subscriptionID] = link
	data, err := encode(m)
	if err != nil {
		return err
	}

	err = retry.Do(
		func() error {
			w := b.client.Bucket(b.bucket).Object(b.object).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
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
			b.logger.Info("Retrying cursor save after error", "attempt", n, "object", b.location(), "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	b.logger.Info("Cursor saved", "object", b.location(), "subscription_id", subscriptionID)
	return nil
}

// List returns every stored cursor.
func (b *Bucket) List(ctx context.Context) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(ctx)
}

// Close releases the storage client.
func (b *Bucket) Close() error {
	return b.client.Close()
}
