// Package search reads and writes documents in an Azure AI Search index over REST.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	apiVersion = "2024-07-01"

	// SemanticConfiguration is the index's default semantic configuration.
	SemanticConfiguration = "default"
	// VectorField holds chunk embeddings.
	VectorField = "chunk_vector"
)

// Endpoint returns the service URL for a search service name.
func Endpoint(serviceName string) string {
	return "https://" + serviceName + ".search.windows.net"
}

// Document is one chunk in the index.
type Document struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parent_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Content     string    `json:"content,omitempty"`
	ChunkText   string    `json:"chunk_text,omitempty"`
	ChunkVector []float32 `json:"chunk_vector,omitempty"`
}

// Caption is an extractive caption returned by semantic ranking.
type Caption struct {
	Text       string `json:"text"`
	Highlights string `json:"highlights"`
}

// Result is one search hit.
type Result struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	ChunkText string    `json:"chunk_text"`
	Captions  []Caption `json:"@search.captions"`
	Score     float64   `json:"@search.score"`
}

// Query selects the search mode: Semantic ranks text with the semantic
// configuration, Vector alone is a pure vector search, Text with Vector is hybrid.
type Query struct {
	Text     string
	Vector   []float32
	TopK     int
	Semantic bool
}

// APIError is a non-success response from the search service.
type APIError struct {
	Body       string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("search service: HTTP %d: %s", e.StatusCode, e.Body)
}

// Config holds client settings.
type Config struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Endpoint   string
	APIKey     string
	Index      string
	RetryDelay time.Duration
}

// Client talks to one index.
type Client struct {
	client     *http.Client
	logger     *slog.Logger
	endpoint   string
	apiKey     string
	index      string
	retryDelay time.Duration
}

// New creates a new search client.
func New(cfg Config) *Client {
	c := &Client{
		client:     cfg.HTTPClient,
		logger:     cfg.Logger,
		endpoint:   strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		index:      cfg.Index,
		retryDelay: cfg.RetryDelay,
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.retryDelay <= 0 {
		c.retryDelay = time.Second
	}
	return c
}

type indexAction struct {
	Action string `json:"@search.action"`
	Document
}

type indexStatus struct {
	Key          string `json:"key"`
	ErrorMessage string `json:"errorMessage"`
	Status       bool   `json:"status"`
}

// Upsert merges or uploads docs. A partial failure reports the failed keys.
func (c *Client) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	actions := make([]indexAction, len(docs))
	for i, d := range docs {
		actions[i] = indexAction{Action: "mergeOrUpload", Document: d}
	}

	var result struct {
		Value []indexStatus `json:"value"`
	}
	target := fmt.Sprintf("%s/indexes/%s/docs/index?api-version=%s", c.endpoint, c.index, apiVersion)
	if err := c.post(ctx, target, map[string]any{"value": actions}, &result, "upsert"); err != nil {
		return err
	}

	var failed []string
	for _, st := range result.Value {
		if !st.Status {
			failed = append(failed, st.Key+": "+st.ErrorMessage)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d documents failed: %s", len(failed), len(docs), strings.Join(failed, "; "))
	}
	c.logger.Info("Documents upserted", "index", c.index, "count", len(docs))
	return nil
}

// Query runs a semantic, vector or hybrid search.
func (c *Client) Query(ctx context.Context, q Query) ([]Result, error) {
	if q.Text == "" && len(q.Vector) == 0 {
		return nil, errors.New("query needs text or a vector")
	}
	if q.TopK <= 0 {
		q.TopK = 5
	}

	body := map[string]any{"top": q.TopK}
	if q.Text != "" {
		body["search"] = q.Text
		body["count"] = true
		body["searchMode"] = "all"
	}
	if q.Semantic && q.Text != "" {
		body["queryType"] = "semantic"
		body["semanticConfiguration"] = SemanticConfiguration
		body["captions"] = "extractive"
		body["answers"] = "extractive"
	}
	if len(q.Vector) > 0 {
		body["vectorQueries"] = []map[string]any{{
			"kind":   "vector",
			"vector": q.Vector,
			"k":      q.TopK,
			"fields": VectorField,
		}}
	}

	var result struct {
		Value []Result `json:"value"`
	}
	target := fmt.Sprintf("%s/indexes/%s/docs/search?api-version=%s", c.endpoint, c.index, apiVersion)
	if err := c.post(ctx, target, body, &result, "query"); err != nil {
		return nil, err
	}
	return result.Value, nil
}

func (c *Client) post(ctx context.Context, target string, payload, out any, purpose string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("api-key", c.apiKey)

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				c.logger.Warn("HTTP request failed", "purpose", purpose, "duration_ms", duration.Milliseconds(), "error", err)
				lastErr = err
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Info("HTTP request completed",
				"purpose", purpose,
				"index", c.index,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			// 207 is a partial success on the index endpoint; statuses are in the body.
			if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
				lastErr = &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
				if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
					return lastErr
				}
				return retry.Unrecoverable(lastErr)
			}

			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				lastErr = fmt.Errorf("decode response: %w", err)
				return retry.Unrecoverable(lastErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(c.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying search request after error", "attempt", n, "purpose", purpose, "error", err)
		}),
	)
	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
