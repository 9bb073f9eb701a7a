// Package graph talks to the Microsoft Graph REST API: drive delta feeds,
// item downloads and change-notification subscriptions.
package graph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// DefaultMaxDownloadBytes caps a single item download.
	DefaultMaxDownloadBytes = 100 << 20

	deltaSelect  = "id,name,deleted,file,folder,size,content.downloadUrl"
	maxErrorBody = 4 << 10
)

// TokenSource supplies bearer tokens. A token is requested for every call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config holds client settings.
type Config struct {
	HTTPClient       *http.Client
	Tokens           TokenSource
	Logger           *slog.Logger
	BaseURL          string
	MaxDownloadBytes int64
	Attempts         uint
	RetryDelay       time.Duration
}

// Client is a minimal Graph API client.
type Client struct {
	client           *http.Client
	tokens           TokenSource
	logger           *slog.Logger
	baseURL          string
	maxDownloadBytes int64
	attempts         uint
	retryDelay       time.Duration
}

// New creates a new Graph client.
func New(cfg Config) *Client {
	c := &Client{
		client:           cfg.HTTPClient,
		tokens:           cfg.Tokens,
		logger:           cfg.Logger,
		baseURL:          strings.TrimSuffix(cfg.BaseURL, "/"),
		maxDownloadBytes: cfg.MaxDownloadBytes,
		attempts:         cfg.Attempts,
		retryDelay:       cfg.RetryDelay,
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 60 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.maxDownloadBytes <= 0 {
		c.maxDownloadBytes = DefaultMaxDownloadBytes
	}
	if c.attempts == 0 {
		c.attempts = 3
	}
	if c.retryDelay <= 0 {
		c.retryDelay = time.Second
	}
	return c
}

// SeedDeltaURL returns the cold-start delta URL for a drive's root.
func (c *Client) SeedDeltaURL(driveID string) string {
	return fmt.Sprintf("%s/drives/%s/root/delta?$select=%s", c.baseURL, driveID, deltaSelect)
}

// DriveResource returns the subscription resource path for a drive's root.
func DriveResource(driveID string) string {
	return "/drives/" + driveID + "/root"
}

// retryable reports whether an HTTP status is worth another attempt.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// send issues an authenticated request and logs its timing. The caller closes the body.
func (c *Client) send(ctx context.Context, method, target string, body io.Reader, purpose string) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil && body != http.NoBody {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("HTTP request starting", "method", method, "url", target, "purpose", purpose)
	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("HTTP request failed",
			"method", method,
			"url", target,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, err
	}

	c.logger.Info("HTTP request completed",
		"method", method,
		"url", target,
		"purpose", purpose,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())
	return resp, nil
}

func (c *Client) closeBody(resp *http.Response) {
	if closeErr := resp.Body.Close(); closeErr != nil {
		c.logger.Warn("Failed to close response body", "error", closeErr)
	}
}

func errorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
