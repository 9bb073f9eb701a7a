// Package azopenai calls Azure OpenAI chat completions and embeddings over REST.
package azopenai

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
	chatAPIVersion      = "2025-01-01-preview"
	embeddingAPIVersion = "2024-02-01"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SearchSource grounds a completion on an Azure AI Search index.
type SearchSource struct {
	Endpoint              string
	Index                 string
	APIKey                string
	SemanticConfiguration string
	Strictness            int
	TopNDocuments         int
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	DataSource  *SearchSource
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Citation is a grounding document referenced by the answer.
type Citation struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	URL      string `json:"url"`
	FilePath string `json:"filepath"`
	ChunkID  string `json:"chunk_id"`
}

// ChatResponse is the first choice of a completion.
type ChatResponse struct {
	Content   string
	Citations []Citation
}

// APIError is a non-success response.
type APIError struct {
	Body       string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("azure openai: HTTP %d: %s", e.StatusCode, e.Body)
}

// Config holds client settings.
type Config struct {
	HTTPClient          *http.Client
	Logger              *slog.Logger
	Endpoint            string
	APIKey              string
	ChatDeployment      string
	EmbeddingDeployment string
	RetryDelay          time.Duration
}

// Client calls one Azure OpenAI resource.
type Client struct {
	client              *http.Client
	logger              *slog.Logger
	endpoint            string
	apiKey              string
	chatDeployment      string
	embeddingDeployment string
	retryDelay          time.Duration
}

// New creates a new client.
func New(cfg Config) *Client {
	c := &Client{
		client:              cfg.HTTPClient,
		logger:              cfg.Logger,
		endpoint:            strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:              cfg.APIKey,
		chatDeployment:      cfg.ChatDeployment,
		embeddingDeployment: cfg.EmbeddingDeployment,
		retryDelay:          cfg.RetryDelay,
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 60 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.retryDelay <= 0 {
		c.retryDelay = time.Second
	}
	return c
}

// Complete runs a chat completion, grounded on DataSource when set.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("chat request has no messages")
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 800
	}

	body := map[string]any{
		"messages":          req.Messages,
		"max_tokens":        req.MaxTokens,
		"temperature":       req.Temperature,
		"top_p":             1,
		"frequency_penalty": 0,
		"presence_penalty":  0,
		"stream":            false,
	}
	if ds := req.DataSource; ds != nil {
		semantic := ds.SemanticConfiguration
		if semantic == "" {
			semantic = "default"
		}
		strictness := ds.Strictness
		if strictness <= 0 {
			strictness = 3
		}
		topN := ds.TopNDocuments
		if topN <= 0 {
			topN = 5
		}
		body["data_sources"] = []map[string]any{{
			"type": "azure_search",
			"parameters": map[string]any{
				"endpoint":               ds.Endpoint,
				"index_name":             ds.Index,
				"semantic_configuration": semantic,
				"query_type":             "simple",
				"fields_mapping":         map[string]any{},
				"in_scope":               true,
				"strictness":             strictness,
				"top_n_documents":        topN,
				"authentication": map[string]string{
					"type": "api_key",
					"key":  ds.APIKey,
				},
			},
		}}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
				Context struct {
					Citations []Citation `json:"citations"`
				} `json:"context"`
			} `json:"message"`
		} `json:"choices"`
	}
	target := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", c.endpoint, c.chatDeployment, chatAPIVersion)
	if err := c.post(ctx, target, body, &result, "chat"); err != nil {
		return nil, err
	}
	if len(result.Choices) == 0 {
		return nil, errors.New("completion returned no choices")
	}

	msg := result.Choices[0].Message
	return &ChatResponse{Content: msg.Content, Citations: msg.Context.Citations}, nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	target := fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s", c.endpoint, c.embeddingDeployment, embeddingAPIVersion)
	if err := c.post(ctx, target, map[string]any{"input": text}, &result, "embed"); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, errors.New("embedding response was empty")
	}
	return result.Data[0].Embedding, nil
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
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
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
			c.logger.Info("Retrying Azure OpenAI request after error", "attempt", n, "purpose", purpose, "error", err)
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
