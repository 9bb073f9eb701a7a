package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
)

type deletedFacet struct {
	State string `json:"state"`
}

type driveItem struct {
	Deleted     *deletedFacet    `json:"deleted,omitempty"`
	Folder      *json.RawMessage `json:"folder,omitempty"`
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	DownloadURL string           `json:"@microsoft.graph.downloadUrl"`
	Size        int64            `json:"size"`
}

type deltaResponse struct {
	Value     []driveItem `json:"value"`
	NextLink  string      `json:"@odata.nextLink"`
	DeltaLink string      `json:"@odata.deltaLink"`
}

// Delta fetches one page of the delta feed at link. Failures are reported as
// *sharepoint.SyncError; an exchange failure surfaces as *sharepoint.AuthError.
func (c *Client) Delta(ctx context.Context, link string) (*sharepoint.DeltaPage, error) {
	var page *sharepoint.DeltaPage
	var lastErr error

	err := retry.Do(
		func() error {
			resp, err := c.send(ctx, http.MethodGet, link, http.NoBody, "delta")
			if err != nil {
				if sharepoint.IsAuthError(err) {
					lastErr = err
					return retry.Unrecoverable(err)
				}
				lastErr = &sharepoint.SyncError{URL: link, Err: err}
				return lastErr
			}
			defer c.closeBody(resp)

			if resp.StatusCode != http.StatusOK {
				syncErr := &sharepoint.SyncError{URL: link, StatusCode: resp.StatusCode, Body: errorBody(resp.Body)}
				lastErr = syncErr
				if retryable(resp.StatusCode) {
					c.logger.Warn("Delta request returned retryable status", "status_code", resp.StatusCode, "url", link)
					return syncErr
				}
				return retry.Unrecoverable(syncErr)
			}

			var body deltaResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				lastErr = &sharepoint.SyncError{URL: link, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode delta response: %w", err)}
				return retry.Unrecoverable(lastErr)
			}
			page = toPage(&body)
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(c.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying delta fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &sharepoint.SyncError{URL: link, Err: err}
	}

	c.logger.Info("Delta page fetched",
		"items", len(page.Items),
		"has_next_link", page.NextLink != "",
		"has_delta_link", page.DeltaLink != "")
	return page, nil
}

func toPage(body *deltaResponse) *sharepoint.DeltaPage {
	page := &sharepoint.DeltaPage{
		Items:     make([]sharepoint.ChangeItem, 0, len(body.Value)),
		NextLink:  body.NextLink,
		DeltaLink: body.DeltaLink,
	}
	for _, it := range body.Value {
		page.Items = append(page.Items, sharepoint.ChangeItem{
			ID:          it.ID,
			Name:        it.Name,
			DownloadURL: it.DownloadURL,
			Size:        it.Size,
			Deleted:     it.Deleted != nil,
			Folder:      it.Folder != nil,
		})
	}
	return page
}

// Download fetches a pre-authenticated content URL. No bearer token is sent.
// Content larger than the configured cap is rejected.
func (c *Client) Download(ctx context.Context, item sharepoint.ChangeItem) (*sharepoint.DownloadedFile, error) {
	if item.DownloadURL == "" {
		return nil, &sharepoint.DownloadError{ItemID: item.ID, Name: item.Name, Err: fmt.Errorf("no download url")}
	}
	if item.Size > c.maxDownloadBytes {
		return nil, &sharepoint.DownloadError{ItemID: item.ID, Name: item.Name,
			Err: fmt.Errorf("size %d exceeds limit %d", item.Size, c.maxDownloadBytes)}
	}

	var data []byte
	var lastErr error
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.DownloadURL, http.NoBody)
			if err != nil {
				lastErr = &sharepoint.DownloadError{ItemID: item.ID, Name: item.Name, Err: err}
				return retry.Unrecoverable(lastErr)
			}

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				lastErr = &sharepoint.DownloadError{ItemID: item.ID, Name: item.Name, Err: err}
				return lastErr
			}
			defer c.closeBody(resp)

			c.logger.Info("HTTP request completed",
				"method", http.MethodGet,
				"purpose", "download",
				"item_id", item.ID,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", resp.ContentLength)

			if resp.StatusCode != http.StatusOK {
				lastErr = &sharepoint.DownloadError{ItemID: item.ID, Name: item.Name, StatusCode: resp.StatusCode}
				if retryable(resp.StatusCode) {
					return lastErr
				}
				return retry.Unrecoverable(lastErr)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxDownloadBytes+1))
			if err != nil {
				lastErr = &sharepoint.DownloadError{ItemID: item.ID, Name: item.Name, Err: fmt.Errorf("read body: %w", err)}
				return lastErr
			}
			if int64(len(body)) > c.maxDownloadBytes {
				lastErr = &sharepoint.DownloadError{ItemID: item.ID, Name: item.Name,
					Err: fmt.Errorf("content exceeds limit %d", c.maxDownloadBytes)}
				return retry.Unrecoverable(lastErr)
			}
			data = body
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(c.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying download after error", "attempt", n, "item_id", item.ID, "error", err)
		}),
	)
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &sharepoint.DownloadError{ItemID: item.ID, Name: item.Name, Err: err}
	}

	return &sharepoint.DownloadedFile{ItemID: item.ID, Name: item.Name, Data: data}, nil
}
