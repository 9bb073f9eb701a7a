package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
)

// APIError is a non-success response from a subscription, site or drive call.
type APIError struct {
	Op         string
	Body       string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// ListSubscriptions returns every subscription owned by the application,
// following @odata.nextLink pages.
func (c *Client) ListSubscriptions(ctx context.Context) ([]sharepoint.Subscription, error) {
	var subs []sharepoint.Subscription
	next := c.baseURL + "/subscriptions"

	for next != "" {
		resp, err := c.send(ctx, http.MethodGet, next, http.NoBody, "list_subscriptions")
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := &APIError{Op: "list subscriptions", StatusCode: resp.StatusCode, Body: errorBody(resp.Body)}
			c.closeBody(resp)
			return nil, apiErr
		}

		var page struct {
			Value    []sharepoint.Subscription `json:"value"`
			NextLink string                    `json:"@odata.nextLink"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		c.closeBody(resp)
		if err != nil {
			return nil, fmt.Errorf("decode subscriptions: %w", err)
		}
		subs = append(subs, page.Value...)
		next = page.NextLink
	}

	return subs, nil
}

// DeleteSubscription deletes a subscription. Graph answers 204.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	resp, err := c.send(ctx, http.MethodDelete, c.baseURL+"/subscriptions/"+url.PathEscape(id), http.NoBody, "delete_subscription")
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return &APIError{Op: "delete subscription " + id, StatusCode: resp.StatusCode, Body: errorBody(resp.Body)}
	}
	return nil
}

// CreateSubscription registers a new subscription. Graph validates the
// notification URL synchronously before answering 201.
func (c *Client) CreateSubscription(ctx context.Context, sub sharepoint.Subscription) (*sharepoint.Subscription, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("marshal subscription: %w", err)
	}

	resp, err := c.send(ctx, http.MethodPost, c.baseURL+"/subscriptions", bytes.NewReader(payload), "create_subscription")
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, &APIError{Op: "create subscription", StatusCode: resp.StatusCode, Body: errorBody(resp.Body)}
	}

	var created sharepoint.Subscription
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decode created subscription: %w", err)
	}
	return &created, nil
}

// RenewSubscription extends a subscription's expiration.
func (c *Client) RenewSubscription(ctx context.Context, id string, expiration time.Time) (*sharepoint.Subscription, error) {
	payload, err := json.Marshal(map[string]string{
		"expirationDateTime": expiration.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal renewal: %w", err)
	}

	resp, err := c.send(ctx, http.MethodPatch, c.baseURL+"/subscriptions/"+url.PathEscape(id), bytes.NewReader(payload), "renew_subscription")
	if err != nil {
		return nil, fmt.Errorf("renew subscription %s: %w", id, err)
	}
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Op: "renew subscription " + id, StatusCode: resp.StatusCode, Body: errorBody(resp.Body)}
	}

	var renewed sharepoint.Subscription
	if err := json.NewDecoder(resp.Body).Decode(&renewed); err != nil {
		return nil, fmt.Errorf("decode renewed subscription: %w", err)
	}
	return &renewed, nil
}
