// Package subscriptions manages change-notification subscriptions for a drive.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
	"golang.org/x/sync/errgroup"
)

// MaxTTL is the longest lifetime Graph grants a driveItem subscription.
const MaxTTL = 30 * 24 * time.Hour

// API is the remote subscriptions endpoint.
type API interface {
	ListSubscriptions(ctx context.Context) ([]sharepoint.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	CreateSubscription(ctx context.Context, sub sharepoint.Subscription) (*sharepoint.Subscription, error)
	RenewSubscription(ctx context.Context, id string, expiration time.Time) (*sharepoint.Subscription, error)
}

// Config holds Manager settings.
type Config struct {
	API             API
	Logger          *slog.Logger
	Now             func() time.Time
	Resource        string // e.g. /drives/{drive}/root
	NotificationURL string
	ClientState     string
	TTL             time.Duration
}

// Manager creates, replaces, renews and deletes subscriptions.
type Manager struct {
	api             API
	logger          *slog.Logger
	now             func() time.Time
	resource        string
	notificationURL string
	clientState     string
	ttl             time.Duration
}

// New creates a new Manager.
func New(cfg Config) *Manager {
	m := &Manager{
		api:             cfg.API,
		logger:          cfg.Logger,
		now:             cfg.Now,
		resource:        cfg.Resource,
		notificationURL: cfg.NotificationURL,
		clientState:     cfg.ClientState,
		ttl:             cfg.TTL,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.ttl <= 0 || m.ttl > MaxTTL {
		m.ttl = MaxTTL
	}
	return m
}

// Expiration returns the expiration a new or renewed subscription receives.
func (m *Manager) Expiration() time.Time {
	return m.now().Add(m.ttl).UTC().Truncate(time.Second)
}

// List returns every subscription owned by the application.
func (m *Manager) List(ctx context.Context) ([]sharepoint.Subscription, error) {
	return m.api.ListSubscriptions(ctx)
}

// Delete removes one subscription.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.api.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	m.logger.Info("Subscription deleted", "subscription_id", id)
	return nil
}

// Create registers a subscription for the configured resource.
func (m *Manager) Create(ctx context.Context) (*sharepoint.Subscription, error) {
	if m.resource == "" || m.notificationURL == "" {
		return nil, errors.New("resource and notification url are required")
	}

	created, err := m.api.CreateSubscription(ctx, sharepoint.Subscription{
		ChangeType:         "updated",
		Resource:           m.resource,
		NotificationURL:    m.notificationURL,
		ExpirationDateTime: m.Expiration(),
		ClientState:        m.clientState,
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Subscription created",
		"subscription_id", created.ID,
		"resource", created.Resource,
		"expiration", created.ExpirationDateTime.Format(time.RFC3339))
	return created, nil
}

// Replace deletes every existing subscription on the configured resource and
// then creates a fresh one. Deletions run concurrently.
func (m *Manager) Replace(ctx context.Context) (*sharepoint.Subscription, error) {
	existing, err := m.api.ListSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, sub := range existing {
		if sub.Resource != m.resource {
			continue
		}
		g.Go(func() error {
			if err := m.Delete(gctx, sub.ID); err != nil {
				return fmt.Errorf("delete %s: %w", sub.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return m.Create(ctx)
}

// Renew extends a subscription to now + TTL.
func (m *Manager) Renew(ctx context.Context, id string) (*sharepoint.Subscription, error) {
	renewed, err := m.api.RenewSubscription(ctx, id, m.Expiration())
	if err != nil {
		return nil, err
	}
	m.logger.Info("Subscription renewed",
		"subscription_id", id,
		"expiration", renewed.ExpirationDateTime.Format(time.RFC3339))
	return renewed, nil
}

// RenewAll renews every subscription on the configured resource and returns the renewed ids.
func (m *Manager) RenewAll(ctx context.Context) ([]string, error) {
	existing, err := m.api.ListSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	var renewed []string
	var errs []error
	for _, sub := range existing {
		if sub.Resource != m.resource {
			continue
		}
		if _, err := m.Renew(ctx, sub.ID); err != nil {
			m.logger.Warn("Subscription renewal failed", "subscription_id", sub.ID, "error", err)
			errs = append(errs, fmt.Errorf("renew %s: %w", sub.ID, err))
			continue
		}
		renewed = append(renewed, sub.ID)
	}
	return renewed, errors.Join(errs...)
}
