// Package auth obtains bearer tokens for the Graph API via the OAuth2 client-credentials grant.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultScope is the Graph API default scope for application permissions.
	DefaultScope = "https://graph.microsoft.com/.default"

	tokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
)

// Config holds the client-credentials parameters.
type Config struct {
	HTTPClient   *http.Client
	Logger       *slog.Logger
	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string // Overrides the tenant token endpoint (tests, sovereign clouds)
	Scope        string
}

// Provider exchanges client credentials for a token. Tokens are not cached:
// every call to Token performs a new exchange.
type Provider struct {
	conf   clientcredentials.Config
	client *http.Client
	logger *slog.Logger
}

// New creates a new credential provider.
func New(cfg Config) (*Provider, error) {
	if cfg.TenantID == "" && cfg.TokenURL == "" {
		return nil, errors.New("tenant id is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("client id and client secret are required")
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL(cfg.TenantID)
	}
	scope := cfg.Scope
	if scope == "" {
		scope = DefaultScope
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		conf: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{scope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: client,
		logger: logger,
	}, nil
}

// TokenURL returns the v2.0 token endpoint for a tenant.
func TokenURL(tenantID string) string {
	return fmt.Sprintf(tokenURLFormat, tenantID)
}

// Token performs a client-credentials exchange and returns the access token.
// A rejected exchange is reported as *sharepoint.AuthError with the response body.
func (p *Provider) Token(ctx context.Context) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	startTime := time.Now()
	tok, err := p.conf.Token(ctx)
	duration := time.Since(startTime)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			authErr := &sharepoint.AuthError{Body: strings.TrimSpace(string(retrieveErr.Body))}
			if retrieveErr.Response != nil {
				authErr.StatusCode = retrieveErr.Response.StatusCode
			}
			p.logger.Error("Token exchange rejected",
				"token_url", p.conf.TokenURL,
				"client_id", p.conf.ClientID,
				"status_code", authErr.StatusCode,
				"body", authErr.Body,
				"duration_ms", duration.Milliseconds())
			return "", authErr
		}
		p.logger.Error("Token exchange failed", "token_url", p.conf.TokenURL, "error", err)
		return "", &sharepoint.AuthError{Body: err.Error()}
	}

	if tok.AccessToken == "" {
		return "", &sharepoint.AuthError{Body: "response did not contain an access_token"}
	}

	p.logger.Debug("Token acquired", "duration_ms", duration.Milliseconds(), "expiry", tok.Expiry.Format(time.RFC3339))
	return tok.AccessToken, nil
}
