// Package config loads service settings from defaults, an optional YAML file,
// a .env file and the process environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SharePointConfig identifies the app registration and the drive to sync.
type SharePointConfig struct {
	TenantID     string `yaml:"tenant_id"`
	AppID        string `yaml:"app_id"`
	ClientSecret string `yaml:"client_secret"`
	SiteURL      string `yaml:"site_url"`
	DriveID      string `yaml:"drive_id"`
}

// SubscriptionConfig configures change-notification subscriptions.
type SubscriptionConfig struct {
	NotificationURL string        `yaml:"notification_url"`
	ClientState     string        `yaml:"client_state"`
	IDs             []string      `yaml:"ids"`
	TTL             time.Duration `yaml:"ttl"`
}

// SyncConfig configures cursor storage, staging and the dispatcher.
type SyncConfig struct {
	CursorStore      string        `yaml:"cursor_store"`
	StagingDir       string        `yaml:"staging_dir"`
	StagingBucket    string        `yaml:"staging_bucket"`
	ResyncInterval   time.Duration `yaml:"resync_interval"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
	Workers          int           `yaml:"workers"`
	MaxPages         int           `yaml:"max_pages"`
}

// SearchConfig identifies the search index.
type SearchConfig struct {
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"api_key"`
	Index       string `yaml:"index"`
}

// OpenAIConfig identifies the Azure OpenAI resource and deployments.
type OpenAIConfig struct {
	Endpoint            string `yaml:"endpoint"`
	APIKey              string `yaml:"api_key"`
	ChatDeployment      string `yaml:"chat_deployment"`
	EmbeddingDeployment string `yaml:"embedding_deployment"`
}

// Config is the root configuration.
type Config struct {
	SharePoint            SharePointConfig   `yaml:"sharepoint"`
	Subscription          SubscriptionConfig `yaml:"subscription"`
	Sync                  SyncConfig         `yaml:"sync"`
	Search                SearchConfig       `yaml:"search"`
	OpenAI                OpenAIConfig       `yaml:"openai"`
	Port                  string             `yaml:"port"`
	LogLevel              string             `yaml:"log_level"`
	GoogleCredentialsJSON string             `yaml:"-"`
	HTTPTimeout           time.Duration      `yaml:"http_timeout"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Subscription: SubscriptionConfig{TTL: 72 * time.Hour},
		Sync: SyncConfig{
			CursorStore:      "delta_links.json",
			StagingDir:       "downloads",
			Timeout:          10 * time.Minute,
			MaxDownloadBytes: 100 << 20,
			Workers:          1,
			MaxPages:         100,
		},
		Search:      SearchConfig{Index: "sharepoint-index"},
		OpenAI:      OpenAIConfig{ChatDeployment: "gpt-4.1-mini", EmbeddingDeployment: "text-embedding-3-large"},
		Port:        "11451",
		LogLevel:    "info",
		HTTPTimeout: 60 * time.Second,
	}
}

// Load builds the configuration. path names an optional YAML file; envFiles
// are dotenv files loaded into the environment without overriding it
// (".env" when none are given).
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("SHAREPOINT_TENANT_ID", &c.SharePoint.TenantID)
	str("SHAREPOINT_APP_ID", &c.SharePoint.AppID)
	str("SHAREPOINT_CLIENT_SECRET", &c.SharePoint.ClientSecret)
	str("SHAREPOINT_SITE_URL", &c.SharePoint.SiteURL)
	str("DRIVE_ID", &c.SharePoint.DriveID)

	str("NOTIFICATION_URL", &c.Subscription.NotificationURL)
	str("CLIENT_STATE", &c.Subscription.ClientState)
	dur("SUBSCRIPTION_TTL", &c.Subscription.TTL)
	if v, ok := lookup("SUBSCRIPTION_IDS"); ok && v != "" {
		c.Subscription.IDs = nil
		for id := range strings.SplitSeq(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.Subscription.IDs = append(c.Subscription.IDs, id)
			}
		}
	}

	str("CURSOR_STORE", &c.Sync.CursorStore)
	str("STAGING_DIR", &c.Sync.StagingDir)
	str("STAGING_BUCKET", &c.Sync.StagingBucket)
	dur("RESYNC_INTERVAL", &c.Sync.ResyncInterval)
	dur("SYNC_TIMEOUT", &c.Sync.Timeout)
	num("MAX_DOWNLOAD_BYTES", &c.Sync.MaxDownloadBytes)
	var workers, pages int64 = int64(c.Sync.Workers), int64(c.Sync.MaxPages)
	num("DISPATCH_WORKERS", &workers)
	num("SYNC_MAX_PAGES", &pages)
	c.Sync.Workers, c.Sync.MaxPages = int(workers), int(pages)

	str("SEARCH_SERVICE_NAME", &c.Search.ServiceName)
	str("SEARCH_ENDPOINT", &c.Search.Endpoint)
	str("SEARCH_API_KEY", &c.Search.APIKey)
	str("INDEX_NAME", &c.Search.Index)

	str("AZURE_OPENAI_ENDPOINT", &c.OpenAI.Endpoint)
	str("AZURE_OPENAI_API_KEY", &c.OpenAI.APIKey)
	str("CHAT_DEPLOYMENT_NAME", &c.OpenAI.ChatDeployment)
	str("EMBEDDING_DEPLOYMENT_NAME", &c.OpenAI.EmbeddingDeployment)

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("GOOGLE_CREDENTIALS_JSON", &c.GoogleCredentialsJSON)
	dur("HTTP_TIMEOUT", &c.HTTPTimeout)

	return errors.Join(errs...)
}

// SearchEndpoint returns the search service URL.
func (c *Config) SearchEndpoint() string {
	if c.Search.Endpoint != "" {
		return c.Search.Endpoint
	}
	if c.Search.ServiceName == "" {
		return ""
	}
	return "https://" + c.Search.ServiceName + ".search.windows.net"
}

// SearchEnabled reports whether chunks should be pushed to the search index.
func (c *Config) SearchEnabled() bool {
	return c.SearchEndpoint() != "" && c.Search.APIKey != ""
}

// EmbeddingsEnabled reports whether chunk vectors can be computed.
func (c *Config) EmbeddingsEnabled() bool {
	return c.OpenAI.Endpoint != "" && c.OpenAI.APIKey != "" && c.OpenAI.EmbeddingDeployment != ""
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func missing(pairs ...string) error {
	var names []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			names = append(names, pairs[i])
		}
	}
	if len(names) == 0 {
		return nil
	}
	return fmt.Errorf("missing required configuration: %s", strings.Join(names, ", "))
}

// ValidateGraph checks the app registration settings.
func (c *Config) ValidateGraph() error {
	return missing(
		"SHAREPOINT_TENANT_ID", c.SharePoint.TenantID,
		"SHAREPOINT_APP_ID", c.SharePoint.AppID,
		"SHAREPOINT_CLIENT_SECRET", c.SharePoint.ClientSecret,
	)
}

// ValidateSync checks what the sync pipeline needs.
func (c *Config) ValidateSync() error {
	return errors.Join(c.ValidateGraph(), missing(
		"DRIVE_ID", c.SharePoint.DriveID,
		"CURSOR_STORE", c.Sync.CursorStore,
	))
}

// ValidateSubscriptions checks what creating subscriptions needs.
func (c *Config) ValidateSubscriptions() error {
	return errors.Join(c.ValidateGraph(), missing(
		"DRIVE_ID", c.SharePoint.DriveID,
		"NOTIFICATION_URL", c.Subscription.NotificationURL,
	))
}

// ValidateSearch checks the search index settings.
func (c *Config) ValidateSearch() error {
	return missing(
		"SEARCH_SERVICE_NAME", c.SearchEndpoint(),
		"SEARCH_API_KEY", c.Search.APIKey,
		"INDEX_NAME", c.Search.Index,
	)
}

// ValidateChat checks the chat deployment settings.
func (c *Config) ValidateChat() error {
	return errors.Join(c.ValidateSearch(), missing(
		"AZURE_OPENAI_ENDPOINT", c.OpenAI.Endpoint,
		"AZURE_OPENAI_API_KEY", c.OpenAI.APIKey,
		"CHAT_DEPLOYMENT_NAME", c.OpenAI.ChatDeployment,
	))
}
