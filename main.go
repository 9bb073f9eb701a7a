// Package main implements a service that keeps a SharePoint drive mirrored
// into a staging area and a search index by following Graph delta queries
// triggered from change notifications.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/auth"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/azopenai"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/config"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/deltasync"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/graph"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/ingest"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/search"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/staging"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/storage"
)

var version = "dev"

// app carries what every command needs. graphURL and tokenURL are empty in
// production and point at fakes in tests.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	out      io.Writer
	graphURL string
	tokenURL string
	envFiles []string
}

func main() {
	a := &app{out: os.Stdout}
	if err := a.rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "spsync",
		Short:         "spsync mirrors SharePoint drive changes into a staging area and search index",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, a.envFiles...)
			if err != nil {
				return err
			}
			a.cfg = cfg
			if a.logger == nil {
				a.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
					Level: cfg.Level(),
				}))
				slog.SetDefault(a.logger)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "Path to a YAML config file")
	cmd.SetOut(a.out)

	cmd.AddCommand(a.serveCmd())
	cmd.AddCommand(a.subscriptionsCmd())
	cmd.AddCommand(a.drivesCmd())
	cmd.AddCommand(a.resyncCmd())
	cmd.AddCommand(a.searchCmd())
	cmd.AddCommand(a.askCmd())
	return cmd
}

func (a *app) httpClient() *http.Client {
	return &http.Client{Timeout: a.cfg.HTTPTimeout}
}

func (a *app) graphClient() (*graph.Client, error) {
	if err := a.cfg.ValidateGraph(); err != nil {
		return nil, err
	}
	tokens, err := auth.New(auth.Config{
		HTTPClient:   a.httpClient(),
		Logger:       a.logger,
		TenantID:     a.cfg.SharePoint.TenantID,
		ClientID:     a.cfg.SharePoint.AppID,
		ClientSecret: a.cfg.SharePoint.ClientSecret,
		TokenURL:     a.tokenURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create credential provider: %w", err)
	}
	return graph.New(graph.Config{
		HTTPClient:       a.httpClient(),
		Tokens:           tokens,
		Logger:           a.logger,
		BaseURL:          a.graphURL,
		MaxDownloadBytes: a.cfg.Sync.MaxDownloadBytes,
	}), nil
}

// driveClient returns a Graph client and makes sure DRIVE_ID is set. When
// it is empty and SHAREPOINT_SITE_URL names a site with exactly one document
// library, that library is used.
func (a *app) driveClient(ctx context.Context) (*graph.Client, error) {
	gc, err := a.graphClient()
	if err != nil {
		return nil, err
	}
	if a.cfg.SharePoint.DriveID != "" || a.cfg.SharePoint.SiteURL == "" {
		return gc, nil
	}

	site, err := gc.ResolveSite(ctx, a.cfg.SharePoint.SiteURL)
	if err != nil {
		return nil, err
	}
	drives, err := gc.ListDrives(ctx, site.ID)
	if err != nil {
		return nil, err
	}
	if len(drives) != 1 {
		return nil, fmt.Errorf("site %s has %d drives, set DRIVE_ID (see the drives command)", site.WebURL, len(drives))
	}
	a.cfg.SharePoint.DriveID = drives[0].ID
	a.logger.Info("Using the site's only drive", "site_id", site.ID, "drive_id", drives[0].ID, "drive_name", drives[0].Name)
	return gc, nil
}

func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	return storage.Open(ctx, a.cfg.Sync.CursorStore, storage.Options{
		Logger:          a.logger,
		CredentialsJSON: []byte(a.cfg.GoogleCredentialsJSON),
	})
}

// splitBucket splits "bucket/some/prefix" into its bucket and prefix.
func splitBucket(s string) (bucket, prefix string) {
	s = strings.TrimPrefix(s, "gs://")
	bucket, prefix, _ = strings.Cut(s, "/")
	return bucket, prefix
}

// stager returns the staging backend and a cleanup func.
func (a *app) stager(ctx context.Context) (deltasync.Stager, func(), error) {
	if a.cfg.Sync.StagingBucket == "" {
		return staging.NewLocal(a.cfg.Sync.StagingDir, a.logger), func() {}, nil
	}

	var opts []option.ClientOption
	if a.cfg.GoogleCredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(a.cfg.GoogleCredentialsJSON)))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	bucket, prefix := splitBucket(a.cfg.Sync.StagingBucket)
	b := staging.NewBucket(client, bucket, prefix, a.logger)
	return b, func() {
		if err := b.Close(); err != nil {
			a.logger.Warn("Failed to close storage client", "error", err)
		}
	}, nil
}

func (a *app) searchClient() *search.Client {
	return search.New(search.Config{
		HTTPClient: a.httpClient(),
		Logger:     a.logger,
		Endpoint:   a.cfg.SearchEndpoint(),
		APIKey:     a.cfg.Search.APIKey,
		Index:      a.cfg.Search.Index,
	})
}

func (a *app) openAIClient() *azopenai.Client {
	return azopenai.New(azopenai.Config{
		HTTPClient:          a.httpClient(),
		Logger:              a.logger,
		Endpoint:            a.cfg.OpenAI.Endpoint,
		APIKey:              a.cfg.OpenAI.APIKey,
		ChatDeployment:      a.cfg.OpenAI.ChatDeployment,
		EmbeddingDeployment: a.cfg.OpenAI.EmbeddingDeployment,
	})
}

// handoff indexes staged files when a search index is configured and only
// logs them otherwise.
func (a *app) handoff() deltasync.Handoff {
	if !a.cfg.SearchEnabled() {
		a.logger.Info("No search index configured, staged files will only be logged")
		return ingest.Logging{Logger: a.logger}
	}
	cfg := ingest.Config{Index: a.searchClient(), Logger: a.logger}
	if a.cfg.EmbeddingsEnabled() {
		cfg.Embedder = a.openAIClient()
	}
	return ingest.New(cfg)
}

// syncer assembles the delta pipeline. The returned func releases the stager.
func (a *app) syncer(ctx context.Context, gc *graph.Client) (*deltasync.Syncer, func(), error) {
	stager, cleanup, err := a.stager(ctx)
	if err != nil {
		return nil, nil, err
	}
	return deltasync.New(deltasync.Config{
		Feed:     gc,
		Stager:   stager,
		Handoff:  a.handoff(),
		Logger:   a.logger,
		MaxPages: a.cfg.Sync.MaxPages,
	}), cleanup, nil
}
