package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/deltasync"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/dispatch"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/server"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive change notifications and sync the drive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	gc, err := a.driveClient(ctx)
	if err != nil {
		return err
	}
	if err := a.cfg.ValidateSync(); err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open cursor store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.logger.Warn("Failed to close cursor store", "error", err)
		}
	}()

	syncer, cleanup, err := a.syncer(ctx, gc)
	if err != nil {
		return err
	}
	defer cleanup()

	// Syncs outlive the notification request but stop with the process.
	d := dispatch.New(dispatch.Config{
		BaseContext: ctx,
		Syncer:      syncer,
		Store:       store,
		Logger:      a.logger,
		SeedURL:     gc.SeedDeltaURL(a.cfg.SharePoint.DriveID),
		MaxWorkers:  a.cfg.Sync.Workers,
		Timeout:     a.cfg.Sync.Timeout,
	})

	sweeper := deltasync.NewSweeper(store, d, a.cfg.Subscription.IDs, a.logger)
	if a.cfg.Sync.ResyncInterval > 0 {
		go sweeper.Run(ctx, a.cfg.Sync.ResyncInterval)
	}

	srv := server.New(&server.Config{
		Queue:       d,
		Sweeper:     sweeper,
		Logger:      a.logger,
		ClientState: a.cfg.Subscription.ClientState,
	})

	a.logger.Info("Sync service configured",
		"drive_id", a.cfg.SharePoint.DriveID,
		"cursor_store", a.cfg.Sync.CursorStore,
		"workers", a.cfg.Sync.Workers,
		"resync_interval", a.cfg.Sync.ResyncInterval.String(),
		"search_enabled", a.cfg.SearchEnabled())

	serveErr := srv.ListenAndServe(ctx, a.cfg.Port)

	a.logger.Info("Waiting for in-flight syncs")
	d.Wait()

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}
