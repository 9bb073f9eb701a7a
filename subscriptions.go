package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/graph"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/subscriptions"
)

// manager builds a subscription manager for the configured drive. When
// generateState is set and no client state is configured, a random one is
// generated; it must be copied into CLIENT_STATE for the server to accept
// the resulting notifications.
func (a *app) manager(ctx context.Context, generateState bool) (*subscriptions.Manager, error) {
	gc, err := a.driveClient(ctx)
	if err != nil {
		return nil, err
	}
	state := a.cfg.Subscription.ClientState
	if state == "" && generateState {
		state = uuid.NewString()
		a.logger.Warn("No CLIENT_STATE configured, generated one", "client_state", state)
	}
	var resource string
	if a.cfg.SharePoint.DriveID != "" {
		resource = graph.DriveResource(a.cfg.SharePoint.DriveID)
	}
	return subscriptions.New(subscriptions.Config{
		API:             gc,
		Logger:          a.logger,
		Resource:        resource,
		NotificationURL: a.cfg.Subscription.NotificationURL,
		ClientState:     state,
		TTL:             a.cfg.Subscription.TTL,
	}), nil
}

func (a *app) subscriptionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Manage change-notification subscriptions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List subscriptions owned by the application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.manager(cmd.Context(), false)
			if err != nil {
				return err
			}
			subs, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tRESOURCE\tEXPIRES\tNOTIFICATION URL")
			for _, s := range subs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Resource, s.ExpirationDateTime.Format(time.RFC3339), s.NotificationURL)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <subscription-id>...",
		Short: "Delete subscriptions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context(), false)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := m.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Subscribe to changes on the configured drive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.manager(cmd.Context(), true)
			if err != nil {
				return err
			}
			if err := a.cfg.ValidateSubscriptions(); err != nil {
				return err
			}
			sub, err := m.Create(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (expires %s)\n", sub.ID, sub.ExpirationDateTime.Format(time.RFC3339))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "replace",
		Short: "Delete existing subscriptions on the drive and create a new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.manager(cmd.Context(), true)
			if err != nil {
				return err
			}
			if err := a.cfg.ValidateSubscriptions(); err != nil {
				return err
			}
			sub, err := m.Replace(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (expires %s)\n", sub.ID, sub.ExpirationDateTime.Format(time.RFC3339))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "renew [subscription-id]...",
		Short: "Extend subscriptions; all subscriptions on the drive when no id is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context(), false)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				if a.cfg.SharePoint.DriveID == "" {
					return errors.New("DRIVE_ID is required to renew every subscription")
				}
				renewed, err := m.RenewAll(cmd.Context())
				for _, id := range renewed {
					fmt.Fprintf(cmd.OutOrStdout(), "renewed %s\n", id)
				}
				return err
			}
			for _, id := range args {
				sub, err := m.Renew(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("renew %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "renewed %s (expires %s)\n", id, sub.ExpirationDateTime.Format(time.RFC3339))
			}
			return nil
		},
	})

	return cmd
}

func (a *app) drivesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drives",
		Short: "Show the document libraries of SHAREPOINT_SITE_URL and their drive ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.SharePoint.SiteURL == "" {
				return errors.New("missing required configuration: SHAREPOINT_SITE_URL")
			}
			gc, err := a.graphClient()
			if err != nil {
				return err
			}
			site, err := gc.ResolveSite(cmd.Context(), a.cfg.SharePoint.SiteURL)
			if err != nil {
				return err
			}
			drives, err := gc.ListDrives(cmd.Context(), site.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "site %s (%s)\n", site.DisplayName, site.ID)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DRIVE ID\tNAME\tTYPE")
			for _, d := range drives {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Name, d.DriveType)
			}
			return tw.Flush()
		},
	}
}
