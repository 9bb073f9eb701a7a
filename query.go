package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/azopenai"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/search"
)

const systemPrompt = "You are an AI assistant."

func (a *app) resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync <subscription-id>",
		Short: "Run one delta sync for a subscription and store the new cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			subscriptionID := args[0]

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

			link, ok, err := store.Get(ctx, subscriptionID)
			if err != nil {
				return fmt.Errorf("read cursor: %w", err)
			}
			if !ok {
				link = gc.SeedDeltaURL(a.cfg.SharePoint.DriveID)
			}

			next, report, syncErr := syncer.Sync(ctx, link)
			if next != "" {
				if err := store.Put(context.WithoutCancel(ctx), subscriptionID, next); err != nil {
					return errors.Join(syncErr, fmt.Errorf("store cursor: %w", err))
				}
			}
			if syncErr != nil {
				return syncErr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pages=%d updated=%d deleted=%d skipped=%d failed=%d truncated=%t\n",
				report.Pages, report.Updated, report.Deleted, report.Skipped, report.Failed, report.Truncated)
			return nil
		},
	}
}

func (a *app) searchCmd() *cobra.Command {
	var (
		top  int
		mode string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Query the search index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.ValidateSearch(); err != nil {
				return err
			}
			ctx := cmd.Context()
			text := strings.Join(args, " ")

			q := search.Query{TopK: top}
			switch mode {
			case "semantic":
				q.Text, q.Semantic = text, true
			case "vector", "hybrid":
				if !a.cfg.EmbeddingsEnabled() {
					return fmt.Errorf("%s search needs AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_API_KEY and EMBEDDING_DEPLOYMENT_NAME", mode)
				}
				vec, err := a.openAIClient().Embed(ctx, text)
				if err != nil {
					return fmt.Errorf("embed query: %w", err)
				}
				q.Vector = vec
				if mode == "hybrid" {
					q.Text = text
				}
			default:
				return fmt.Errorf("unknown search mode %q", mode)
			}

			results, err := a.searchClient().Query(ctx, q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, r := range results {
				fmt.Fprintf(out, "%d. %s (score %.3f)\n", i+1, r.Title, r.Score)
				snippet := r.ChunkText
				if len(r.Captions) > 0 {
					snippet = r.Captions[0].Text
				}
				if snippet != "" {
					fmt.Fprintf(out, "   %s\n", snippet)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&top, "top", "k", 5, "Number of results")
	cmd.Flags().StringVarP(&mode, "mode", "m", "semantic", "Search mode: semantic, vector or hybrid")
	return cmd
}

func (a *app) askCmd() *cobra.Command {
	var maxTokens int
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question grounded on the search index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.ValidateChat(); err != nil {
				return err
			}
			resp, err := a.openAIClient().Complete(cmd.Context(), azopenai.ChatRequest{
				Messages: []azopenai.Message{
					{Role: "system", Content: systemPrompt},
					{Role: "user", Content: strings.Join(args, " ")},
				},
				MaxTokens:   maxTokens,
				Temperature: 1,
				DataSource: &azopenai.SearchSource{
					Endpoint: a.cfg.SearchEndpoint(),
					Index:    a.cfg.Search.Index,
					APIKey:   a.cfg.Search.APIKey,
				},
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.Content)
			for i, c := range resp.Citations {
				name := c.Title
				if name == "" {
					name = c.FilePath
				}
				fmt.Fprintf(out, "[doc%d] %s\n", i+1, name)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 800, "Maximum tokens in the answer")
	return cmd
}
