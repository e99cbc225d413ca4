package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"feed-transcoder/internal/database"
	"feed-transcoder/internal/opml"
	"feed-transcoder/internal/startup"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newFeedsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feeds",
		Short: "Manage registered upstream feeds",
	}
	cmd.AddCommand(newFeedsAddCommand(ctx))
	cmd.AddCommand(newFeedsListCommand(ctx))
	cmd.AddCommand(newFeedsRemoveCommand(ctx))
	cmd.AddCommand(newFeedsImportCommand(ctx))
	cmd.AddCommand(newFeedsExportCommand(ctx))
	return cmd
}

func newFeedsAddCommand(ctx *commandContext) *cobra.Command {
	var (
		id     string
		title  string
		params paramFlags
	)

	cmd := &cobra.Command{
		Use:   "add <feed-url>",
		Short: "Register an upstream feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDatabase(cmd.Context(), func(c context.Context, cfg *startup.Config, db *database.Database) error {
				p, err := params.resolve(cmd, cfg.Params)
				if err != nil {
					return err
				}
				created, err := db.CreateFeed(c, database.Feed{
					ID:     strings.TrimSpace(id),
					URL:    strings.TrimSpace(args[0]),
					Title:  strings.TrimSpace(title),
					Params: p,
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Registered feed %s (%s %dk)\n", created.ID, created.Params.Codec, created.Params.BitrateKbps)
				fmt.Fprintf(out, "Subscribe at: %s\n", feedURL(cfg, created.ID))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Feed ID (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "Display title")
	params.register(cmd)
	return cmd
}

func newFeedsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered feeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDatabase(cmd.Context(), func(c context.Context, cfg *startup.Config, db *database.Database) error {
				feeds, err := db.ListFeeds(c)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(feeds) == 0 {
					fmt.Fprintln(out, "No feeds registered")
					return nil
				}

				rows := make([][]string, 0, len(feeds))
				for _, f := range feeds {
					fetched := "never"
					if f.LastFetchedAt != nil {
						fetched = humanize.Time(*f.LastFetchedAt)
					}
					rows = append(rows, []string{
						f.ID,
						dashIfEmpty(f.Title),
						string(f.Params.Codec),
						strconv.Itoa(f.Params.BitrateKbps),
						fetched,
						dashIfEmpty(f.LastError),
						feedURL(cfg, f.ID),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Title", "Codec", "Kbps", "Fetched", "Last Error", "Feed URL"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newFeedsRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Unregister a feed",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDatabase(cmd.Context(), func(c context.Context, _ *startup.Config, db *database.Database) error {
				id := strings.ToLower(strings.TrimSpace(args[0]))
				if err := db.DeleteFeed(c, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed feed %s\n", id)
				return nil
			})
		},
	}
}

func newFeedsImportCommand(ctx *commandContext) *cobra.Command {
	var params paramFlags

	cmd := &cobra.Command{
		Use:   "import <subscriptions.opml>",
		Short: "Register every feed in an OPML subscription list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opml.ParseFile(args[0])
			if err != nil {
				return err
			}
			return ctx.withDatabase(cmd.Context(), func(c context.Context, cfg *startup.Config, db *database.Database) error {
				p, err := params.resolve(cmd, cfg.Params)
				if err != nil {
					return err
				}
				existing, err := db.ListFeeds(c)
				if err != nil {
					return err
				}
				registered := make(map[string]bool, len(existing))
				for _, f := range existing {
					registered[f.URL] = true
				}

				out := cmd.OutOrStdout()
				var imported, skipped, failed int
				for _, sub := range list.Subscriptions {
					if registered[sub.URL] {
						skipped++
						continue
					}
					created, err := db.CreateFeed(c, database.Feed{URL: sub.URL, Title: sub.Title, Params: p})
					if err != nil {
						failed++
						fmt.Fprintf(out, "  [FAIL] %s: %v\n", sub.URL, err)
						continue
					}
					registered[sub.URL] = true
					imported++
					fmt.Fprintf(out, "  [OK] %s -> %s\n", sub.URL, feedURL(cfg, created.ID))
				}

				fmt.Fprintf(out, "Imported %d of %d feeds from %q (%d already registered, %d failed)\n",
					imported, list.Count, list.Title, skipped, failed)
				if failed > 0 {
					return fmt.Errorf("%d feeds could not be registered", failed)
				}
				return nil
			})
		},
	}
	params.register(cmd)
	return cmd
}

func newFeedsExportCommand(ctx *commandContext) *cobra.Command {
	var title string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the transcoded feeds as an OPML subscription list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDatabase(cmd.Context(), func(c context.Context, cfg *startup.Config, db *database.Database) error {
				feeds, err := db.ListFeeds(c)
				if err != nil {
					return err
				}
				list := &opml.List{Title: title}
				for _, f := range feeds {
					list.Subscriptions = append(list.Subscriptions, opml.Subscription{
						Title: f.Title,
						URL:   feedURL(cfg, f.ID),
					})
				}
				list.Count = len(list.Subscriptions)
				return opml.Write(cmd.OutOrStdout(), list, time.Now())
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "Transcoded feeds", "Title of the exported list")
	return cmd
}

func feedURL(cfg *startup.Config, id string) string {
	return cfg.PublicBaseURL + "/feed/" + id
}
