package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"feed-transcoder/internal/artifact"
	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/janitor"
	"feed-transcoder/internal/startup"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const defaultListLimit = 50

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the artifact cache",
	}
	cmd.AddCommand(newCacheStatsCommand(ctx))
	cmd.AddCommand(newCacheListCommand(ctx))
	cmd.AddCommand(newCacheEvictCommand(ctx))
	cmd.AddCommand(newCacheRemoveCommand(ctx))
	return cmd
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show artifact cache totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(c context.Context, cfg *startup.Config, store artifact.Store) error {
				stats, err := store.Stats(c)
				if err != nil {
					return err
				}
				limits := cfg.Limits()

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Backend:     %s\n", stats.Backend)
				fmt.Fprintf(out, "Artifacts:   %d\n", stats.Artifacts)
				fmt.Fprintf(out, "Size:        %s\n", humanize.IBytes(uint64(stats.Bytes)))
				fmt.Fprintf(out, "In progress: %d\n", stats.Pending)
				fmt.Fprintf(out, "Chunk size:  %s\n", humanize.IBytes(uint64(stats.ChunkSize)))
				fmt.Fprintf(out, "Limits:      %s\n", describeLimits(limits))
				return nil
			})
		},
	}
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored artifacts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return ctx.withStore(cmd.Context(), func(c context.Context, _ *startup.Config, store artifact.Store) error {
				metas, err := store.List(c, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(metas) == 0 {
					fmt.Fprintln(out, "No artifacts stored")
					return nil
				}

				rows := make([][]string, 0, len(metas))
				for _, m := range metas {
					rows = append(rows, []string{
						m.Fingerprint.String(),
						m.ContentType,
						humanize.IBytes(uint64(m.Size)),
						strconv.Itoa(m.Chunks),
						humanize.Time(m.CreatedAt),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Fingerprint", "Type", "Size", "Chunks", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultListLimit, "Maximum artifacts to list")
	return cmd
}

func newCacheEvictCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "evict",
		Short: "Run one eviction pass against the configured limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(c context.Context, cfg *startup.Config, store artifact.Store) error {
				out := cmd.OutOrStdout()
				limits := cfg.Limits()
				if !limits.Enabled() {
					fmt.Fprintln(out, "No cache limits configured, nothing to evict")
					return nil
				}

				result, err := janitor.New(store, limits, 0).Run(c, janitor.TriggerManual)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Evicted %d artifacts, freed %s", len(result.Evicted), humanize.IBytes(uint64(result.FreedBytes)))
				if result.Skipped > 0 {
					fmt.Fprintf(out, " (%d in use, skipped)", result.Skipped)
				}
				fmt.Fprintln(out)
				return nil
			})
		},
	}
}

func newCacheRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <fingerprint>",
		Short: "Delete one stored artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := fingerprint.Parse(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(c context.Context, _ *startup.Config, store artifact.Store) error {
				if err := store.Delete(c, fp); err != nil {
					return fmt.Errorf("delete %s: %w", fp.Short(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", fp)
				return nil
			})
		},
	}
}

func describeLimits(l artifact.Limits) string {
	var parts []string
	if l.MaxBytes > 0 {
		parts = append(parts, humanize.IBytes(uint64(l.MaxBytes)))
	}
	if l.MaxArtifacts > 0 {
		parts = append(parts, strconv.Itoa(l.MaxArtifacts)+" artifacts")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
