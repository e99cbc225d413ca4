package main

import (
	"fmt"

	"feed-transcoder/internal/feed"
	"feed-transcoder/internal/fingerprint"

	"github.com/spf13/cobra"
)

func newFingerprintCommand(ctx *commandContext) *cobra.Command {
	var params paramFlags

	cmd := &cobra.Command{
		Use:   "fingerprint <enclosure-url>",
		Short: "Print the cache fingerprint and play URL for an enclosure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			p, err := params.resolve(cmd, cfg.Params)
			if err != nil {
				return err
			}
			canonical, err := fingerprint.Canonicalize(args[0])
			if err != nil {
				return err
			}
			fp, err := fingerprint.ComputeCanonical(canonical, p)
			if err != nil {
				return err
			}
			rewriter, err := feed.NewRewriter(cfg.PublicBaseURL)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Fingerprint: %s\n", fp)
			fmt.Fprintf(out, "Source:      %s\n", canonical)
			fmt.Fprintf(out, "Params:      %s %dk", p.Codec, p.BitrateKbps)
			if p.SampleRateHz > 0 {
				fmt.Fprintf(out, " %dHz", p.SampleRateHz)
			}
			if p.Channels > 0 {
				fmt.Fprintf(out, " %dch", p.Channels)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Play URL:    %s\n", rewriter.PlayURL(fp, canonical, p))
			return nil
		},
	}
	params.register(cmd)
	return cmd
}
