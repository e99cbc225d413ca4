package main

import (
	"fmt"

	"feed-transcoder/internal/startup"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := startup.GetBuildInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "feed-transcoder %s (commit %s, built %s, %s %s/%s)\n",
				info.Version, info.Commit, info.BuildTime, info.GoVersion, info.OS, info.Arch)
			return nil
		},
	}
}

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sample",
		Short: "Print an annotated configuration file with every default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), startup.SampleConfig())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load the configuration and report the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.ConfigFile != "" {
				fmt.Fprintf(out, "Config file:     %s\n", cfg.ConfigFile)
			}
			fmt.Fprintf(out, "Public base URL: %s\n", cfg.PublicBaseURL)
			fmt.Fprintf(out, "Store:           %s\n", cfg.Store.Backend)
			fmt.Fprintf(out, "Provider:        %s (%d workers)\n", cfg.ProviderKind, cfg.Workers)
			fmt.Fprintf(out, "Target:          %s %dk\n", cfg.Params.Codec, cfg.Params.BitrateKbps)
			fmt.Fprintf(out, "Database:        %s\n", cfg.DatabasePath)
			fmt.Fprintf(out, "Admin API:       %s\n", yesNo(cfg.AdminEnabled()))
			return nil
		},
	})
	return cmd
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
