package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"bloom/internal/daemonrun"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var (
		logLevel      string
		skipPreflight bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rig daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:      logLevel,
				SkipPreflight: skipPreflight,
				Ready: func(addr string) {
					if addr == "" {
						fmt.Fprintln(cmd.OutOrStdout(), "Bloom daemon running (HTTP API disabled)")
						return
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Bloom daemon listening on http://%s\n", addr)
				},
			})
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level for this run")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Start without running preflight checks")
	return cmd
}
