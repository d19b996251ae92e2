package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/mimic/internal/dashboard"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only dashboard API",
		Long:  "Serves build runs, examples and fine-tuning jobs as JSON. Use `mimic bot --dashboard` to include the live context.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to mimic config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default dashboard.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Dashboard.Port
	}

	ctx, cancel := signalContext()
	defer cancel()

	err = dashboard.Start(ctx, dashboard.StartOpts{
		DB:   gormDB,
		Port: port,
		Out:  cmd.OutOrStdout(),
	})
	if ctx.Err() != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
	}
	return err
}
