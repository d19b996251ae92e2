package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/mimic/internal/config"
	"github.com/zulandar/mimic/internal/db"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the mimic database",
		Long:  "Connects to the configured database (sqlite or mysql) and migrates all tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to mimic config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded config for target %q from %s\n", cfg.Target, configPath)
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if sqlDB, err := gormDB.DB(); err == nil {
		sqlDB.Close()
	}
	fmt.Fprintln(out, "\nMimic database initialized successfully.")
	return nil
}

// connectFromConfig loads config and returns a migrated GORM DB connection.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.ConnectAndMigrate(cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	return cfg, gormDB, nil
}
