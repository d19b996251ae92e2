package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/mimic/internal/dataset"
	"github.com/zulandar/mimic/internal/runs"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		runID      string
	)

	cmd := &cobra.Command{
		Use:   "stats [FILE]",
		Short: "Print statistics for a JSONL dataset",
		Long:  "Reports example count, character volume, turn mix and speakers of a dataset file or of a stored run (--run).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			examples, err := loadDataset(configPath, args, runID, false)
			if err != nil {
				return err
			}
			dataset.Summarize(examples).Write(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to mimic config file (with --run)")
	cmd.Flags().StringVar(&runID, "run", "", "read the examples of a stored run")
	return cmd
}

// loadDataset reads examples from the file in args or, when runID is set,
// from the database. Exactly one source must be given.
func loadDataset(configPath string, args []string, runID string, includeFlagged bool) ([]dataset.TrainingData, error) {
	switch {
	case runID != "" && len(args) > 0:
		return nil, fmt.Errorf("give a dataset file or --run, not both")
	case runID != "":
		_, gormDB, err := connectFromConfig(configPath)
		if err != nil {
			return nil, err
		}
		return runs.Dataset(gormDB, runID, includeFlagged)
	case len(args) == 1:
		return dataset.ReadFile(args[0])
	}
	return nil, fmt.Errorf("a dataset file or --run is required")
}
