package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/mimic/internal/config"
	"github.com/zulandar/mimic/internal/dataset"
	"github.com/zulandar/mimic/internal/db"
	"github.com/zulandar/mimic/internal/llm"
	"github.com/zulandar/mimic/internal/moderation"
	"github.com/zulandar/mimic/internal/runs"
)

// envAPIKey names the variable holding the OpenAI API key.
const envAPIKey = "OPENAI_API_KEY"

// newLLMClient builds an API client from the config and environment.
func newLLMClient(cfg *config.Config) (*llm.Client, error) {
	return llm.NewClient(llm.ClientOpts{
		APIKey:  os.Getenv(envAPIKey),
		BaseURL: cfg.OpenAI.BaseURL,
		Sampling: llm.Sampling{
			Model:               cfg.OpenAI.Model,
			Temperature:         cfg.OpenAI.Temperature,
			TopP:                cfg.OpenAI.TopP,
			FrequencyPenalty:    cfg.OpenAI.FrequencyPenalty,
			PresencePenalty:     cfg.OpenAI.PresencePenalty,
			MaxCompletionTokens: cfg.OpenAI.MaxCompletionTokens,
		},
	})
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newModerateCmd() *cobra.Command {
	var (
		configPath string
		runID      string
		outPath    string
		reportPath string
	)

	cmd := &cobra.Command{
		Use:   "moderate [FILE]",
		Short: "Run a moderation check over a dataset",
		Long: `Checks every turn of every example with the moderation endpoint and prints
per-category counts and the violation rate.

--out writes the dataset without flagged examples. With --run the examples
of a stored run are checked and flagged examples are marked in the database.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModerate(cmd, configPath, args, runID, outPath, reportPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to mimic config file")
	cmd.Flags().StringVar(&runID, "run", "", "check the examples of a stored run")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the examples without violations to this file")
	cmd.Flags().StringVar(&reportPath, "report", "", "write the full report as JSON to this file")
	return cmd
}

func runModerate(cmd *cobra.Command, configPath string, args []string, runID, outPath, reportPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	client, err := newLLMClient(cfg)
	if err != nil {
		return err
	}
	checker, err := moderation.NewChecker(moderation.CheckerOpts{Moderator: client, Out: out})
	if err != nil {
		return err
	}

	// Flagged examples are checked again so positions line up with the run.
	examples, err := loadDataset(configPath, args, runID, true)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	report, err := checker.Check(ctx, examples)
	if err != nil {
		return err
	}
	report.WriteSummary(out)

	if reportPath != "" {
		if err := report.Save(reportPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nReport saved to %s\n", reportPath)
	}
	if outPath != "" {
		clean := report.Clean(examples)
		if err := dataset.WriteFile(outPath, clean); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %d clean examples to %s\n", len(clean), outPath)
	}
	if runID == "" {
		return nil
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	flagged := report.Flagged()
	for pos, cats := range flagged {
		if err := runs.Flag(gormDB, runID, pos, cats); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "Flagged %d examples of run %s\n", len(flagged), runID)
	return nil
}
