package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/mimic/internal/config"
	"github.com/zulandar/mimic/internal/dataset"
	"github.com/zulandar/mimic/internal/llm"
	"github.com/zulandar/mimic/internal/runs"
	"github.com/zulandar/mimic/internal/training"
	"golang.org/x/term"
	"gorm.io/gorm"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tuning commands",
	}

	cmd.AddCommand(newTrainUploadCmd())
	cmd.AddCommand(newTrainStatusCmd())
	cmd.AddCommand(newTrainListCmd())
	cmd.AddCommand(newTrainWaitCmd())
	return cmd
}

// newTrainer builds a Trainer that records jobs in gormDB.
func newTrainer(cfg *config.Config, gormDB *gorm.DB, out io.Writer) (*training.Trainer, error) {
	client, err := newLLMClient(cfg)
	if err != nil {
		return nil, err
	}
	return training.NewTrainer(training.TrainerOpts{
		FineTuner:    client,
		DB:           gormDB,
		Out:          out,
		PollInterval: cfg.OpenAI.PollInterval,
	})
}

func newTrainUploadCmd() *cobra.Command {
	var (
		configPath string
		runID      string
		model      string
		suffix     string
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "upload [FILE]",
		Short: "Upload a dataset and start a fine-tuning job",
		Long: `Uploads a JSONL dataset with purpose fine-tune and creates a job on the
configured base model. With --run the unflagged examples of a stored run are
uploaded instead of a file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrainUpload(cmd, configPath, args, runID, model, suffix, wait)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to mimic config file")
	cmd.Flags().StringVar(&runID, "run", "", "upload the examples of a stored run")
	cmd.Flags().StringVar(&model, "model", "", "base model (default openai.base_model)")
	cmd.Flags().StringVar(&suffix, "suffix", "", "fine-tuned model suffix (default openai.suffix)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish")
	return cmd
}

func runTrainUpload(cmd *cobra.Command, configPath string, args []string, runID, model, suffix string, wait bool) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if model == "" {
		model = cfg.OpenAI.BaseModel
	}
	if suffix == "" {
		suffix = cfg.OpenAI.Suffix
	}

	var path string
	switch {
	case runID != "" && len(args) > 0:
		return fmt.Errorf("give a dataset file or --run, not both")
	case runID != "":
		examples, err := runs.Dataset(gormDB, runID, false)
		if err != nil {
			return err
		}
		path = filepath.Join(os.TempDir(), fmt.Sprintf("mimic-%s.jsonl", runID))
		if err := dataset.WriteFile(path, examples); err != nil {
			return err
		}
		defer os.Remove(path)
	case len(args) == 1:
		path = args[0]
	default:
		return fmt.Errorf("a dataset file or --run is required")
	}

	trainer, err := newTrainer(cfg, gormDB, out)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	job, err := trainer.Start(ctx, path, model, suffix, runID)
	if err != nil {
		return err
	}
	if !wait {
		fmt.Fprintf(out, "Follow it with: mimic train wait %s\n", job.ID)
		return nil
	}
	job, err = trainer.Wait(ctx, job.ID, statusPrinter(out))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Fine-tuned model: %s\n", job.FineTunedModel)
	return nil
}

func newTrainStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the status of a fine-tuning job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			trainer, err := newTrainer(cfg, gormDB, out)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			job, err := trainer.Status(ctx, args[0])
			if err != nil {
				return err
			}
			writeJob(out, job)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to mimic config file")
	return cmd
}

func newTrainWaitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "wait JOB_ID",
		Short: "Poll a fine-tuning job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			trainer, err := newTrainer(cfg, gormDB, out)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			job, err := trainer.Wait(ctx, args[0], statusPrinter(out))
			if err != nil {
				return err
			}
			writeJob(out, job)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to mimic config file")
	return cmd
}

func newTrainListCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded fine-tuning jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			jobs, err := training.ListJobs(gormDB, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No fine-tuning jobs recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tBASE MODEL\tFINE-TUNED MODEL\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.Status, j.BaseModel, dash(j.FineTunedModel), j.CreatedAt.Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to mimic config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of jobs to show (0 for all)")
	return cmd
}

func writeJob(w io.Writer, job llm.Job) {
	fmt.Fprintf(w, "Job:              %s\n", job.ID)
	fmt.Fprintf(w, "Status:           %s\n", job.Status)
	fmt.Fprintf(w, "Base model:       %s\n", job.Model)
	fmt.Fprintf(w, "Fine-tuned model: %s\n", dash(job.FineTunedModel))
	if job.TrainedTokens > 0 {
		fmt.Fprintf(w, "Trained tokens:   %d\n", job.TrainedTokens)
	}
	if job.FinishedAt != nil {
		fmt.Fprintf(w, "Finished:         %s\n", job.FinishedAt.Format(time.DateTime))
	}
}

// statusPrinter reports each poll of a job. On a terminal the status is
// rewritten in place; otherwise every poll gets its own line.
func statusPrinter(out io.Writer) func(llm.Job) {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return func(job llm.Job) {
		line := fmt.Sprintf("[%s] %s: %s", time.Now().Format(time.TimeOnly), job.ID, job.Status)
		if job.TrainedTokens > 0 {
			line += fmt.Sprintf(" (%d tokens)", job.TrainedTokens)
		}
		if !tty {
			fmt.Fprintln(out, line)
			return
		}
		fmt.Fprintf(out, "\r\033[K%s", line)
		if job.Terminal() {
			fmt.Fprintln(out)
		}
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
