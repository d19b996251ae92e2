package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// defaultConfig is the config path every command falls back to.
const defaultConfig = "mimic.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mimic",
		Short: "Mimic: chat transcript to fine-tuning dataset",
		Long: `Mimic turns an exported group chat transcript into a chat fine-tuning
dataset for one participant, trains a model on it and runs that model as a
live chat bot.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newBuildCmd())
	cmd.AddCommand(newMessagesCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newModerateCmd())
	cmd.AddCommand(newTrainCmd())
	cmd.AddCommand(newBotCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mimic %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// loadEnv populates the environment from .env in the working directory,
// when there is one. Variables already set win.
func loadEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("mimic: load .env: %v", err)
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	loadEnv()
	os.Exit(execute(newRootCmd()))
}
