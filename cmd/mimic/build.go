package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"github.com/zulandar/mimic/internal/config"
	"github.com/zulandar/mimic/internal/dataset"
	"github.com/zulandar/mimic/internal/db"
	"github.com/zulandar/mimic/internal/grouping"
	"github.com/zulandar/mimic/internal/identity"
	"github.com/zulandar/mimic/internal/runs"
	"github.com/zulandar/mimic/internal/segment"
	"github.com/zulandar/mimic/internal/transcript"
)

// pipeline holds the output of every stage of one build.
type pipeline struct {
	messages []transcript.Message
	groups   []grouping.GroupedMessage
	contexts []segment.Context
	accepted []dataset.TrainingData
	summary  segment.Summary
	examples []dataset.TrainingData
}

func newParser(cfg *config.Config) *transcript.Parser {
	return transcript.NewParser(transcript.ParserOpts{
		Resolver: identity.Table(cfg.Usernames),
		Location: cfg.Location(),
	})
}

// cutoff is the configured cutoff in pipeline microseconds, or 0.
func cutoff(cfg *config.Config) int64 {
	if after := cfg.After(); !after.IsZero() {
		return transcript.Micros(after)
	}
	return 0
}

// runPipeline parses the transcript at path and carries it through
// grouping, segmentation, acceptance and selection.
func runPipeline(cfg *config.Config, path string) (*pipeline, error) {
	policy, err := dataset.ParsePolicy(cfg.Selection.Policy)
	if err != nil {
		return nil, err
	}

	msgs, err := newParser(cfg).ParseFile(path)
	if err != nil {
		return nil, err
	}

	p := &pipeline{messages: msgs}
	p.groups = grouping.Group(msgs, grouping.Options{
		Threshold: cfg.Thresholds.Group,
		After:     cutoff(cfg),
	})
	p.contexts = segment.Segment(p.groups, cfg.Thresholds.Context)
	p.accepted, p.summary = segment.BuildAll(p.contexts, cfg.Target, cfg.SystemPrompt)

	sel := dataset.Selection{Policy: policy, MinAssistantRatio: cfg.Selection.MinRatio()}
	p.examples = sel.Apply(p.accepted)
	return p, nil
}

// rejections keys the summary's rejection counts by reason name.
func (p *pipeline) rejections() map[string]int {
	out := make(map[string]int, len(p.summary.Rejected))
	for r, n := range p.summary.Rejected {
		out[r.String()] = n
	}
	return out
}

func newBuildCmd() *cobra.Command {
	var (
		configPath string
		outDir     string
		save       bool
	)

	cmd := &cobra.Command{
		Use:   "build TRANSCRIPT",
		Short: "Build a fine-tuning dataset from a chat transcript",
		Long: `Parses the transcript, groups consecutive messages, splits the conversation
into contexts and expands each accepted context into training examples.

Writes messages.json, groups.json, contexts.jsonl and train.jsonl into the
output directory. With --save the run and its examples are stored in the
database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, configPath, args[0], outDir, save)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to mimic config file")
	cmd.Flags().StringVarP(&outDir, "out", "o", "data", "output directory")
	cmd.Flags().BoolVar(&save, "save", false, "record the run in the database")
	return cmd
}

func runBuild(cmd *cobra.Command, configPath, path, outDir string, save bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	p, err := runPipeline(cfg, path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("build: create %s: %w", outDir, err)
	}
	if err := writeJSON(filepath.Join(outDir, "messages.json"), p.messages); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(outDir, "groups.json"), p.groups); err != nil {
		return err
	}
	if err := dataset.WriteFile(filepath.Join(outDir, "contexts.jsonl"), p.accepted); err != nil {
		return err
	}
	trainPath := filepath.Join(outDir, "train.jsonl")
	if err := dataset.WriteFile(trainPath, p.examples); err != nil {
		return err
	}

	writeBuildSummary(out, cfg, p)
	fmt.Fprintf(out, "Wrote %s\n", trainPath)

	if !save {
		return nil
	}
	gormDB, err := db.ConnectAndMigrate(cfg.Database)
	if err != nil {
		return err
	}
	run, err := runs.Save(gormDB, runs.Record{
		Source:            path,
		Target:            cfg.Target,
		Policy:            cfg.Selection.Policy,
		MinAssistantRatio: cfg.Selection.MinRatio(),
		Messages:          len(p.messages),
		Groups:            len(p.groups),
		Contexts:          len(p.contexts),
		Accepted:          p.summary.Accepted,
		Rejected:          p.rejections(),
		Examples:          p.examples,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved run %s\n", run.ID)
	return nil
}

func writeBuildSummary(w io.Writer, cfg *config.Config, p *pipeline) {
	fmt.Fprintf(w, "Target:    %s\n", cfg.Target)
	fmt.Fprintf(w, "Messages:  %d\n", len(p.messages))
	fmt.Fprintf(w, "Groups:    %d\n", len(p.groups))
	fmt.Fprintf(w, "Contexts:  %d (%d accepted)\n", len(p.contexts), p.summary.Accepted)

	rejected := p.rejections()
	reasons := make([]string, 0, len(rejected))
	for r := range rejected {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(w, "  rejected (%s): %d\n", r, rejected[r])
	}
	fmt.Fprintf(w, "Examples:  %d (policy %s)\n", len(p.examples), cfg.Selection.Policy)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("build: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("build: write %s: %w", path, err)
	}
	return nil
}

func newMessagesCmd() *cobra.Command {
	var (
		configPath string
		outPath    string
	)

	cmd := &cobra.Command{
		Use:   "messages TRANSCRIPT",
		Short: "Dump every message of the target after the cutoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMessages(cmd, configPath, args[0], outPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to mimic config file")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to a file instead of stdout")
	return cmd
}

func runMessages(cmd *cobra.Command, configPath, path, outPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	msgs, err := newParser(cfg).ParseFile(path)
	if err != nil {
		return err
	}

	after := cutoff(cfg)
	var lines []string
	for _, m := range msgs {
		if m.Author != cfg.Target {
			continue
		}
		if after != 0 && m.Time <= after {
			continue
		}
		lines = append(lines, m.Text)
	}

	w := cmd.OutOrStdout()
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("messages: create %s: %w", outPath, err)
		}
		defer f.Close()
		w = f
	}
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	if outPath != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %d messages for %s to %s\n", len(lines), cfg.Target, outPath)
	}
	return nil
}
