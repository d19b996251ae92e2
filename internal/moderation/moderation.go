// Package moderation screens a training dataset turn by turn and reports
// which examples carry policy violations.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/zulandar/mimic/internal/dataset"
	"github.com/zulandar/mimic/internal/llm"
)

// Moderator classifies one piece of text.
type Moderator interface {
	Moderate(ctx context.Context, input string) (llm.Verdict, error)
}

// Violation is one flagged turn.
type Violation struct {
	Example    int      `json:"example"`
	Turn       int      `json:"turn"`
	Role       string   `json:"role"`
	Name       string   `json:"name,omitempty"`
	Content    string   `json:"content"`
	Categories []string `json:"categories"`
}

// Report is the outcome of checking a dataset.
type Report struct {
	Timestamp       time.Time      `json:"timestamp"`
	TotalMessages   int            `json:"total_messages"`
	TotalViolations int            `json:"total_violations"`
	ViolationRate   float64        `json:"violation_rate"` // percent of turns
	Unchecked       int            `json:"unchecked"`
	CategoryCounts  map[string]int `json:"category_counts"`
	Violations      []Violation    `json:"violations"`
}

// CheckerOpts configures a Checker.
type CheckerOpts struct {
	Moderator Moderator
	Out       io.Writer
}

// Checker runs a Moderator over datasets.
type Checker struct {
	mod Moderator
	out io.Writer
}

// NewChecker creates a Checker.
func NewChecker(opts CheckerOpts) (*Checker, error) {
	if opts.Moderator == nil {
		return nil, fmt.Errorf("moderation: moderator is required")
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	return &Checker{mod: opts.Moderator, out: out}, nil
}

// Check moderates every turn of every example. Identical contents are
// checked once. A failed check is logged and counted as unchecked; only
// context cancellation aborts the run.
func (c *Checker) Check(ctx context.Context, examples []dataset.TrainingData) (*Report, error) {
	r := &Report{Timestamp: time.Now().UTC(), CategoryCounts: map[string]int{}}
	seen := map[string]llm.Verdict{}

	for i, td := range examples {
		for j, t := range td.Turns {
			r.TotalMessages++
			v, ok := seen[t.Content]
			if !ok {
				var err error
				v, err = c.mod.Moderate(ctx, t.Content)
				if err != nil {
					if ctxErr := ctx.Err(); ctxErr != nil {
						return nil, fmt.Errorf("moderation: %w", ctxErr)
					}
					log.Printf("moderation: example %d turn %d: %v", i, j, err)
					r.Unchecked++
					continue
				}
				seen[t.Content] = v
			}
			if !v.Flagged {
				continue
			}
			r.Violations = append(r.Violations, Violation{
				Example:    i,
				Turn:       j,
				Role:       string(t.Role),
				Name:       t.Name,
				Content:    t.Content,
				Categories: v.Categories,
			})
			for _, cat := range v.Categories {
				r.CategoryCounts[cat]++
			}
		}
		if (i+1)%100 == 0 {
			fmt.Fprintf(c.out, "Checked %d/%d examples\n", i+1, len(examples))
		}
	}

	r.TotalViolations = len(r.Violations)
	if r.TotalMessages > 0 {
		r.ViolationRate = float64(r.TotalViolations) / float64(r.TotalMessages) * 100
	}
	return r, nil
}

// Flagged maps each example index with a violation to its categories.
func (r *Report) Flagged() map[int][]string {
	out := map[int][]string{}
	for _, v := range r.Violations {
		cats := out[v.Example]
		for _, c := range v.Categories {
			if !contains(cats, c) {
				cats = append(cats, c)
			}
		}
		out[v.Example] = cats
	}
	return out
}

// Clean returns the examples that have no violation.
func (r *Report) Clean(examples []dataset.TrainingData) []dataset.TrainingData {
	flagged := r.Flagged()
	out := make([]dataset.TrainingData, 0, len(examples))
	for i, td := range examples {
		if _, bad := flagged[i]; !bad {
			out = append(out, td)
		}
	}
	return out
}

// WriteSummary prints a human-readable summary.
func (r *Report) WriteSummary(w io.Writer) {
	fmt.Fprintln(w, "Moderation Report:")
	fmt.Fprintf(w, "- Total messages checked: %d\n", r.TotalMessages)
	fmt.Fprintf(w, "- Messages with violations: %d\n", r.TotalViolations)
	fmt.Fprintf(w, "- Violation rate: %.2f%%\n", r.ViolationRate)
	if r.Unchecked > 0 {
		fmt.Fprintf(w, "- Unchecked messages: %d\n", r.Unchecked)
	}
	if len(r.CategoryCounts) == 0 {
		return
	}
	cats := make([]string, 0, len(r.CategoryCounts))
	for c := range r.CategoryCounts {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		if r.CategoryCounts[cats[i]] != r.CategoryCounts[cats[j]] {
			return r.CategoryCounts[cats[i]] > r.CategoryCounts[cats[j]]
		}
		return cats[i] < cats[j]
	})
	fmt.Fprintln(w, "\nViolation categories:")
	for _, c := range cats {
		fmt.Fprintf(w, "- %s: %d messages\n", c, r.CategoryCounts[c])
	}
}

// Save writes the report as indented JSON.
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("moderation: marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("moderation: write %s: %w", path, err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
