package dashboard

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/mimic/internal/dataset"
	"github.com/zulandar/mimic/internal/models"
	"github.com/zulandar/mimic/internal/runs"
	"github.com/zulandar/mimic/internal/segment"
	"github.com/zulandar/mimic/internal/transcript"
)

// RunView is a build run as returned by the API.
type RunView struct {
	ID                string         `json:"id"`
	Source            string         `json:"source"`
	Target            string         `json:"target"`
	Policy            string         `json:"policy"`
	MinAssistantRatio float64        `json:"min_assistant_ratio,omitempty"`
	Messages          int            `json:"messages"`
	Groups            int            `json:"groups"`
	Contexts          int            `json:"contexts"`
	Accepted          int            `json:"accepted"`
	Examples          int            `json:"examples"`
	Rejected          map[string]int `json:"rejected"`
	CreatedAt         time.Time      `json:"created_at"`
}

func runView(r *models.BuildRun) (RunView, error) {
	rejected, err := runs.Rejections(r)
	if err != nil {
		return RunView{}, err
	}
	return RunView{
		ID:                r.ID,
		Source:            r.Source,
		Target:            r.Target,
		Policy:            r.Policy,
		MinAssistantRatio: r.MinAssistantRatio,
		Messages:          r.Messages,
		Groups:            r.Groups,
		Contexts:          r.Contexts,
		Accepted:          r.Accepted,
		Examples:          r.Examples,
		Rejected:          rejected,
		CreatedAt:         r.CreatedAt,
	}, nil
}

// ExampleView is one stored training example.
type ExampleView struct {
	Position       int                   `json:"position"`
	Turns          int                   `json:"turns"`
	AssistantTurns int                   `json:"assistant_turns"`
	Chars          int                   `json:"chars"`
	Flagged        bool                  `json:"flagged"`
	Categories     []string              `json:"categories,omitempty"`
	Messages       []dataset.ChatMessage `json:"messages"`
}

func exampleViews(rows []models.Example) ([]ExampleView, error) {
	out := make([]ExampleView, 0, len(rows))
	for _, r := range rows {
		var td dataset.TrainingData
		if err := json.Unmarshal([]byte(r.Payload), &td); err != nil {
			return nil, fmt.Errorf("dashboard: decode example %d: %w", r.Position, err)
		}
		v := ExampleView{
			Position:       r.Position,
			Turns:          r.Turns,
			AssistantTurns: r.AssistantTurns,
			Chars:          r.Chars,
			Flagged:        r.Flagged,
			Messages:       td.Turns,
		}
		if r.Categories != "" {
			v.Categories = strings.Split(r.Categories, ",")
		}
		out = append(out, v)
	}
	return out, nil
}

// JobView is a recorded fine-tuning job.
type JobView struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id,omitempty"`
	FileID         string     `json:"file_id"`
	BaseModel      string     `json:"base_model"`
	Suffix         string     `json:"suffix,omitempty"`
	Status         string     `json:"status"`
	FineTunedModel string     `json:"fine_tuned_model,omitempty"`
	TrainedTokens  int        `json:"trained_tokens,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

func jobView(j *models.FineTuneJob) JobView {
	return JobView{
		ID:             j.ID,
		RunID:          j.RunID,
		FileID:         j.FileID,
		BaseModel:      j.BaseModel,
		Suffix:         j.Suffix,
		Status:         j.Status,
		FineTunedModel: j.FineTunedModel,
		TrainedTokens:  j.TrainedTokens,
		CreatedAt:      j.CreatedAt,
		FinishedAt:     j.FinishedAt,
	}
}

// GroupView is one group of the live context.
type GroupView struct {
	Author    string       `json:"author"`
	Role      dataset.Role `json:"role"`
	Lines     []string     `json:"lines"`
	FirstTime time.Time    `json:"first_time"`
	LastTime  time.Time    `json:"last_time"`
}

// ContextView is the live bot's open context.
type ContextView struct {
	Open      bool        `json:"open"`
	FirstTime *time.Time  `json:"first_time,omitempty"`
	LastTime  *time.Time  `json:"last_time,omitempty"`
	Groups    []GroupView `json:"groups"`
}

func liveView(c segment.Context, ok bool, target string) ContextView {
	v := ContextView{Open: ok, Groups: []GroupView{}}
	if !ok {
		return v
	}
	first, last := transcript.FromMicros(c.FirstTime).UTC(), transcript.FromMicros(c.LastTime).UTC()
	v.FirstTime, v.LastTime = &first, &last
	for _, g := range c.Groups {
		role := dataset.RoleUser
		if g.Author == target {
			role = dataset.RoleAssistant
		}
		v.Groups = append(v.Groups, GroupView{
			Author:    g.Author,
			Role:      role,
			Lines:     append([]string(nil), g.Lines...),
			FirstTime: transcript.FromMicros(g.FirstTime).UTC(),
			LastTime:  transcript.FromMicros(g.LastTime).UTC(),
		})
	}
	return v
}
