// Package llm talks to an OpenAI-compatible API for live replies,
// moderation and fine-tuning.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/zulandar/mimic/internal/dataset"
)

// Sampling holds the chat completion parameters.
type Sampling struct {
	Model               string
	Temperature         float32
	TopP                float32
	FrequencyPenalty    float32
	PresencePenalty     float32
	MaxCompletionTokens int
}

// ClientOpts configures a Client.
type ClientOpts struct {
	APIKey     string
	BaseURL    string
	Sampling   Sampling
	HTTPClient *http.Client
}

// Client wraps the OpenAI API.
type Client struct {
	api      *openai.Client
	sampling Sampling
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	return &Client{api: openai.NewClientWithConfig(cfg), sampling: opts.Sampling}, nil
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SafeName rewrites a speaker identity into the character set the API
// accepts for message names.
func SafeName(name string) string {
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_")
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func toAPIMessages(turns []dataset.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		m := openai.ChatCompletionMessage{Role: string(t.Role), Content: t.Content}
		if t.Role != dataset.RoleSystem {
			m.Name = SafeName(t.Name)
		}
		out = append(out, m)
	}
	return out
}

// Complete asks the model for the next assistant turn after turns.
func (c *Client) Complete(ctx context.Context, turns []dataset.ChatMessage) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:               c.sampling.Model,
		Messages:            toAPIMessages(turns),
		Temperature:         c.sampling.Temperature,
		TopP:                c.sampling.TopP,
		FrequencyPenalty:    c.sampling.FrequencyPenalty,
		PresencePenalty:     c.sampling.PresencePenalty,
		MaxCompletionTokens: c.sampling.MaxCompletionTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: chat completion: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Verdict is the moderation result for one input.
type Verdict struct {
	Flagged    bool
	Categories []string
}

// Moderate classifies input with the moderation endpoint.
func (c *Client) Moderate(ctx context.Context, input string) (Verdict, error) {
	resp, err := c.api.Moderations(ctx, openai.ModerationRequest{Input: input})
	if err != nil {
		return Verdict{}, fmt.Errorf("llm: moderation: %w", err)
	}
	var v Verdict
	for _, r := range resp.Results {
		if r.Flagged {
			v.Flagged = true
		}
		v.Categories = append(v.Categories, categories(r.Categories)...)
	}
	return v, nil
}

func categories(rc openai.ResultCategories) []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(rc.Harassment, "harassment")
	add(rc.HarassmentThreatening, "harassment/threatening")
	add(rc.Hate, "hate")
	add(rc.HateThreatening, "hate/threatening")
	add(rc.SelfHarm, "self-harm")
	add(rc.SelfHarmIntent, "self-harm/intent")
	add(rc.SelfHarmInstructions, "self-harm/instructions")
	add(rc.Sexual, "sexual")
	add(rc.SexualMinors, "sexual/minors")
	add(rc.Violence, "violence")
	add(rc.ViolenceGraphic, "violence/graphic")
	return out
}

// Job is a fine-tuning job as reported by the provider.
type Job struct {
	ID             string
	Status         string
	Model          string
	FineTunedModel string
	TrainingFile   string
	TrainedTokens  int
	CreatedAt      time.Time
	FinishedAt     *time.Time
}

// Terminal reports whether the job will not change status again.
func (j Job) Terminal() bool {
	switch j.Status {
	case "succeeded", "failed", "cancelled":
		return true
	}
	return false
}

func fromAPIJob(j openai.FineTuningJob) Job {
	out := Job{
		ID:             j.ID,
		Status:         j.Status,
		Model:          j.Model,
		FineTunedModel: j.FineTunedModel,
		TrainingFile:   j.TrainingFile,
		TrainedTokens:  j.TrainedTokens,
		CreatedAt:      time.Unix(j.CreatedAt, 0),
	}
	if j.FinishedAt > 0 {
		t := time.Unix(j.FinishedAt, 0)
		out.FinishedAt = &t
	}
	return out
}

// UploadTrainingFile uploads a JSONL dataset for fine-tuning and returns
// the file id.
func (c *Client) UploadTrainingFile(ctx context.Context, path string) (string, error) {
	f, err := c.api.CreateFile(ctx, openai.FileRequest{
		FileName: filepath.Base(path),
		FilePath: path,
		Purpose:  "fine-tune",
	})
	if err != nil {
		return "", fmt.Errorf("llm: upload %s: %w", path, err)
	}
	return f.ID, nil
}

// CreateFineTune starts a fine-tuning job.
func (c *Client) CreateFineTune(ctx context.Context, fileID, model, suffix string) (Job, error) {
	j, err := c.api.CreateFineTuningJob(ctx, openai.FineTuningJobRequest{
		TrainingFile: fileID,
		Model:        model,
		Suffix:       suffix,
	})
	if err != nil {
		return Job{}, fmt.Errorf("llm: create fine-tune: %w", err)
	}
	return fromAPIJob(j), nil
}

// FineTune retrieves a fine-tuning job.
func (c *Client) FineTune(ctx context.Context, id string) (Job, error) {
	j, err := c.api.RetrieveFineTuningJob(ctx, id)
	if err != nil {
		return Job{}, fmt.Errorf("llm: retrieve fine-tune %s: %w", id, err)
	}
	return fromAPIJob(j), nil
}
