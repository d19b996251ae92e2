// Package training uploads datasets for fine-tuning and follows the
// resulting jobs, recording them in the database.
package training

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/zulandar/mimic/internal/llm"
	"github.com/zulandar/mimic/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FineTuner is the provider side of fine-tuning.
type FineTuner interface {
	UploadTrainingFile(ctx context.Context, path string) (string, error)
	CreateFineTune(ctx context.Context, fileID, model, suffix string) (llm.Job, error)
	FineTune(ctx context.Context, id string) (llm.Job, error)
}

// TrainerOpts configures a Trainer.
type TrainerOpts struct {
	FineTuner    FineTuner
	DB           *gorm.DB // optional; jobs are not recorded without it
	Out          io.Writer
	PollInterval time.Duration
}

// Trainer drives fine-tuning jobs.
type Trainer struct {
	ft       FineTuner
	db       *gorm.DB
	out      io.Writer
	interval time.Duration
}

// NewTrainer creates a Trainer.
func NewTrainer(opts TrainerOpts) (*Trainer, error) {
	if opts.FineTuner == nil {
		return nil, fmt.Errorf("training: fine-tuner is required")
	}
	t := &Trainer{ft: opts.FineTuner, db: opts.DB, out: opts.Out, interval: opts.PollInterval}
	if t.out == nil {
		t.out = io.Discard
	}
	if t.interval <= 0 {
		t.interval = 15 * time.Second
	}
	return t, nil
}

// Start uploads the dataset at path and creates a fine-tuning job on
// model. runID links the job to a stored build run and may be empty.
func (t *Trainer) Start(ctx context.Context, path, model, suffix, runID string) (llm.Job, error) {
	fmt.Fprintf(t.out, "Uploading training file: %s\n", path)
	fileID, err := t.ft.UploadTrainingFile(ctx, path)
	if err != nil {
		return llm.Job{}, err
	}
	fmt.Fprintf(t.out, "File uploaded: %s\n", fileID)

	job, err := t.ft.CreateFineTune(ctx, fileID, model, suffix)
	if err != nil {
		return llm.Job{}, err
	}
	if job.TrainingFile == "" {
		job.TrainingFile = fileID
	}
	fmt.Fprintf(t.out, "Fine-tuning job created: %s\n", job.ID)

	if err := t.record(job, model, suffix, runID); err != nil {
		return job, err
	}
	return job, nil
}

// Status fetches the current state of a job and records it.
func (t *Trainer) Status(ctx context.Context, id string) (llm.Job, error) {
	job, err := t.ft.FineTune(ctx, id)
	if err != nil {
		return llm.Job{}, err
	}
	if err := t.record(job, "", "", ""); err != nil {
		return job, err
	}
	return job, nil
}

// Wait polls a job until it reaches a terminal status. onStatus, if set,
// is called after every poll. A failed or cancelled job is an error.
func (t *Trainer) Wait(ctx context.Context, id string, onStatus func(llm.Job)) (llm.Job, error) {
	for {
		job, err := t.Status(ctx, id)
		if err != nil {
			return llm.Job{}, err
		}
		if onStatus != nil {
			onStatus(job)
		}
		switch job.Status {
		case "succeeded":
			return job, nil
		case "failed", "cancelled":
			return job, fmt.Errorf("training: job %s %s", id, job.Status)
		}

		select {
		case <-ctx.Done():
			return job, fmt.Errorf("training: wait for %s: %w", id, ctx.Err())
		case <-time.After(t.interval):
		}
	}
}

// List returns recorded jobs, newest first.
func (t *Trainer) List() ([]models.FineTuneJob, error) {
	if t.db == nil {
		return nil, fmt.Errorf("training: db is required to list jobs")
	}
	return ListJobs(t.db, 0)
}

// ListJobs returns up to limit recorded jobs, newest first. A
// non-positive limit returns all of them.
func ListJobs(db *gorm.DB, limit int) ([]models.FineTuneJob, error) {
	var jobs []models.FineTuneJob
	q := db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("training: list jobs: %w", err)
	}
	return jobs, nil
}

// record upserts the job row. Empty model, suffix and run id keep the
// stored values.
func (t *Trainer) record(job llm.Job, model, suffix, runID string) error {
	if t.db == nil {
		return nil
	}
	row := models.FineTuneJob{
		ID:             job.ID,
		RunID:          runID,
		FileID:         job.TrainingFile,
		BaseModel:      model,
		Suffix:         suffix,
		Status:         job.Status,
		FineTunedModel: job.FineTunedModel,
		TrainedTokens:  job.TrainedTokens,
		FinishedAt:     job.FinishedAt,
	}
	if row.BaseModel == "" {
		row.BaseModel = job.Model
	}
	if !job.CreatedAt.IsZero() {
		row.CreatedAt = job.CreatedAt
	}

	update := []string{"status", "fine_tuned_model", "trained_tokens", "finished_at", "updated_at"}
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(update),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("training: record job %s: %w", job.ID, err)
	}
	return nil
}
