// Package runs persists pipeline executions and the examples they selected.
package runs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/zulandar/mimic/internal/dataset"
	"github.com/zulandar/mimic/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is wrapped by lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Record describes a finished pipeline run.
type Record struct {
	Source            string
	Target            string
	Policy            string
	MinAssistantRatio float64
	Messages          int
	Groups            int
	Contexts          int
	Accepted          int
	Rejected          map[string]int
	Examples          []dataset.TrainingData
}

// Save stores rec and its examples in one transaction and returns the new
// run.
func Save(db *gorm.DB, rec Record) (*models.BuildRun, error) {
	if db == nil {
		return nil, fmt.Errorf("runs: db is required")
	}
	rejected, err := json.Marshal(rec.Rejected)
	if err != nil {
		return nil, fmt.Errorf("runs: marshal rejections: %w", err)
	}

	run := &models.BuildRun{
		ID:                uuid.NewString(),
		Source:            rec.Source,
		Target:            rec.Target,
		Policy:            rec.Policy,
		MinAssistantRatio: rec.MinAssistantRatio,
		Messages:          rec.Messages,
		Groups:            rec.Groups,
		Contexts:          rec.Contexts,
		Accepted:          rec.Accepted,
		Examples:          len(rec.Examples),
		Rejected:          string(rejected),
	}

	items := make([]models.Example, 0, len(rec.Examples))
	for i, td := range rec.Examples {
		payload, err := json.Marshal(td)
		if err != nil {
			return nil, fmt.Errorf("runs: marshal example %d: %w", i, err)
		}
		items = append(items, models.Example{
			RunID:          run.ID,
			Position:       i,
			Turns:          len(td.Turns),
			AssistantTurns: td.AssistantTurns(),
			Chars:          td.Chars(),
			Payload:        string(payload),
		})
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if len(items) > 0 {
			if err := tx.CreateInBatches(items, 200).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("runs: save: %w", err)
	}
	return run, nil
}

// List returns the most recent runs first.
func List(db *gorm.DB, limit int) ([]models.BuildRun, error) {
	var out []models.BuildRun
	q := db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("runs: list: %w", err)
	}
	return out, nil
}

// Get returns a run by id.
func Get(db *gorm.DB, id string) (*models.BuildRun, error) {
	var run models.BuildRun
	if err := db.First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("runs: run %q %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("runs: get %s: %w", id, err)
	}
	return &run, nil
}

// Examples returns the stored examples of a run in position order.
func Examples(db *gorm.DB, runID string) ([]models.Example, error) {
	var out []models.Example
	if err := db.Where("run_id = ?", runID).Order("position ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("runs: examples of %s: %w", runID, err)
	}
	return out, nil
}

// Dataset decodes the examples of a run. Flagged examples are skipped
// unless includeFlagged is set.
func Dataset(db *gorm.DB, runID string, includeFlagged bool) ([]dataset.TrainingData, error) {
	rows, err := Examples(db, runID)
	if err != nil {
		return nil, err
	}
	out := make([]dataset.TrainingData, 0, len(rows))
	for _, row := range rows {
		if row.Flagged && !includeFlagged {
			continue
		}
		var td dataset.TrainingData
		if err := json.Unmarshal([]byte(row.Payload), &td); err != nil {
			return nil, fmt.Errorf("runs: decode example %d of %s: %w", row.Position, runID, err)
		}
		out = append(out, td)
	}
	return out, nil
}

// Flag marks the example at position as flagged by moderation.
func Flag(db *gorm.DB, runID string, position int, categories []string) error {
	res := db.Model(&models.Example{}).
		Where("run_id = ? AND position = ?", runID, position).
		Updates(map[string]interface{}{
			"flagged":    true,
			"categories": strings.Join(categories, ","),
		})
	if res.Error != nil {
		return fmt.Errorf("runs: flag %s/%d: %w", runID, position, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("runs: example %s/%d %w", runID, position, ErrNotFound)
	}
	return nil
}

// Rejections decodes the rejection counts stored on run.
func Rejections(run *models.BuildRun) (map[string]int, error) {
	out := map[string]int{}
	if run.Rejected == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(run.Rejected), &out); err != nil {
		return nil, fmt.Errorf("runs: decode rejections of %s: %w", run.ID, err)
	}
	return out, nil
}
