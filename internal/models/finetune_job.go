package models

import "time"

// FineTuneJob tracks a fine-tuning job submitted to the model provider.
type FineTuneJob struct {
	ID             string `gorm:"primaryKey;size:64"`
	RunID          string `gorm:"size:36;index"`
	FileID         string `gorm:"size:64;not null"`
	BaseModel      string `gorm:"size:64;not null"`
	Suffix         string `gorm:"size:64"`
	Status         string `gorm:"size:32;default:pending;index"`
	FineTunedModel string `gorm:"size:128"`
	TrainedTokens  int
	ErrorMessage   string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}
