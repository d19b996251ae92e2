package models

import "time"

// BuildRun records one execution of the transcript-to-dataset pipeline.
type BuildRun struct {
	ID                string  `gorm:"primaryKey;size:36"`
	Source            string  `gorm:"size:512;not null"`
	Target            string  `gorm:"size:64;not null;index"`
	Policy            string  `gorm:"size:16;not null"` // ratio, alternate, all
	MinAssistantRatio float64 `gorm:"default:0"`
	Messages          int
	Groups            int
	Contexts          int
	Accepted          int
	Examples          int
	Rejected          string `gorm:"type:text"` // JSON object of reason -> count
	CreatedAt         time.Time

	Items []Example `gorm:"foreignKey:RunID"`
}

// Example is one selected training example of a BuildRun.
type Example struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	RunID          string `gorm:"size:36;not null;index:idx_run_position"`
	Position       int    `gorm:"not null;index:idx_run_position"`
	Turns          int    `gorm:"not null"`
	AssistantTurns int    `gorm:"not null"`
	Chars          int
	Payload        string `gorm:"type:mediumtext;not null"` // JSON encoded example
	Flagged        bool   `gorm:"default:false;index"`
	Categories     string `gorm:"size:255"` // comma separated moderation categories
	CreatedAt      time.Time
}
