package models

import "time"

// LiveSession is one open context of the live bot, from its first message
// until it is reset or times out.
type LiveSession struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Platform  string `gorm:"size:16;not null"`
	ChannelID string `gorm:"size:128;not null;index"`
	EndReason string `gorm:"size:16"` // gap, command, schedule, shutdown
	StartedAt time.Time
	EndedAt   *time.Time

	Turns []LiveTurn `gorm:"foreignKey:SessionID"`
}

// LiveTurn stores a single message seen or sent by the live bot.
type LiveTurn struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	SessionID     uint   `gorm:"not null;index"`
	Sequence      int    `gorm:"not null"`
	Role          string `gorm:"size:16;not null"` // "user", "assistant"
	UserName      string `gorm:"size:64"`
	Content       string `gorm:"type:mediumtext;not null"`
	PlatformMsgID string `gorm:"size:128"`
	CreatedAt     time.Time
}
