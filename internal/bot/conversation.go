package bot

import (
	"fmt"
	"time"

	"github.com/zulandar/mimic/internal/models"
	"gorm.io/gorm"
)

// Reasons a live session ends.
const (
	EndGap      = "gap"
	EndCommand  = "command"
	EndSchedule = "schedule"
	EndShutdown = "shutdown"
)

// ConversationLog persists live contexts as sessions of turns.
type ConversationLog struct {
	db       *gorm.DB
	platform string
	channel  string
	session  *models.LiveSession
	seq      int
}

// NewConversationLog creates a ConversationLog for one channel.
func NewConversationLog(db *gorm.DB, platform, channelID string) (*ConversationLog, error) {
	if db == nil {
		return nil, fmt.Errorf("bot: conversation log: db is required")
	}
	return &ConversationLog{db: db, platform: platform, channel: channelID}, nil
}

// Begin ends the current session, if any, with reason and opens a new one.
func (l *ConversationLog) Begin(reason string, at time.Time) error {
	if err := l.End(reason, at); err != nil {
		return err
	}
	s := &models.LiveSession{
		Platform:  l.platform,
		ChannelID: l.channel,
		StartedAt: at,
	}
	if err := l.db.Create(s).Error; err != nil {
		return fmt.Errorf("bot: begin session: %w", err)
	}
	l.session = s
	l.seq = 0
	return nil
}

// Append records one turn in the current session. It is a no-op when no
// session is open.
func (l *ConversationLog) Append(role, userName, content, platformMsgID string, at time.Time) error {
	if l.session == nil {
		return nil
	}
	l.seq++
	turn := models.LiveTurn{
		SessionID:     l.session.ID,
		Sequence:      l.seq,
		Role:          role,
		UserName:      userName,
		Content:       content,
		PlatformMsgID: platformMsgID,
		CreatedAt:     at,
	}
	if err := l.db.Create(&turn).Error; err != nil {
		return fmt.Errorf("bot: append turn: %w", err)
	}
	return nil
}

// End closes the current session with reason.
func (l *ConversationLog) End(reason string, at time.Time) error {
	if l.session == nil {
		return nil
	}
	s := l.session
	l.session = nil
	err := l.db.Model(&models.LiveSession{}).Where("id = ?", s.ID).
		Updates(map[string]interface{}{"end_reason": reason, "ended_at": at}).Error
	if err != nil {
		return fmt.Errorf("bot: end session %d: %w", s.ID, err)
	}
	return nil
}

// SessionID returns the open session's ID, or 0.
func (l *ConversationLog) SessionID() uint {
	if l.session == nil {
		return 0
	}
	return l.session.ID
}

// Sessions returns the most recent sessions for the channel with their
// turns, newest first.
func Sessions(db *gorm.DB, channelID string, limit int) ([]models.LiveSession, error) {
	var sessions []models.LiveSession
	q := db.Where("channel_id = ?", channelID).Order("id DESC").
		Preload("Turns", func(tx *gorm.DB) *gorm.DB { return tx.Order("sequence") })
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("bot: list sessions: %w", err)
	}
	return sessions, nil
}
