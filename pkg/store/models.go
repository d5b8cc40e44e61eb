package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type SessionModel struct {
	ID         string    `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;index:idx_session_user_updated,priority:1"`
	AnchorType string    `gorm:"not null"`
	AnchorID   *string   `gorm:"index"`
	Title      string    `gorm:"not null"`
	TokenCount int       `gorm:"not null;default:0"`
	WordCount  int       `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null;index:idx_session_user_updated,priority:2,sort:desc"`
}

func (SessionModel) TableName() string {
	return "chat_sessions"
}

type MessageModel struct {
	ID         string         `gorm:"primaryKey"`
	Seq        int64          `gorm:"autoIncrement;not null;uniqueIndex"`
	SessionID  string         `gorm:"not null;index:idx_message_session_order,priority:1"`
	Sender     string         `gorm:"not null"`
	Content    string         `gorm:"type:text;not null"`
	TokenCount int            `gorm:"not null;default:0"`
	Meta       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null;index:idx_message_session_order,priority:2"`
}

func (MessageModel) TableName() string {
	return "chat_messages"
}
