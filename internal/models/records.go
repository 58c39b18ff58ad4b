package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Project is the minimal projection of the external project store the
// engine needs: session creation only checks that the row exists.
type Project struct {
	ID        string    `json:"id" gorm:"type:varchar(64);primaryKey"`
	Name      string    `json:"name" gorm:"type:text"`
	OwnerID   string    `json:"owner_id" gorm:"type:varchar(64);index"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (Project) TableName() string { return "projects" }

// OperationRecord is the persisted mirror of an in-memory Operation.
// Rows are written best-effort after broadcast; the live log stays
// authoritative for ordering.
type OperationRecord struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	SessionID string    `json:"session_id" gorm:"type:char(27);not null;index:idx_session_seq"`
	Type      string    `json:"type" gorm:"type:varchar(16);not null"`
	Position  int       `json:"position" gorm:"not null"`
	Content   string    `json:"content" gorm:"type:text"`
	Length    int       `json:"length"`
	UserID    string    `json:"user_id" gorm:"type:varchar(64);not null"`
	Sequence  int       `json:"sequence" gorm:"not null;index:idx_session_seq"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (OperationRecord) TableName() string { return "operation_records" }

func (r *OperationRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = ksuid.New().String()
	}
	return nil
}

// ChatMessageRecord is the persisted mirror of a ChatMessage.
type ChatMessageRecord struct {
	ID        string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	SessionID string    `json:"session_id" gorm:"type:char(27);not null;index"`
	UserID    string    `json:"user_id" gorm:"type:varchar(64);not null"`
	UserName  string    `json:"user_name" gorm:"type:text"`
	Content   string    `json:"content" gorm:"type:text;not null"`
	Type      string    `json:"type" gorm:"type:varchar(16);not null;default:'text'"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (ChatMessageRecord) TableName() string { return "chat_message_records" }

// RecordFromOperation converts a live operation for persistence.
func RecordFromOperation(sessionID string, op *Operation) *OperationRecord {
	return &OperationRecord{
		ID:        op.ID,
		SessionID: sessionID,
		Type:      string(op.Type),
		Position:  op.Position,
		Content:   op.Content,
		Length:    op.Length,
		UserID:    op.UserID,
		Sequence:  op.Sequence,
	}
}

// RecordFromChatMessage converts a live chat message for persistence.
func RecordFromChatMessage(msg *ChatMessage) *ChatMessageRecord {
	return &ChatMessageRecord{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
		UserName:  msg.UserName,
		Content:   msg.Content,
		Type:      string(msg.Type),
	}
}
