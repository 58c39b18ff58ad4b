package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// OperationType enumerates the edit operation kinds.
type OperationType string

const (
	OpInsert OperationType = "insert"
	OpDelete OperationType = "delete"
	OpRetain OperationType = "retain"
)

// Operation is one entry in a session's edit log. Operations are
// append-only and immutable once created; Sequence is the append index
// and is the single source of truth for ordering. Applied is set once
// broadcast has been attempted.
type Operation struct {
	ID        string        `json:"id"`
	Type      OperationType `json:"type"`
	Position  int           `json:"position"`
	Content   string        `json:"content,omitempty"`
	Length    int           `json:"length,omitempty"`
	UserID    string        `json:"user_id"`
	Sequence  int           `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
	Applied   bool          `json:"applied"`
}

func NewOperation(opType OperationType, userID string, position int, content string, length int) *Operation {
	return &Operation{
		ID:        ksuid.New().String(),
		Type:      opType,
		Position:  position,
		Content:   content,
		Length:    length,
		UserID:    userID,
		Timestamp: time.Now(),
	}
}

// ValidType reports whether t is one of the known operation types.
func ValidType(t OperationType) bool {
	switch t {
	case OpInsert, OpDelete, OpRetain:
		return true
	}
	return false
}
