package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessageType enumerates chat payload kinds.
type ChatMessageType string

const (
	ChatText      ChatMessageType = "text"
	ChatSystem    ChatMessageType = "system"
	ChatCodeShare ChatMessageType = "code-share"
)

// ChatMessage is one entry in a session's append-only chat log.
type ChatMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	UserName  string          `json:"user_name"`
	Content   string          `json:"content"`
	Type      ChatMessageType `json:"type"`
	Mentions  []string        `json:"mentions,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewChatMessage(sessionID, userID, userName, content string, msgType ChatMessageType, mentions []string) *ChatMessage {
	if msgType == "" {
		msgType = ChatText
	}
	return &ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		UserName:  userName,
		Content:   content,
		Type:      msgType,
		Mentions:  mentions,
		Timestamp: time.Now(),
	}
}
