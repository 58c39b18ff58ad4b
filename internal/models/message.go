package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType tags every wire envelope. Payload shapes are fixed per
// type and decoded at the boundary before reaching the core.
type MessageType string

const (
	// Consumed and re-emitted by the core.
	MessageCursorMove      MessageType = "cursor_move"
	MessageTextChange      MessageType = "text_change"
	MessageSelectionChange MessageType = "selection_change"
	MessageFileOpen        MessageType = "file_open"
	MessageFileClose       MessageType = "file_close"
	MessageChat            MessageType = "chat_message"
	MessagePing            MessageType = "ping"
	MessageSyncRequest     MessageType = "sync_request"

	// Emitted only.
	MessagePong         MessageType = "pong"
	MessageUserJoin     MessageType = "user_join"
	MessageUserLeave    MessageType = "user_leave"
	MessageError        MessageType = "error"
	MessageSyncResponse MessageType = "sync_response"
)

// Envelope is the wire frame shared by every message in both directions.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"user_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// NewEnvelope builds an outbound envelope, marshaling payload in place.
func NewEnvelope(msgType MessageType, sessionID, userID string, payload interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = b
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now(),
		UserID:    userID,
		SessionID: sessionID,
	}, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Inbound payload shapes.

type CursorMovePayload struct {
	FileID string `json:"file_id"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

type TextChangePayload struct {
	Type     OperationType `json:"type"`
	Position int           `json:"position"`
	Content  string        `json:"content,omitempty"`
	Length   int           `json:"length,omitempty"`
}

type SelectionChangePayload struct {
	FileID      string `json:"file_id"`
	StartLine   int    `json:"start_line"`
	StartColumn int    `json:"start_column"`
	EndLine     int    `json:"end_line"`
	EndColumn   int    `json:"end_column"`
}

type FilePayload struct {
	FileID string `json:"file_id"`
}

type ChatPayload struct {
	Content  string          `json:"content"`
	Type     ChatMessageType `json:"type,omitempty"`
	Mentions []string        `json:"mentions,omitempty"`
}

type SyncRequestPayload struct {
	SinceSequence int `json:"since_sequence"`
}

// Outbound payload shapes.

// UserJoinPayload carries the joining participant plus a full presence
// snapshot, so a fresh client can render existing state immediately.
type UserJoinPayload struct {
	Participant  *Participant               `json:"participant"`
	Participants []*Participant             `json:"participants"`
	Cursors      map[string]*CursorPosition `json:"cursors"`
	Selections   map[string]*SelectionRange `json:"selections"`
}

type UserLeavePayload struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SyncResponsePayload struct {
	Operations   []*Operation   `json:"operations"`
	ChatLog      []*ChatMessage `json:"chat_log"`
	Participants []*Participant `json:"participants"`
}
