package models

import (
	"hash/fnv"
	"time"

	"github.com/segmentio/ksuid"
)

// Role controls what a participant may do inside a session.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleCollaborator Role = "collaborator"
	RoleViewer       Role = "viewer" // read-only, may not submit operations
)

// Session is a live collaborative context bound to one project/document.
// The collab package serializes all mutation; everything here is plain data.
type Session struct {
	ID           string                     `json:"id"`
	ProjectID    string                     `json:"project_id"`
	DocumentID   string                     `json:"document_id,omitempty"`
	Participants []*Participant             `json:"participants"`
	Cursors      map[string]*CursorPosition `json:"cursors"`
	Selections   map[string]*SelectionRange `json:"selections"`
	Operations   []*Operation               `json:"operations"`
	ChatLog      []*ChatMessage             `json:"chat_log"`
	IsActive     bool                       `json:"is_active"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// Participant is a user's membership record within a session, distinct
// from their live connection(s). A user appears at most once per session.
type Participant struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	Color       string    `json:"color"`
	JoinedAt    time.Time `json:"joined_at"`
	LastSeen    time.Time `json:"last_seen"`
	IsOnline    bool      `json:"is_online"`
}

// CursorPosition is ephemeral presence data, overwritten on each update.
type CursorPosition struct {
	UserID    string    `json:"user_id"`
	FileID    string    `json:"file_id"`
	Line      int       `json:"line"`
	Column    int       `json:"column"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SelectionRange is an ephemeral line/column range selection.
type SelectionRange struct {
	UserID      string    `json:"user_id"`
	FileID      string    `json:"file_id"`
	StartLine   int       `json:"start_line"`
	StartColumn int       `json:"start_column"`
	EndLine     int       `json:"end_line"`
	EndColumn   int       `json:"end_column"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ClientMeta describes the connecting client (editor type, capabilities).
type ClientMeta struct {
	ClientType   string   `json:"client_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func NewSession(projectID, documentID string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		ProjectID:    projectID,
		DocumentID:   documentID,
		Participants: make([]*Participant, 0, 4),
		Cursors:      make(map[string]*CursorPosition),
		Selections:   make(map[string]*SelectionRange),
		Operations:   make([]*Operation, 0, 64),
		ChatLog:      make([]*ChatMessage, 0, 32),
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// participantPalette is the fixed set of cursor colors assigned to
// participants. Assignment hashes the user id, so a user keeps the same
// color across rejoins.
var participantPalette = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd",
	"#e5c07b", "#56b6c2", "#d19a66", "#be5046",
}

// ParticipantColor returns the palette color for a user id.
func ParticipantColor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return participantPalette[h.Sum32()%uint32(len(participantPalette))]
}

// Participant returns the membership entry for userID, or nil.
func (s *Session) Participant(userID string) *Participant {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// OnlineCount returns the number of participants currently online.
func (s *Session) OnlineCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.IsOnline {
			n++
		}
	}
	return n
}
