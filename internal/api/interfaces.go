package api

import (
	"context"

	"collab-engine/internal/auth"
	"collab-engine/internal/collab"
	"collab-engine/internal/models"
)

// CollabService declares what the HTTP handlers need from the session
// lifecycle API. The interface lives with its consumer.
type CollabService interface {
	CreateSession(ctx context.Context, projectID, documentID, userID, displayName string) (*models.Session, error)
	JoinSession(ctx context.Context, sessionID, userID, displayName string, role models.Role) (*collab.JoinResult, error)
	LeaveSession(ctx context.Context, sessionID, userID string)
	GetSession(ctx context.Context, sessionID, requestingUserID string) (*models.Session, error)
	ListUserSessions(ctx context.Context, userID string) []*models.Session
	GetChatHistory(ctx context.Context, sessionID, requestingUserID string, limit int) ([]*models.ChatMessage, error)
	PostChatMessage(ctx context.Context, sessionID, userID, content string, msgType models.ChatMessageType, mentions []string) (*models.ChatMessage, error)
}

// TokenVerifier authenticates the HTTP entry points.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}
