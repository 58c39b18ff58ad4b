package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"collab-engine/internal/middleware"
	"collab-engine/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// HistoryStore persists edit and chat history outside process lifetime.
// Writes are best effort; the in-memory log stays authoritative.
type HistoryStore interface {
	SaveOperation(ctx context.Context, rec *models.OperationRecord) error
	SaveChatMessage(ctx context.Context, rec *models.ChatMessageRecord) error
}

// OpSubmission is the caller-supplied part of an edit operation.
type OpSubmission struct {
	Type     models.OperationType
	Position int
	Content  string
	Length   int
}

// OpLog appends edit operations to session logs and rebroadcasts them.
// Append order is the single source of truth for ordering: no operation
// is ever reordered, removed, or transformed against concurrent edits.
type OpLog struct {
	store   *Store
	history HistoryStore
	log     *logrus.Entry
}

func NewOpLog(store *Store, history HistoryStore) *OpLog {
	return &OpLog{
		store:   store,
		history: history,
		log:     logrus.WithField("component", "oplog"),
	}
}

// SubmitOperation validates, appends, and broadcasts one edit operation.
// A rejected operation leaves the log unchanged. Partial broadcast
// failure never fails the submit; reconnecting clients request a resync
// instead of relying on redelivery.
func (l *OpLog) SubmitOperation(ctx context.Context, sessionID, userID string, sub OpSubmission) (*models.Operation, error) {
	ctx, span := middleware.StartSpan(ctx, "OpLog.SubmitOperation",
		attribute.String("session.id", sessionID),
		attribute.String("user.id", userID),
		attribute.String("op.type", string(sub.Type)),
	)
	defer span.End()

	if err := validateSubmission(sub); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	e, ok := l.store.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	p := e.data.Participant(userID)
	if p == nil {
		e.mu.Unlock()
		return nil, ErrAccessDenied
	}
	if p.Role == models.RoleViewer {
		e.mu.Unlock()
		return nil, ErrForbidden
	}

	op := models.NewOperation(sub.Type, userID, sub.Position, sub.Content, sub.Length)
	op.Sequence = len(e.data.Operations)
	e.data.Operations = append(e.data.Operations, op)
	e.data.UpdatedAt = time.Now()

	// Enqueueing on the session dispatch queue is the broadcast attempt;
	// the flag is set under the same lock that fixed the append order.
	frame, err := l.encodeTextChange(sessionID, op)
	if err == nil {
		e.enqueue(frame, userID)
	} else {
		l.log.WithError(err).Error("encode text_change")
	}
	op.Applied = true

	result := *op
	e.mu.Unlock()

	span.SetAttributes(attribute.Int("op.sequence", result.Sequence))

	if l.history != nil {
		go l.persist(sessionID, &result)
	}
	return &result, nil
}

func validateSubmission(sub OpSubmission) error {
	if !models.ValidType(sub.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, sub.Type)
	}
	if sub.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, sub.Position)
	}
	switch sub.Type {
	case models.OpInsert:
		if sub.Content == "" {
			return fmt.Errorf("%w: insert without content", ErrInvalidOperation)
		}
	case models.OpDelete, models.OpRetain:
		if sub.Length <= 0 {
			return fmt.Errorf("%w: %s without length", ErrInvalidOperation, sub.Type)
		}
	}
	return nil
}

func (l *OpLog) encodeTextChange(sessionID string, op *models.Operation) ([]byte, error) {
	broadcast := *op
	broadcast.Applied = true
	env, err := models.NewEnvelope(models.MessageTextChange, sessionID, op.UserID, &broadcast)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// persist writes the record off the hot path. Failures are logged only.
func (l *OpLog) persist(sessionID string, op *models.Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.history.SaveOperation(ctx, models.RecordFromOperation(sessionID, op)); err != nil {
		l.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"op_id":      op.ID,
		}).WithError(err).Warn("operation persistence failed")
	}
}
