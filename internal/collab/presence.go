package collab

import (
	"encoding/json"
	"time"

	"collab-engine/internal/models"

	"github.com/sirupsen/logrus"
)

// PresenceTracker maintains ephemeral per-user cursor and selection
// state. Updates are last-write-wins per user and broadcast to every
// other connection in the session; the sender is never echoed.
type PresenceTracker struct {
	registry *Registry
	store    *Store
	log      *logrus.Entry
}

func NewPresenceTracker(registry *Registry, store *Store) *PresenceTracker {
	return &PresenceTracker{
		registry: registry,
		store:    store,
		log:      logrus.WithField("component", "presence"),
	}
}

// UpdateCursor overwrites the caller's cursor entry and broadcasts the
// new position to the rest of the session.
func (t *PresenceTracker) UpdateCursor(connID, fileID string, line, column int) error {
	c, ok := t.registry.Get(connID)
	if !ok {
		return &SendError{ConnID: connID, Reason: "unknown connection"}
	}

	e, ok := t.store.get(c.SessionID)
	if !ok {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.data.Participant(c.UserID) == nil {
		return ErrAccessDenied
	}

	pos := &models.CursorPosition{
		UserID:    c.UserID,
		FileID:    fileID,
		Line:      line,
		Column:    column,
		UpdatedAt: time.Now(),
	}
	e.data.Cursors[c.UserID] = pos

	return t.enqueueLocked(e, models.MessageCursorMove, c.SessionID, c.UserID, pos)
}

// UpdateSelection overwrites the caller's selection range and broadcasts
// it to the rest of the session.
func (t *PresenceTracker) UpdateSelection(connID, fileID string, startLine, startCol, endLine, endCol int) error {
	c, ok := t.registry.Get(connID)
	if !ok {
		return &SendError{ConnID: connID, Reason: "unknown connection"}
	}

	e, ok := t.store.get(c.SessionID)
	if !ok {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.data.Participant(c.UserID) == nil {
		return ErrAccessDenied
	}

	sel := &models.SelectionRange{
		UserID:      c.UserID,
		FileID:      fileID,
		StartLine:   startLine,
		StartColumn: startCol,
		EndLine:     endLine,
		EndColumn:   endCol,
		UpdatedAt:   time.Now(),
	}
	e.data.Selections[c.UserID] = sel

	return t.enqueueLocked(e, models.MessageSelectionChange, c.SessionID, c.UserID, sel)
}

// RemoveUser drops the user's cursor and selection entries. Called on
// disconnect; removal is unconditional even when the user has other tabs
// open, since a stale cursor beats a dangling entry no connection can
// update.
func (t *PresenceTracker) RemoveUser(sessionID, userID string) {
	e, ok := t.store.get(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()
	delete(e.data.Cursors, userID)
	delete(e.data.Selections, userID)
	e.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    userID,
	}).Debug("presence cleared")
}

// enqueueLocked builds and queues a presence event. Caller holds e.mu.
func (t *PresenceTracker) enqueueLocked(e *sessionEntry, msgType models.MessageType, sessionID, userID string, payload interface{}) error {
	env, err := models.NewEnvelope(msgType, sessionID, userID, payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	e.enqueue(frame, userID)
	return nil
}
