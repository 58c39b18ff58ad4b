package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"collab-engine/internal/models"

	"github.com/sirupsen/logrus"
)

// ProjectResolver is the external project store collaborator. The engine
// only needs existence checks.
type ProjectResolver interface {
	ResolveProject(ctx context.Context, projectID string) (bool, error)
}

// JoinResult tells the caller where to open a transport.
type JoinResult struct {
	SessionID   string              `json:"session_id"`
	Endpoint    string              `json:"endpoint"`
	Participant *models.Participant `json:"participant"`
}

// Service is the session lifecycle API: every mutation of the session
// store goes through here or through the trackers it owns.
type Service struct {
	store    *Store
	registry *Registry
	router   *Router
	presence *PresenceTracker
	oplog    *OpLog
	projects ProjectResolver
	history  HistoryStore
	log      *logrus.Entry
}

func NewService(store *Store, registry *Registry, router *Router, presence *PresenceTracker, oplog *OpLog, projects ProjectResolver, history HistoryStore) *Service {
	return &Service{
		store:    store,
		registry: registry,
		router:   router,
		presence: presence,
		oplog:    oplog,
		projects: projects,
		history:  history,
		log:      logrus.WithField("component", "lifecycle"),
	}
}

// Presence returns the tracker bound to this service's store.
func (s *Service) Presence() *PresenceTracker { return s.presence }

// OpLog returns the operation log bound to this service's store.
func (s *Service) OpLog() *OpLog { return s.oplog }

// Registry returns the connection registry.
func (s *Service) Registry() *Registry { return s.registry }

// CreateSession initializes a session with the initiator as sole owner
// participant.
func (s *Service) CreateSession(ctx context.Context, projectID, documentID, userID, displayName string) (*models.Session, error) {
	exists, err := s.projects.ResolveProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("resolve project %s: %w", projectID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProject, projectID)
	}

	sess := models.NewSession(projectID, documentID)
	now := time.Now()
	sess.Participants = append(sess.Participants, &models.Participant{
		UserID:      userID,
		DisplayName: displayName,
		Role:        models.RoleOwner,
		Color:       models.ParticipantColor(userID),
		JoinedAt:    now,
		LastSeen:    now,
		IsOnline:    true,
	})
	s.store.Add(sess)

	snap, _ := s.store.Snapshot(sess.ID)
	return snap, nil
}

// JoinSession adds the user as a collaborator, or marks an existing
// participant online again. Pass role viewer for read-only membership;
// an empty role means collaborator. The returned descriptor names the
// websocket endpoint the caller opens next.
func (s *Service) JoinSession(ctx context.Context, sessionID, userID, displayName string, role models.Role) (*JoinResult, error) {
	e, ok := s.store.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if role == "" {
		role = models.RoleCollaborator
	}

	e.mu.Lock()
	now := time.Now()
	p := e.data.Participant(userID)
	if p != nil {
		// Rejoin updates the existing entry, never duplicates it.
		p.IsOnline = true
		p.LastSeen = now
		if displayName != "" {
			p.DisplayName = displayName
		}
	} else {
		p = &models.Participant{
			UserID:      userID,
			DisplayName: displayName,
			Role:        role,
			Color:       models.ParticipantColor(userID),
			JoinedAt:    now,
			LastSeen:    now,
			IsOnline:    true,
		}
		e.data.Participants = append(e.data.Participants, p)
	}
	e.data.IsActive = true
	e.data.UpdatedAt = now
	result := *p
	e.mu.Unlock()

	return &JoinResult{
		SessionID:   sessionID,
		Endpoint:    fmt.Sprintf("/ws/sessions/%s", sessionID),
		Participant: &result,
	}, nil
}

// BindConnection attaches a live transport to a session: the connection
// is registered, the new client gets a user_join snapshot of current
// presence, and everyone else learns about the (re)join.
func (s *Service) BindConnection(ctx context.Context, c *Conn) error {
	e, ok := s.store.get(c.SessionID)
	if !ok {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	p := e.data.Participant(c.UserID)
	if p == nil {
		e.mu.Unlock()
		return ErrAccessDenied
	}
	firstConn := len(s.registry.FindActive(c.UserID, c.SessionID)) == 1
	now := time.Now()
	p.IsOnline = true
	p.LastSeen = now
	e.data.IsActive = true
	e.data.UpdatedAt = now

	snapshot := &models.UserJoinPayload{
		Participant:  cloneParticipant(p),
		Participants: cloneParticipants(e.data.Participants),
		Cursors:      cloneCursors(e.data.Cursors),
		Selections:   cloneSelections(e.data.Selections),
	}

	// Snapshot for the new client goes straight to its connection; the
	// join notification for everyone else rides the ordered queue. Only
	// the first tab announces, so multi-tab users join once.
	if frame, err := buildFrame(models.MessageUserJoin, c.SessionID, c.UserID, snapshot); err == nil {
		if firstConn {
			e.enqueue(frame, c.UserID)
		}
		if err := s.registry.Send(c.ID, frame); err != nil {
			s.log.WithField("conn_id", c.ID).WithError(err).Warn("snapshot push failed")
		}
	}

	// Replay the existing log so a late joiner reaches current document
	// state without asking for a resync first.
	for _, op := range e.data.Operations {
		cp := *op
		if frame, err := buildFrame(models.MessageTextChange, c.SessionID, op.UserID, &cp); err == nil {
			s.registry.Send(c.ID, frame)
		}
	}
	// Open the connection to fan-out only now: anything enqueued up to
	// this point is covered by the snapshot and the replay above, so a
	// queued operation can never reach this connection twice.
	c.admit(e.seq)
	e.mu.Unlock()

	if firstConn {
		s.appendSystemChat(c.SessionID, fmt.Sprintf("%s joined the session", displayNameOf(p)))
	}
	return nil
}

// LeaveSession marks the participant offline, tears down their
// connections, clears their presence, and tells the rest of the session.
// Leaving a session you are not in is a no-op, not an error.
func (s *Service) LeaveSession(ctx context.Context, sessionID, userID string) {
	e, ok := s.store.get(sessionID)
	if !ok {
		return
	}

	for _, c := range s.registry.FindActive(userID, sessionID) {
		if removed := s.registry.Unregister(c.ID); removed != nil && removed.ws != nil {
			removed.ws.Close()
		}
	}
	s.markUserOffline(e, sessionID, userID)
}

// rollbackJoin reverts the online marking from a join whose transport
// never materialized. No user_leave goes out because no user_join was
// ever announced; other live connections of the same user are untouched.
func (s *Service) rollbackJoin(sessionID, userID string) {
	if len(s.registry.FindActive(userID, sessionID)) > 0 {
		return
	}
	e, ok := s.store.get(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()
	if p := e.data.Participant(userID); p != nil && p.IsOnline {
		p.IsOnline = false
		p.LastSeen = time.Now()
		if e.data.OnlineCount() == 0 {
			e.data.IsActive = false
		}
	}
	e.mu.Unlock()
}

// HandleDisconnect processes a transport close for one connection. The
// user stays online while other tabs hold active connections to the same
// session; cursor and selection entries are dropped regardless.
func (s *Service) HandleDisconnect(c *Conn) {
	s.registry.Unregister(c.ID)
	s.presence.RemoveUser(c.SessionID, c.UserID)

	if len(s.registry.FindActive(c.UserID, c.SessionID)) > 0 {
		return
	}
	e, ok := s.store.get(c.SessionID)
	if !ok {
		return
	}
	s.markUserOffline(e, c.SessionID, c.UserID)
}

// markUserOffline is shared by explicit leave and disconnect detection.
// Safe to call repeatedly: an already-offline participant produces no
// second user_leave.
func (s *Service) markUserOffline(e *sessionEntry, sessionID, userID string) {
	e.mu.Lock()
	p := e.data.Participant(userID)
	if p == nil || !p.IsOnline {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	p.IsOnline = false
	p.LastSeen = now
	delete(e.data.Cursors, userID)
	delete(e.data.Selections, userID)
	e.data.UpdatedAt = now
	if e.data.OnlineCount() == 0 {
		e.data.IsActive = false
	}
	name := displayNameOf(p)

	if frame, err := buildFrame(models.MessageUserLeave, sessionID, userID, &models.UserLeavePayload{
		UserID:   userID,
		UserName: name,
	}); err == nil {
		e.enqueue(frame, userID)
	}
	e.mu.Unlock()

	s.appendSystemChat(sessionID, fmt.Sprintf("%s left the session", name))
	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    userID,
	}).Info("participant offline")
}

// GetSession returns a snapshot, restricted to current participants
// (online or offline).
func (s *Service) GetSession(ctx context.Context, sessionID, requestingUserID string) (*models.Session, error) {
	e, ok := s.store.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Participant(requestingUserID) == nil {
		return nil, ErrAccessDenied
	}
	return copySession(e.data), nil
}

// ListUserSessions returns snapshots of every session the user belongs to.
func (s *Service) ListUserSessions(ctx context.Context, userID string) []*models.Session {
	return s.store.ForUser(userID)
}

// GetChatHistory returns up to limit most recent chat messages, oldest
// first. Access follows the GetSession rule.
func (s *Service) GetChatHistory(ctx context.Context, sessionID, requestingUserID string, limit int) ([]*models.ChatMessage, error) {
	e, ok := s.store.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Participant(requestingUserID) == nil {
		return nil, ErrAccessDenied
	}

	chat := e.data.ChatLog
	if limit > 0 && len(chat) > limit {
		chat = chat[len(chat)-limit:]
	}
	out := make([]*models.ChatMessage, len(chat))
	for i, m := range chat {
		cm := *m
		out[i] = &cm
	}
	return out, nil
}

// PostChatMessage appends a chat message and broadcasts it to the rest
// of the session. Viewers may chat; only edit operations are restricted.
func (s *Service) PostChatMessage(ctx context.Context, sessionID, userID, content string, msgType models.ChatMessageType, mentions []string) (*models.ChatMessage, error) {
	e, ok := s.store.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	p := e.data.Participant(userID)
	if p == nil {
		e.mu.Unlock()
		return nil, ErrAccessDenied
	}
	msg := models.NewChatMessage(sessionID, userID, displayNameOf(p), content, msgType, mentions)
	e.data.ChatLog = append(e.data.ChatLog, msg)
	e.data.UpdatedAt = msg.Timestamp

	if frame, err := buildFrame(models.MessageChat, sessionID, userID, msg); err == nil {
		e.enqueue(frame, userID)
	}
	result := *msg
	e.mu.Unlock()

	if s.history != nil {
		go s.persistChat(&result)
	}
	return &result, nil
}

// BuildSyncResponse assembles the full-resync payload a reconnecting
// client asked for: operations from sinceSequence on, the chat tail, and
// the current roster.
func (s *Service) BuildSyncResponse(sessionID, requestingUserID string, sinceSequence int) (*models.SyncResponsePayload, error) {
	e, ok := s.store.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Participant(requestingUserID) == nil {
		return nil, ErrAccessDenied
	}

	if sinceSequence < 0 {
		sinceSequence = 0
	}
	ops := make([]*models.Operation, 0, len(e.data.Operations))
	for _, op := range e.data.Operations {
		if op.Sequence >= sinceSequence {
			cp := *op
			ops = append(ops, &cp)
		}
	}
	chat := make([]*models.ChatMessage, len(e.data.ChatLog))
	for i, m := range e.data.ChatLog {
		cm := *m
		chat[i] = &cm
	}
	return &models.SyncResponsePayload{
		Operations:   ops,
		ChatLog:      chat,
		Participants: cloneParticipants(e.data.Participants),
	}, nil
}

// appendSystemChat records a roster change in the chat log and
// broadcasts it to everyone.
func (s *Service) appendSystemChat(sessionID, content string) {
	e, ok := s.store.get(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()
	msg := models.NewChatMessage(sessionID, "", "system", content, models.ChatSystem, nil)
	e.data.ChatLog = append(e.data.ChatLog, msg)
	if frame, err := buildFrame(models.MessageChat, sessionID, "", msg); err == nil {
		e.enqueue(frame, "")
	}
	result := *msg
	e.mu.Unlock()

	if s.history != nil {
		go s.persistChat(&result)
	}
}

func (s *Service) persistChat(msg *models.ChatMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.SaveChatMessage(ctx, models.RecordFromChatMessage(msg)); err != nil {
		s.log.WithField("session_id", msg.SessionID).WithError(err).Warn("chat persistence failed")
	}
}

// Shutdown stops dispatch loops and closes all connections.
func (s *Service) Shutdown() {
	s.registry.Shutdown()
	s.store.Shutdown()
}

func buildFrame(msgType models.MessageType, sessionID, userID string, payload interface{}) ([]byte, error) {
	env, err := models.NewEnvelope(msgType, sessionID, userID, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func displayNameOf(p *models.Participant) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.UserID
}

func cloneParticipant(p *models.Participant) *models.Participant {
	cp := *p
	return &cp
}

func cloneParticipants(in []*models.Participant) []*models.Participant {
	out := make([]*models.Participant, len(in))
	for i, p := range in {
		out[i] = cloneParticipant(p)
	}
	return out
}

func cloneCursors(in map[string]*models.CursorPosition) map[string]*models.CursorPosition {
	out := make(map[string]*models.CursorPosition, len(in))
	for k, v := range in {
		cv := *v
		out[k] = &cv
	}
	return out
}

func cloneSelections(in map[string]*models.SelectionRange) map[string]*models.SelectionRange {
	out := make(map[string]*models.SelectionRange, len(in))
	for k, v := range in {
		cv := *v
		out[k] = &cv
	}
	return out
}
