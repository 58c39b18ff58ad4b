package collab

import (
	"sync"

	"collab-engine/internal/models"

	"github.com/sirupsen/logrus"
)

// dispatchItem is one session-scoped event waiting for fan-out. seq is
// the session's enqueue counter; connections use it to suppress items
// their bind replay already covered.
type dispatchItem struct {
	seq     uint64
	frame   []byte
	exclude string // userID to skip, "" for nobody
}

// sessionEntry pairs a session's data with the lock that serializes all
// mutation and the single-writer dispatch queue that preserves append
// order through fan-out. Events enqueued while holding mu are delivered
// in exactly that order.
type sessionEntry struct {
	mu   sync.Mutex
	data *models.Session

	seq      uint64 // last assigned dispatch sequence, guarded by mu
	dispatch chan dispatchItem
	done     chan struct{}
}

// deliverFunc fans one frame out to a session's connections. Wired to the
// Router at startup.
type deliverFunc func(sessionID string, frame []byte, excludeUserID string, seq uint64)

// Store is the authoritative owner of all session state. Sessions are
// independent: each has its own lock and dispatch loop, so edits in
// different sessions never contend.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	queueSize int
	deliver   deliverFunc
	log       *logrus.Entry
}

func NewStore(queueSize int) *Store {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Store{
		sessions:  make(map[string]*sessionEntry),
		queueSize: queueSize,
		log:       logrus.WithField("component", "session-store"),
	}
}

// SetDeliver wires the fan-out function. Must be called before any
// session is added.
func (st *Store) SetDeliver(fn deliverFunc) { st.deliver = fn }

// Add registers a new session and starts its dispatch loop.
func (st *Store) Add(sess *models.Session) {
	e := &sessionEntry{
		data:     sess,
		dispatch: make(chan dispatchItem, st.queueSize),
		done:     make(chan struct{}),
	}

	st.mu.Lock()
	st.sessions[sess.ID] = e
	st.mu.Unlock()

	go st.dispatchLoop(sess.ID, e)
	st.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"project_id": sess.ProjectID,
	}).Info("session created")
}

// dispatchLoop drains the session's event queue in order. One goroutine
// per session: delivery order equals enqueue order.
func (st *Store) dispatchLoop(sessionID string, e *sessionEntry) {
	for {
		select {
		case <-e.done:
			return
		case item := <-e.dispatch:
			if st.deliver != nil {
				st.deliver(sessionID, item.frame, item.exclude, item.seq)
			}
		}
	}
}

// get returns the live entry. Callers lock e.mu before touching e.data.
func (st *Store) get(sessionID string) (*sessionEntry, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.sessions[sessionID]
	return e, ok
}

// enqueue queues a frame for ordered fan-out. Call while holding e.mu so
// queue order matches mutation order.
func (e *sessionEntry) enqueue(frame []byte, excludeUserID string) {
	e.seq++
	select {
	case e.dispatch <- dispatchItem{seq: e.seq, frame: frame, exclude: excludeUserID}:
	case <-e.done:
	}
}

// Snapshot returns a deep copy of the session safe to hand to callers
// outside the store's locking discipline.
func (st *Store) Snapshot(sessionID string) (*models.Session, bool) {
	e, ok := st.get(sessionID)
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return copySession(e.data), true
}

// ForUser returns snapshots of every session the user participates in.
func (st *Store) ForUser(userID string) []*models.Session {
	st.mu.RLock()
	entries := make([]*sessionEntry, 0, len(st.sessions))
	for _, e := range st.sessions {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	var out []*models.Session
	for _, e := range entries {
		e.mu.Lock()
		if e.data.Participant(userID) != nil {
			out = append(out, copySession(e.data))
		}
		e.mu.Unlock()
	}
	return out
}

// Shutdown stops every dispatch loop.
func (st *Store) Shutdown() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, e := range st.sessions {
		close(e.done)
	}
}

func copySession(s *models.Session) *models.Session {
	out := &models.Session{
		ID:           s.ID,
		ProjectID:    s.ProjectID,
		DocumentID:   s.DocumentID,
		Participants: make([]*models.Participant, len(s.Participants)),
		Cursors:      make(map[string]*models.CursorPosition, len(s.Cursors)),
		Selections:   make(map[string]*models.SelectionRange, len(s.Selections)),
		Operations:   make([]*models.Operation, len(s.Operations)),
		ChatLog:      make([]*models.ChatMessage, len(s.ChatLog)),
		IsActive:     s.IsActive,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	for i, p := range s.Participants {
		cp := *p
		out.Participants[i] = &cp
	}
	for k, v := range s.Cursors {
		cv := *v
		out.Cursors[k] = &cv
	}
	for k, v := range s.Selections {
		cv := *v
		out.Selections[k] = &cv
	}
	for i, op := range s.Operations {
		cp := *op
		out.Operations[i] = &cp
	}
	for i, m := range s.ChatLog {
		cm := *m
		out.ChatLog[i] = &cm
	}
	return out
}
