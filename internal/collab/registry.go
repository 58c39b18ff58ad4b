package collab

import (
	"math"
	"sync"
	"time"

	"collab-engine/internal/models"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"
)

// Conn is one live transport connection, owned exclusively by the
// Registry. Outbound frames go through a buffered channel drained by the
// connection's write pump; Send never blocks on a slow consumer.
type Conn struct {
	ID        string
	UserID    string
	SessionID string
	Meta      models.ClientMeta

	ws   *websocket.Conn // nil for in-process test connections
	send chan []byte

	mu           sync.Mutex
	active       bool
	closed       bool
	lastActivity time.Time

	// Dispatch items at or below this session sequence are suppressed
	// for this connection: the bind snapshot and history replay already
	// cover them. MaxUint64 until the bind completes.
	fanoutAfter uint64
}

func newConn(userID, sessionID string, meta models.ClientMeta, ws *websocket.Conn, bufSize int) *Conn {
	return &Conn{
		ID:           ksuid.New().String(),
		UserID:       userID,
		SessionID:    sessionID,
		Meta:         meta,
		ws:           ws,
		send:         make(chan []byte, bufSize),
		active:       true,
		lastActivity: time.Now(),
		fanoutAfter:  math.MaxUint64,
	}
}

// Outbound exposes the frame channel to the write pump.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Touch records inbound activity.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Active reports whether the connection is still considered live.
func (c *Conn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// MarkInactive flags the connection for cleanup without closing it.
func (c *Conn) MarkInactive() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound frame.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// admit opens the connection to session fan-out for dispatch items
// after seq. Called once while the bind holds the session lock, so no
// item the replay covered can slip through.
func (c *Conn) admit(seq uint64) {
	c.mu.Lock()
	c.fanoutAfter = seq
	c.mu.Unlock()
}

// admitted reports whether the dispatch item at seq may be delivered.
func (c *Conn) admitted(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return seq > c.fanoutAfter
}

// enqueue pushes a frame onto the send buffer. A full buffer means the
// consumer is slow or dead; the connection is marked inactive and the
// caller gets a SendError.
func (c *Conn) enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.active {
		return &SendError{ConnID: c.ID, Reason: "connection closed"}
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.active = false
		return &SendError{ConnID: c.ID, Reason: "send buffer full"}
	}
}

// closeSend closes the outbound channel exactly once.
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.active = false
	close(c.send)
}

// Registry tracks one entry per live transport connection.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	bufSize int
	log     *logrus.Entry
	done    chan struct{}
}

func NewRegistry(sendBufSize int) *Registry {
	if sendBufSize <= 0 {
		sendBufSize = 256
	}
	return &Registry{
		conns:   make(map[string]*Conn),
		bufSize: sendBufSize,
		log:     logrus.WithField("component", "registry"),
		done:    make(chan struct{}),
	}
}

// Register creates a connection entry bound to a user and session.
func (r *Registry) Register(userID, sessionID string, meta models.ClientMeta, ws *websocket.Conn) *Conn {
	c := newConn(userID, sessionID, meta, ws, r.bufSize)

	r.mu.Lock()
	r.conns[c.ID] = c
	total := len(r.conns)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"conn_id":    c.ID,
		"user_id":    userID,
		"session_id": sessionID,
		"total":      total,
	}).Info("connection registered")
	return c
}

// Unregister removes a connection and closes its send channel. Returns
// the removed entry, or nil if the id was unknown.
func (r *Registry) Unregister(connID string) *Conn {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	c.closeSend()
	r.log.WithFields(logrus.Fields{
		"conn_id": connID,
		"total":   total,
	}).Info("connection unregistered")
	return c
}

// Get returns the connection with the given id.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// FindActive returns the user's live connections bound to a session.
func (r *Registry) FindActive(userID, sessionID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for _, c := range r.conns {
		if c.UserID == userID && c.SessionID == sessionID && c.Active() {
			out = append(out, c)
		}
	}
	return out
}

// SessionConns returns every active connection bound to a session.
func (r *Registry) SessionConns(sessionID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for _, c := range r.conns {
		if c.SessionID == sessionID && c.Active() {
			out = append(out, c)
		}
	}
	return out
}

// Send delivers a frame to one connection. A failed write never panics
// past this boundary: it is logged, the connection is marked inactive for
// later cleanup, and the error is returned for the caller to count.
func (r *Registry) Send(connID string, frame []byte) error {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return &SendError{ConnID: connID, Reason: "unknown connection"}
	}

	if err := c.enqueue(frame); err != nil {
		r.log.WithFields(logrus.Fields{
			"conn_id": connID,
			"user_id": c.UserID,
		}).WithError(err).Warn("frame dropped")
		return err
	}
	return nil
}

// StartSweeper evicts connections with no inbound activity past
// idleAfter. onEvict runs outside the registry lock so it may call back
// into Unregister and the lifecycle service.
func (r *Registry) StartSweeper(interval, idleAfter time.Duration, onEvict func(*Conn)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				for _, c := range r.stale(idleAfter) {
					r.log.WithField("conn_id", c.ID).Info("evicting idle connection")
					onEvict(c)
				}
			}
		}
	}()
}

func (r *Registry) stale(idleAfter time.Duration) []*Conn {
	cutoff := time.Now().Add(-idleAfter)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for _, c := range r.conns {
		if !c.Active() || c.LastActivity().Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// Shutdown stops the sweeper and closes every connection.
func (r *Registry) Shutdown() {
	close(r.done)

	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.closeSend()
		if c.ws != nil {
			c.ws.Close()
		}
	}
}
