package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"collab-engine/internal/models"

	"github.com/sirupsen/logrus"
)

// RelayPublisher pushes session frames to peer engine instances. Nil
// when the deployment runs a single instance.
type RelayPublisher interface {
	Publish(sessionID string, frame []byte, excludeUserID string) error
}

// Router fans a session-scoped event out to all participant connections.
// Delivery is best effort, at most once per live connection: one dead
// connection never prevents delivery to the rest and never fails the
// originating call.
type Router struct {
	registry *Registry
	store    *Store
	relay    RelayPublisher
	log      *logrus.Entry
}

func NewRouter(registry *Registry, store *Store) *Router {
	r := &Router{
		registry: registry,
		store:    store,
		log:      logrus.WithField("component", "broadcast-router"),
	}
	store.SetDeliver(r.deliver)
	return r
}

// SetRelay attaches the cross-instance relay. Call before serving.
func (r *Router) SetRelay(relay RelayPublisher) { r.relay = relay }

// Broadcast queues an event for ordered fan-out to every connection in
// the session except excludeUserID's. Returns ErrSessionNotFound for an
// unknown session; per-recipient failures are handled internally.
func (r *Router) Broadcast(sessionID string, env *models.Envelope, excludeUserID string) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", env.Type, err)
	}

	e, ok := r.store.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	e.mu.Lock()
	e.enqueue(frame, excludeUserID)
	e.mu.Unlock()
	return nil
}

// deliver runs on the session's dispatch goroutine. It is the only path
// that touches transports, so per-session frame order is preserved.
func (r *Router) deliver(sessionID string, frame []byte, excludeUserID string, seq uint64) {
	r.fanOut(sessionID, frame, excludeUserID, seq)

	if r.relay != nil {
		if err := r.relay.Publish(sessionID, frame, excludeUserID); err != nil {
			r.log.WithField("session_id", sessionID).WithError(err).Warn("relay publish failed")
		}
	}
}

// DeliverRemote fans out a frame received from a peer instance. It never
// re-publishes, so frames cannot loop between instances. Remote frames
// carry no local dispatch sequence; every bound connection receives them.
func (r *Router) DeliverRemote(sessionID string, frame []byte, excludeUserID string) {
	r.fanOut(sessionID, frame, excludeUserID, math.MaxUint64)
}

func (r *Router) fanOut(sessionID string, frame []byte, excludeUserID string, seq uint64) {
	delivered, failed := 0, 0
	for _, c := range r.registry.SessionConns(sessionID) {
		if excludeUserID != "" && c.UserID == excludeUserID {
			continue
		}
		// Skip connections whose bind already replayed this item, and
		// connections registered but not yet bound.
		if !c.admitted(seq) {
			continue
		}
		if err := r.registry.Send(c.ID, frame); err != nil {
			// Recovered locally: the connection is already marked
			// inactive and will be evicted by the sweeper.
			var sendErr *SendError
			if !errors.As(err, &sendErr) {
				r.log.WithError(err).Error("unexpected send failure")
			}
			failed++
			continue
		}
		delivered++
	}

	if failed > 0 {
		r.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"delivered":  delivered,
			"failed":     failed,
		}).Warn("partial broadcast delivery")
	}
}
