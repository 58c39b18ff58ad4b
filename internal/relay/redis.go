package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"
)

const channel = "collab:broadcast"

// publishTimeout bounds each publish. Publish runs on a session's
// dispatch goroutine, so a degraded Redis must not stall local fan-out.
const publishTimeout = 2 * time.Second

// LocalSink delivers a remote frame to this instance's connections.
type LocalSink interface {
	DeliverRemote(sessionID string, frame []byte, excludeUserID string)
}

// message is the cross-instance wire format. Instance tags let each
// subscriber drop its own publishes.
type message struct {
	Instance  string `json:"instance"`
	SessionID string `json:"session_id"`
	Exclude   string `json:"exclude,omitempty"`
	Frame     []byte `json:"frame"`
}

// Relay bridges session broadcasts between engine instances over Redis
// pub/sub, so participants of one session may be connected to different
// servers. Delivery inherits the router's best-effort semantics.
type Relay struct {
	client     *redis.Client
	pubsub     *redis.PubSub
	sink       LocalSink
	instanceID string
	log        *logrus.Entry
	cancel     context.CancelFunc
}

func New(addr, password string, sink LocalSink) *Relay {
	return &Relay{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		sink:       sink,
		instanceID: ksuid.New().String(),
		log:        logrus.WithField("component", "relay"),
	}
}

// Start connects, subscribes, and begins forwarding remote frames into
// the local router.
func (r *Relay) Start(ctx context.Context) error {
	if _, err := r.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.pubsub = r.client.Subscribe(ctx, channel)

	go func() {
		for msg := range r.pubsub.Channel() {
			var m message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.log.WithError(err).Warn("malformed relay message")
				continue
			}
			if m.Instance == r.instanceID {
				continue
			}
			r.sink.DeliverRemote(m.SessionID, m.Frame, m.Exclude)
		}
	}()

	r.log.WithField("instance", r.instanceID).Info("relay started")
	return nil
}

// Publish pushes a local session frame to peer instances. Satisfies
// collab.RelayPublisher.
func (r *Relay) Publish(sessionID string, frame []byte, excludeUserID string) error {
	payload, err := json.Marshal(&message{
		Instance:  r.instanceID,
		SessionID: sessionID,
		Exclude:   excludeUserID,
		Frame:     frame,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channel, payload).Err()
}

// Close stops the subscriber and releases the client.
func (r *Relay) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.pubsub != nil {
		r.pubsub.Close()
	}
	return r.client.Close()
}
