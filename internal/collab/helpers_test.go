package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"collab-engine/internal/models"

	"github.com/stretchr/testify/require"
)

type stubProjects struct {
	exists bool
}

func (s *stubProjects) ResolveProject(ctx context.Context, projectID string) (bool, error) {
	return s.exists, nil
}

// newTestService wires a full engine with no database and no transport.
// Connections registered with a nil websocket never start pumps; tests
// read outbound frames straight from the send buffer.
func newTestService(t *testing.T) *Service {
	t.Helper()
	registry := NewRegistry(512)
	store := NewStore(0)
	router := NewRouter(registry, store)
	presence := NewPresenceTracker(registry, store)
	oplog := NewOpLog(store, nil)
	svc := NewService(store, registry, router, presence, oplog, &stubProjects{exists: true}, nil)
	t.Cleanup(svc.Shutdown)
	return svc
}

// bind joins the user and attaches an in-process connection.
func bind(t *testing.T, svc *Service, sessionID, userID string, role models.Role) *Conn {
	t.Helper()
	ctx := context.Background()
	_, err := svc.JoinSession(ctx, sessionID, userID, userID, role)
	require.NoError(t, err)

	c := svc.Registry().Register(userID, sessionID, models.ClientMeta{ClientType: "test"}, nil)
	require.NoError(t, svc.BindConnection(ctx, c))
	return c
}

// recvEnvelope pops the next outbound frame, or nil after the timeout.
func recvEnvelope(t *testing.T, c *Conn, timeout time.Duration) *models.Envelope {
	t.Helper()
	select {
	case frame, ok := <-c.Outbound():
		if !ok {
			return nil
		}
		var env models.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return &env
	case <-time.After(timeout):
		return nil
	}
}

// recvOfType discards frames until one of the wanted type arrives.
func recvOfType(t *testing.T, c *Conn, msgType models.MessageType) *models.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env := recvEnvelope(t, c, 100*time.Millisecond)
		if env != nil && env.Type == msgType {
			return env
		}
	}
	t.Fatalf("no %s frame received", msgType)
	return nil
}

// drainDispatch waits for the session's event queue to empty.
func drainDispatch(t *testing.T, svc *Service, sessionID string) {
	t.Helper()
	e, ok := svc.store.get(sessionID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.dispatch) == 0
	}, 2*time.Second, 5*time.Millisecond)
	// Let the in-flight item finish fan-out.
	time.Sleep(10 * time.Millisecond)
}

// drainAll empties a connection's current outbound buffer.
func drainAll(t *testing.T, c *Conn) {
	t.Helper()
	for {
		select {
		case <-c.Outbound():
		default:
			return
		}
	}
}
