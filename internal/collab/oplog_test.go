package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"collab-engine/internal/models"

	"github.com/stretchr/testify/require"
)

func TestSubmitOperationValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "p1", "", "alice", "Alice")
	require.NoError(t, err)

	cases := []struct {
		name string
		sub  OpSubmission
	}{
		{"negative position", OpSubmission{Type: models.OpInsert, Position: -1, Content: "x"}},
		{"unknown type", OpSubmission{Type: "squash", Position: 0}},
		{"insert without content", OpSubmission{Type: models.OpInsert, Position: 0}},
		{"delete without length", OpSubmission{Type: models.OpDelete, Position: 0}},
		{"retain without length", OpSubmission{Type: models.OpRetain, Position: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.OpLog().SubmitOperation(ctx, sess.ID, "alice", tc.sub)
			require.ErrorIs(t, err, ErrInvalidOperation)
		})
	}

	// Rejected operations leave the log untouched.
	snap, err := svc.GetSession(ctx, sess.ID, "alice")
	require.NoError(t, err)
	require.Empty(t, snap.Operations)
}

func TestViewerCannotSubmit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "p1", "", "alice", "Alice")
	require.NoError(t, err)

	_, err = svc.JoinSession(ctx, sess.ID, "victor", "Victor", models.RoleViewer)
	require.NoError(t, err)

	_, err = svc.OpLog().SubmitOperation(ctx, sess.ID, "victor", OpSubmission{
		Type: models.OpInsert, Position: 0, Content: "nope",
	})
	require.ErrorIs(t, err, ErrForbidden)

	snap, err := svc.GetSession(ctx, sess.ID, "alice")
	require.NoError(t, err)
	require.Empty(t, snap.Operations)
}

func TestSubmitRequiresMembership(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "p1", "", "alice", "Alice")
	require.NoError(t, err)

	_, err = svc.OpLog().SubmitOperation(ctx, sess.ID, "mallory", OpSubmission{
		Type: models.OpInsert, Position: 0, Content: "x",
	})
	require.ErrorIs(t, err, ErrAccessDenied)

	_, err = svc.OpLog().SubmitOperation(ctx, "missing", "alice", OpSubmission{
		Type: models.OpInsert, Position: 0, Content: "x",
	})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestNoSelfEcho(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "p1", "", "alice", "Alice")
	require.NoError(t, err)

	aliceConn := bind(t, svc, sess.ID, "alice", "")
	bobConn := bind(t, svc, sess.ID, "bob", "")
	drainDispatch(t, svc, sess.ID)
	drainAll(t, aliceConn)
	drainAll(t, bobConn)

	_, err = svc.OpLog().SubmitOperation(ctx, sess.ID, "alice", OpSubmission{
		Type: models.OpInsert, Position: 0, Content: "hi",
	})
	require.NoError(t, err)
	drainDispatch(t, svc, sess.ID)

	require.NotNil(t, recvOfType(t, bobConn, models.MessageTextChange))
	require.Nil(t, recvEnvelope(t, aliceConn, 50*time.Millisecond), "author must not receive their own operation")
}

// Operations submitted concurrently from different users must end up
// with append order as the single total order, and an observer must see
// every operation in exactly that order.
func TestConcurrentSubmitOrderPreservation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "p1", "", "alice", "Alice")
	require.NoError(t, err)

	_, err = svc.JoinSession(ctx, sess.ID, "bob", "Bob", "")
	require.NoError(t, err)

	// The observer submits nothing, so it receives every broadcast.
	observer := bind(t, svc, sess.ID, "carol", "")
	drainDispatch(t, svc, sess.ID)
	drainAll(t, observer)

	const perUser = 40
	errCh := make(chan error, 2*perUser)
	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				_, err := svc.OpLog().SubmitOperation(ctx, sess.ID, user, OpSubmission{
					Type:     models.OpInsert,
					Position: i,
					Content:  fmt.Sprintf("%s-%d", user, i),
				})
				if err != nil {
					errCh <- err
				}
			}
		}(user)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	drainDispatch(t, svc, sess.ID)

	snap, err := svc.GetSession(ctx, sess.ID, "alice")
	require.NoError(t, err)
	require.Len(t, snap.Operations, 2*perUser)
	for i, op := range snap.Operations {
		require.Equal(t, i, op.Sequence, "log order must equal append order")
		require.True(t, op.Applied)
	}

	var received []int
	for len(received) < 2*perUser {
		env := recvEnvelope(t, observer, time.Second)
		require.NotNil(t, env, "observer missing broadcasts after %d", len(received))
		if env.Type != models.MessageTextChange {
			continue
		}
		var op models.Operation
		require.NoError(t, env.DecodePayload(&op))
		received = append(received, op.Sequence)
	}
	for i, seq := range received {
		require.Equal(t, i, seq, "broadcast order must equal append order")
	}
}

// Scenario: owner edits before a collaborator joins; the late joiner
// sees the replayed history plus the live edit, in submission order.
func TestLateJoinerReceivesOrderedHistory(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "p1", "", "alice", "Alice")
	require.NoError(t, err)

	aliceConn := bind(t, svc, sess.ID, "alice", "")
	require.NoError(t, svc.Presence().UpdateCursor(aliceConn.ID, "main.go", 1, 1))

	_, err = svc.OpLog().SubmitOperation(ctx, sess.ID, "alice", OpSubmission{
		Type: models.OpInsert, Position: 0, Content: "hi",
	})
	require.NoError(t, err)
	drainDispatch(t, svc, sess.ID)

	bobConn := bind(t, svc, sess.ID, "bob", "")
	join := recvOfType(t, bobConn, models.MessageUserJoin)
	var snapshot models.UserJoinPayload
	require.NoError(t, join.DecodePayload(&snapshot))
	require.Len(t, snapshot.Participants, 2)
	require.Contains(t, snapshot.Cursors, "alice")
	require.Equal(t, 1, snapshot.Cursors["alice"].Line)

	_, err = svc.OpLog().SubmitOperation(ctx, sess.ID, "alice", OpSubmission{
		Type: models.OpDelete, Position: 0, Length: 1,
	})
	require.NoError(t, err)
	drainDispatch(t, svc, sess.ID)

	first := recvOfType(t, bobConn, models.MessageTextChange)
	second := recvOfType(t, bobConn, models.MessageTextChange)

	var op1, op2 models.Operation
	require.NoError(t, first.DecodePayload(&op1))
	require.NoError(t, second.DecodePayload(&op2))
	require.Equal(t, models.OpInsert, op1.Type)
	require.Equal(t, "hi", op1.Content)
	require.Equal(t, models.OpDelete, op2.Type)
	require.Equal(t, 1, op2.Length)
	require.Less(t, op1.Sequence, op2.Sequence)

	snap, err := svc.GetSession(ctx, sess.ID, "bob")
	require.NoError(t, err)
	require.Len(t, snap.Operations, 2)
	for _, op := range snap.Operations {
		require.True(t, op.Applied)
	}
}

// A connection bound while operations are in flight must see each
// operation exactly once, in log order: the history replay covers
// everything queued before the bind, and fan-out covers the rest.
func TestBindDuringSubmitsDeliversExactlyOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "p1", "", "alice", "Alice")
	require.NoError(t, err)

	const total = 300
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			_, err := svc.OpLog().SubmitOperation(ctx, sess.ID, "alice", OpSubmission{
				Type: models.OpInsert, Position: i, Content: "x",
			})
			if err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// Land the bind mid-stream so the dispatch queue holds operations
	// the replay will also cover.
	time.Sleep(2 * time.Millisecond)
	bobConn := bind(t, svc, sess.ID, "bob", "")
	<-done
	drainDispatch(t, svc, sess.ID)

	var received []int
	for {
		env := recvEnvelope(t, bobConn, 200*time.Millisecond)
		if env == nil {
			break
		}
		if env.Type != models.MessageTextChange {
			continue
		}
		var op models.Operation
		require.NoError(t, env.DecodePayload(&op))
		received = append(received, op.Sequence)
	}

	require.Len(t, received, total)
	for i, seq := range received {
		require.Equal(t, i, seq, "sequence %d delivered out of place or more than once", seq)
	}
}

// A leave racing an in-flight submit must neither error nor deadlock;
// the departing user's pending sends are silently dropped.
func TestLeaveDuringSubmit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "p1", "", "alice", "Alice")
	require.NoError(t, err)

	bind(t, svc, sess.ID, "alice", "")
	bind(t, svc, sess.ID, "bob", "")
	drainDispatch(t, svc, sess.ID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			svc.OpLog().SubmitOperation(ctx, sess.ID, "bob", OpSubmission{
				Type: models.OpInsert, Position: i, Content: "x",
			})
		}
	}()
	go func() {
		defer wg.Done()
		svc.LeaveSession(ctx, sess.ID, "bob")
	}()
	wg.Wait()
	drainDispatch(t, svc, sess.ID)

	snap, err := svc.GetSession(ctx, sess.ID, "alice")
	require.NoError(t, err)
	for i, op := range snap.Operations {
		require.Equal(t, i, op.Sequence)
	}
}
