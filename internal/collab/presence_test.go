package collab

import (
	"context"
	"testing"
	"time"

	"collab-engine/internal/models"

	"github.com/stretchr/testify/require"
)

func TestCursorUpdateLastWriteWins(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "p1", "", "alice", "Alice")
	require.NoError(t, err)

	aliceConn := bind(t, svc, sess.ID, "alice", "")
	bobConn := bind(t, svc, sess.ID, "bob", "")
	drainDispatch(t, svc, sess.ID)
	drainAll(t, aliceConn)
	drainAll(t, bobConn)

	require.NoError(t, svc.Presence().UpdateCursor(aliceConn.ID, "main.go", 10, 4))
	require.NoError(t, svc.Presence().UpdateCursor(aliceConn.ID, "main.go", 12, 1))
	drainDispatch(t, svc, sess.ID)

	snap, err := svc.GetSession(ctx, sess.ID, "bob")
	require.NoError(t, err)
	require.Len(t, snap.Cursors, 1)
	cur := snap.Cursors["alice"]
	require.NotNil(t, cur)
	require.Equal(t, "main.go", cur.FileID)
	require.Equal(t, 12, cur.Line)
	require.Equal(t, 1, cur.Column)

	// Bob sees both moves; Alice sees neither of her own.
	first := recvOfType(t, bobConn, models.MessageCursorMove)
	second := recvOfType(t, bobConn, models.MessageCursorMove)
	var p1, p2 models.CursorPosition
	require.NoError(t, first.DecodePayload(&p1))
	require.NoError(t, second.DecodePayload(&p2))
	require.Equal(t, 10, p1.Line)
	require.Equal(t, 12, p2.Line)
	require.Nil(t, recvEnvelope(t, aliceConn, 50*time.Millisecond))
}

func TestSelectionUpdateBroadcast(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "p1", "", "alice", "Alice")
	require.NoError(t, err)

	aliceConn := bind(t, svc, sess.ID, "alice", "")
	bobConn := bind(t, svc, sess.ID, "bob", "")
	drainDispatch(t, svc, sess.ID)
	drainAll(t, aliceConn)
	drainAll(t, bobConn)

	require.NoError(t, svc.Presence().UpdateSelection(bobConn.ID, "util.go", 3, 0, 5, 12))
	drainDispatch(t, svc, sess.ID)

	env := recvOfType(t, aliceConn, models.MessageSelectionChange)
	var sel models.SelectionRange
	require.NoError(t, env.DecodePayload(&sel))
	require.Equal(t, "bob", sel.UserID)
	require.Equal(t, "util.go", sel.FileID)
	require.Equal(t, 3, sel.StartLine)
	require.Equal(t, 5, sel.EndLine)
	require.Equal(t, 12, sel.EndColumn)

	snap, err := svc.GetSession(ctx, sess.ID, "alice")
	require.NoError(t, err)
	require.Contains(t, snap.Selections, "bob")
}

func TestPresenceUnknownConnection(t *testing.T) {
	svc := newTestService(t)

	err := svc.Presence().UpdateCursor("nope", "main.go", 1, 1)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
}

func TestPresenceClearedOnDisconnect(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "p1", "", "alice", "Alice")
	require.NoError(t, err)

	bind(t, svc, sess.ID, "alice", "")
	bobConn := bind(t, svc, sess.ID, "bob", "")
	require.NoError(t, svc.Presence().UpdateCursor(bobConn.ID, "main.go", 7, 2))
	require.NoError(t, svc.Presence().UpdateSelection(bobConn.ID, "main.go", 7, 0, 7, 9))
	drainDispatch(t, svc, sess.ID)

	svc.HandleDisconnect(bobConn)
	drainDispatch(t, svc, sess.ID)

	snap, err := svc.GetSession(ctx, sess.ID, "alice")
	require.NoError(t, err)
	require.NotContains(t, snap.Cursors, "bob")
	require.NotContains(t, snap.Selections, "bob")
}

// With two tabs open, closing one clears the cursor but keeps the user
// online; the next move from the surviving tab restores it.
func TestPresenceMultiTabClearAndRestore(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "p1", "", "alice", "Alice")
	require.NoError(t, err)

	bind(t, svc, sess.ID, "alice", "")
	tab1 := bind(t, svc, sess.ID, "bob", "")
	tab2 := bind(t, svc, sess.ID, "bob", "")
	require.NoError(t, svc.Presence().UpdateCursor(tab1.ID, "main.go", 3, 3))
	drainDispatch(t, svc, sess.ID)

	svc.HandleDisconnect(tab1)
	drainDispatch(t, svc, sess.ID)

	snap, err := svc.GetSession(ctx, sess.ID, "alice")
	require.NoError(t, err)
	require.NotContains(t, snap.Cursors, "bob")
	p := snap.Participant("bob")
	require.NotNil(t, p)
	require.True(t, p.IsOnline)

	require.NoError(t, svc.Presence().UpdateCursor(tab2.ID, "main.go", 4, 1))
	drainDispatch(t, svc, sess.ID)

	snap, err = svc.GetSession(ctx, sess.ID, "alice")
	require.NoError(t, err)
	require.Contains(t, snap.Cursors, "bob")
	require.Equal(t, 4, snap.Cursors["bob"].Line)
}
