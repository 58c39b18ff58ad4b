package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopePayloadRoundTrip(t *testing.T) {
	env, err := NewEnvelope(MessageCursorMove, "s1", "alice", &CursorMovePayload{
		FileID: "main.go", Line: 7, Column: 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, env.ID)
	require.Equal(t, "s1", env.SessionID)
	require.Equal(t, "alice", env.UserID)

	frame, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(frame, &decoded))
	require.Equal(t, MessageCursorMove, decoded.Type)

	var p CursorMovePayload
	require.NoError(t, decoded.DecodePayload(&p))
	require.Equal(t, "main.go", p.FileID)
	require.Equal(t, 7, p.Line)
	require.Equal(t, 3, p.Column)
}

func TestDecodeEmptyPayload(t *testing.T) {
	env, err := NewEnvelope(MessagePing, "s1", "alice", nil)
	require.NoError(t, err)

	var p CursorMovePayload
	require.Error(t, env.DecodePayload(&p))
}

func TestOperationValidType(t *testing.T) {
	require.True(t, ValidType(OpInsert))
	require.True(t, ValidType(OpDelete))
	require.True(t, ValidType(OpRetain))
	require.False(t, ValidType("rotate"))
	require.False(t, ValidType(""))
}
