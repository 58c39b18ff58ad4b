package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret", time.Minute)

	token, err := v.Issue(Identity{UserID: "u1", DisplayName: "Alice"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "u1", id.UserID)
	require.Equal(t, "Alice", id.DisplayName)
}

func TestVerifyRejections(t *testing.T) {
	v := NewVerifier("test-secret", time.Minute)

	good, err := v.Issue(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	other := NewVerifier("other-secret", time.Minute)
	wrongKey, err := other.Issue(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	expired, err := v.Issue(Identity{UserID: "u1"}, -time.Minute)
	require.NoError(t, err)

	noSubject, err := v.Issue(Identity{}, time.Hour)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":           "",
		"garbage":         "not.a.jwt",
		"tampered":        good + "x",
		"wrong key":       wrongKey,
		"expired":         expired,
		"missing subject": noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifyCachesIdentity(t *testing.T) {
	v := NewVerifier("test-secret", time.Minute)

	token, err := v.Issue(Identity{UserID: "u1", DisplayName: "Alice"}, time.Hour)
	require.NoError(t, err)

	first, err := v.Verify(token)
	require.NoError(t, err)

	_, ok := v.cache.Get(token)
	require.True(t, ok)

	again, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, first, again)
}
