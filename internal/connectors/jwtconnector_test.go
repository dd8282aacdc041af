package connectors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentinelchat/pkg/apperrors"
)

func TestIssueAndVerifyAccessToken(t *testing.T) {
	c := NewJWTConnector([]byte("secret"), 5*time.Second, time.Minute)

	tok, err := c.IssueAccessToken("u1", "alice")
	require.NoError(t, err)

	claims, err := c.VerifyAccessToken(context.Background(), tok)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, "alice", claims.Username)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	c := NewJWTConnector([]byte("secret"), 5*time.Second, time.Minute)
	_, err := c.VerifyAccessToken(context.Background(), "not-a-jwt")
	require.Error(t, err)
	require.Equal(t, apperrors.KindUnauthorized, apperrors.KindOf(err))
}

func TestRefreshRotatesToken(t *testing.T) {
	c := NewJWTConnector([]byte("secret"), 5*time.Second, time.Minute)
	initial := c.StartFamily("u1", "alice", "dev1")

	pair, err := c.RefreshTokens(context.Background(), initial, "dev1")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEqual(t, initial, pair.RefreshToken)

	// second refresh with the new token succeeds
	_, err = c.RefreshTokens(context.Background(), pair.RefreshToken, "dev1")
	require.NoError(t, err)
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	c := NewJWTConnector([]byte("secret"), 5*time.Second, time.Minute)
	initial := c.StartFamily("u1", "alice", "dev1")

	pair, err := c.RefreshTokens(context.Background(), initial, "dev1")
	require.NoError(t, err)

	// reusing the rotated-away initial token must be rejected...
	_, err = c.RefreshTokens(context.Background(), initial, "dev1")
	require.Error(t, err)
	require.Equal(t, apperrors.KindUnauthorized, apperrors.KindOf(err))

	// ...and revoke the whole family, including the newest member.
	_, err = c.RefreshTokens(context.Background(), pair.RefreshToken, "dev1")
	require.Error(t, err)
	require.Equal(t, apperrors.KindUnauthorized, apperrors.KindOf(err))
}
