package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	token, err := svc.Issue("user-123", "premium")
	require.NoError(t, err)

	claims, err := svc.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.UserID)
	assert.Equal(t, "premium", claims.Tier)
}

func TestIssueGuest(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	userID, token, err := svc.IssueGuest()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(userID, "guest-"))

	claims, err := svc.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "guest", claims.Tier)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := NewService("secret-a", time.Hour).Issue("user-123", "free")
	require.NoError(t, err)

	_, err = NewService("secret-b", time.Hour).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsExpired(t *testing.T) {
	svc := NewService("test-secret", -time.Minute)
	token, err := svc.Issue("user-123", "free")
	require.NoError(t, err)

	_, err = svc.Parse(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestParseRejectsGarbage(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	_, err := svc.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
