package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	svc, err := NewService("secret")
	require.NoError(t, err)

	token, exp, err := svc.IssueToken("loadgen", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "loadgen", claims.ClientID)
	assert.Equal(t, []string{"settle"}, claims.Permissions)
}

func TestValidateRejects(t *testing.T) {
	svc, err := NewService("secret")
	require.NoError(t, err)
	other, err := NewService("other")
	require.NoError(t, err)

	foreign, _, err := other.IssueToken("loadgen", time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(foreign)
	assert.Error(t, err)

	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, err := svc.IssueToken("loadgen", time.Hour)
	require.NoError(t, err)
	svc.now = time.Now
	_, err = svc.ValidateToken(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"client_id": "loadgen"})
	signed, err := noExp.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(signed)
	assert.Error(t, err)

	_, err = svc.ValidateToken("not-a-token")
	assert.Error(t, err)
}

func TestConstructorAndIssueGuards(t *testing.T) {
	_, err := NewService("")
	assert.ErrorIs(t, err, ErrEmptySecret)

	svc, err := NewService("secret")
	require.NoError(t, err)
	_, _, err = svc.IssueToken("", time.Hour)
	assert.ErrorIs(t, err, ErrMissingClientID)

	token, exp, err := svc.IssueToken("loadgen", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), exp, 5*time.Second)
}
