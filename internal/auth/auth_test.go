package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	svc := NewService("test-secret")
	svc.RegisterAPICredentials(TestAPIKey, TestAPISecret)
	return svc
}

func TestGenerateAndValidateToken(t *testing.T) {
	svc := newTestService()

	resp, err := svc.GenerateToken(Credentials{APIKey: TestAPIKey, APISecret: TestAPISecret})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Token)

	claims, err := svc.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, TestAPIKey, claims.ClientID)
	assert.Contains(t, claims.Permissions, "signals")
	assert.Contains(t, claims.Permissions, "risk")
}

func TestGenerateTokenRejectsBadCredentials(t *testing.T) {
	svc := newTestService()

	_, err := svc.GenerateToken(Credentials{APIKey: TestAPIKey, APISecret: "wrong"})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.GenerateToken(Credentials{APIKey: "unknown", APISecret: TestAPISecret})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	svc := newTestService()
	other := NewService("different-secret")
	other.RegisterAPICredentials(TestAPIKey, TestAPISecret)

	resp, err := other.GenerateToken(Credentials{APIKey: TestAPIKey, APISecret: TestAPISecret})
	require.NoError(t, err)

	_, err = svc.ValidateToken(resp.Token)
	require.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc := newTestService()
	_, err := svc.ValidateToken("not.a.token")
	require.Error(t, err)
}
