package sso

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJWT(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"scope": "profile",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte("some-key-the-client-never-sees"))
	require.NoError(t, err)
	return s
}

func TestUnverifiedClaims(t *testing.T) {
	claims, err := UnverifiedClaims(testJWT(t, "user-42"))
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims["sub"])
	assert.Equal(t, "profile", claims["scope"])
}

func TestUnverifiedClaims_IgnoresExpiry(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "old",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte("k"))
	require.NoError(t, err)

	claims, err := UnverifiedClaims(s)
	require.NoError(t, err)
	assert.Equal(t, "old", claims["sub"])
}

func TestUnverifiedClaims_Malformed(t *testing.T) {
	for _, tok := range []string{"", "abc", "a.b", "a.!!!.c"} {
		_, err := UnverifiedClaims(tok)
		require.Error(t, err, tok)
		assert.ErrorIs(t, err, ErrValidation)
	}
}
