// ABOUTME: Tests for JWT token verification
// ABOUTME: Covers generate/verify round trips, expiry, and malformed tokens

package httpapi

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("admin", time.Hour)
	require.NoError(t, err)

	principal, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", principal)
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("admin", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	other := NewJWTVerifier([]byte("other-secret"))

	token, err := other.Generate("admin", time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyGarbage(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	_, err := v.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyMissingSubject(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerifyRejectsUnexpectedSigningMethod(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	// alg=none tokens must never verify.
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "admin"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
