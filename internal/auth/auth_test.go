package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestCheckNoopWhenNotRequired(t *testing.T) {
	v := NewValidator("secret", false)
	assert.False(t, v.Required())
	assert.NoError(t, v.Check(""))
	assert.NoError(t, v.Check("garbage"))
}

func TestCheckMissingTokenWhenRequired(t *testing.T) {
	v := NewValidator("secret", true)
	assert.True(t, v.Required())
	err := v.Check("")
	assert.True(t, errors.Is(err, ErrMissingToken))
}

func TestCheckValidTokenSucceeds(t *testing.T) {
	v := NewValidator("shared-secret", true)
	tok := signHS256(t, "shared-secret", jwt.MapClaims{
		"sub": "client-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	assert.NoError(t, v.Check(tok))
}

func TestCheckWrongSecretFails(t *testing.T) {
	v := NewValidator("shared-secret", true)
	tok := signHS256(t, "wrong-secret", jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	err := v.Check(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestCheckExpiredTokenFails(t *testing.T) {
	v := NewValidator("shared-secret", true)
	tok := signHS256(t, "shared-secret", jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	err := v.Check(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestCheckWrongSigningMethodRejected(t *testing.T) {
	v := NewValidator("shared-secret", true)
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	err = v.Check(s)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestCheckMalformedTokenFails(t *testing.T) {
	v := NewValidator("shared-secret", true)
	err := v.Check("not.a.jwt")
	assert.True(t, errors.Is(err, ErrInvalidToken))
}
