// Package auth implements the optional bearer-JWT check performed on a
// client's Hello, giving the wire protocol's otherwise-unused
// NotAuthenticated error code a producer. Disabled by default; enabled via
// config.Config.AuthRequired.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingToken is returned when auth is required but Hello carried no token.
var ErrMissingToken = errors.New("auth: missing bearer token")

// ErrInvalidToken wraps any JWT parse/validation failure.
var ErrInvalidToken = errors.New("auth: invalid token")

// Validator checks a bearer token against a shared HMAC secret.
type Validator struct {
	secret   []byte
	required bool
}

// NewValidator builds a Validator. When required is false, Check always
// succeeds regardless of the token supplied (the default: no auth).
func NewValidator(secret string, required bool) *Validator {
	return &Validator{secret: []byte(secret), required: required}
}

// Required reports whether Hello must carry a valid token.
func (v *Validator) Required() bool { return v.required }

// Check validates token. An empty token is only acceptable when auth is
// not required.
func (v *Validator) Check(token string) error {
	if !v.required {
		return nil
	}
	if token == "" {
		return ErrMissingToken
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}
