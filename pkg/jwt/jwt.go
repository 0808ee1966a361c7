// Package jwt reads presentation hints out of backend access tokens.
//
// Tokens are parsed without signature verification: the backend is the only
// party that can authorize, so nothing here is a security decision.
package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptyToken     = errors.New("empty token")
	ErrMalformedToken = errors.New("malformed token")
)

// Claims mirrors the claim names the platform backend issues.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string   `json:"user_id"`
	Email    string   `json:"email"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Type     string   `json:"type"` // "access" or "refresh"
}

// Hints is the subset of claims the console shows or keys on.
type Hints struct {
	UserID    string
	Username  string
	Roles     []string
	ExpiresAt time.Time
}

// Expired reports whether the token carried an exp claim that has passed.
func (h *Hints) Expired(now time.Time) bool {
	if h == nil || h.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(h.ExpiresAt)
}

// Sanitize strips stray quote characters, whitespace and a leading
// "Bearer " that frequently leak in when a token is copied out of storage.
func Sanitize(token string) string {
	t := strings.Map(func(r rune) rune {
		if r == '"' || r == '\'' {
			return -1
		}
		return r
	}, token)
	t = strings.TrimPrefix(strings.TrimSpace(t), "Bearer ")
	return strings.TrimSpace(t)
}

// Inspect parses token without verifying it and returns its hints.
// Opaque (non-JWT) tokens return ErrMalformedToken; callers treat that as
// "no hints", not as a failure.
func Inspect(token string) (*Hints, error) {
	token = Sanitize(token)
	if token == "" {
		return nil, ErrEmptyToken
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	hints := &Hints{
		UserID:   claims.UserID,
		Username: claims.Username,
		Roles:    claims.Roles,
	}
	if hints.UserID == "" {
		hints.UserID = claims.Subject
	}
	if claims.ExpiresAt != nil {
		hints.ExpiresAt = claims.ExpiresAt.Time
	}
	return hints, nil
}
