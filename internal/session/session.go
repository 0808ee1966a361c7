package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoSession    = errors.New("session: no active session")
	ErrEmptyToken   = errors.New("session: token is empty")
	ErrTokenExpired = errors.New("session: token has expired")
)

// Logout reasons passed to OnLogout hooks.
const (
	ReasonLogout       = "logout"
	ReasonUnauthorized = "unauthorized"
)

// Session is the signed-in specialist as this console knows them. The
// profile fields only decide what the UI shows; the backend authorizes
// every call on its own.
type Session struct {
	Token        string    `json:"-"`
	SpecialistID string    `json:"specialist_id"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	Roles        []string  `json:"roles,omitempty"`
	Verified     bool      `json:"verified"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LoginRequest is what the UI shell hands over after the backend
// login flow.
type LoginRequest struct {
	Token        string `json:"token" binding:"required"`
	SpecialistID string `json:"specialist_id"`
	DisplayName  string `json:"display_name"`
	Role         string `json:"role"`
	Verified     bool   `json:"verified"`
}

// Store persists the session between console restarts.
type Store interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Clear(ctx context.Context) error
}
