package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weiawesome/derma-console/pkg/jwt"
	"github.com/weiawesome/derma-console/pkg/log"
	"github.com/weiawesome/derma-console/pkg/middleware"
)

// Manager owns the local session. It is handed to every component that
// needs the token or the identity instead of being read from globals.
type Manager struct {
	store Store
	now   func() time.Time

	mu      sync.RWMutex
	current *Session

	hookMu sync.Mutex
	hooks  []LogoutHook
}

// LogoutHook runs after a sign-out with one of the Reason values.
type LogoutHook func(ctx context.Context, reason string)

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Restore reloads a stored session. An expired one is cleared.
func (m *Manager) Restore(ctx context.Context) (*Session, error) {
	l := log.Ctx(ctx)

	s, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !s.ExpiresAt.IsZero() && !m.now().Before(s.ExpiresAt) {
		if err := m.store.Clear(ctx); err != nil {
			l.Warn().Err(err).Msg("failed to clear expired session")
		}
		return nil, ErrTokenExpired
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	l.Info().Str(log.FieldSpecialistID, s.SpecialistID).Msg("session restored")
	cp := *s
	return &cp, nil
}

// Login installs a new session. Token claims fill whatever the request
// left blank; opaque tokens are accepted as is.
func (m *Manager) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	token := jwt.Sanitize(req.Token)
	if token == "" {
		return nil, ErrEmptyToken
	}

	s := &Session{
		Token:        token,
		SpecialistID: req.SpecialistID,
		DisplayName:  req.DisplayName,
		Role:         req.Role,
		Verified:     req.Verified,
		CreatedAt:    m.now(),
	}

	hints, err := jwt.Inspect(token)
	switch {
	case err == nil:
		if hints.Expired(m.now()) {
			return nil, ErrTokenExpired
		}
		if s.SpecialistID == "" {
			s.SpecialistID = hints.UserID
		}
		if s.DisplayName == "" {
			s.DisplayName = hints.Username
		}
		s.Roles = hints.Roles
		if s.Role == "" && len(hints.Roles) > 0 {
			s.Role = hints.Roles[0]
		}
		s.ExpiresAt = hints.ExpiresAt
	case errors.Is(err, jwt.ErrMalformedToken):
	default:
		return nil, err
	}

	if err := m.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	m.mu.Lock()
	prev := m.current
	m.current = s
	m.mu.Unlock()

	if prev != nil && prev.SpecialistID != s.SpecialistID {
		m.fire(ctx, ReasonLogout)
	}

	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldSpecialistID, s.SpecialistID).
		Str(log.FieldRole, s.Role).
		Msg("specialist signed in")

	cp := *s
	return &cp, nil
}

// Logout clears the session and runs the logout hooks.
func (m *Manager) Logout(ctx context.Context) error {
	return m.end(ctx, ReasonLogout)
}

// ForceLogout is the reaction to a 401 from the backend. It is a no-op
// while signed out so that a burst of rejected calls logs out once.
func (m *Manager) ForceLogout(ctx context.Context) {
	m.mu.RLock()
	active := m.current != nil
	m.mu.RUnlock()
	if !active {
		return
	}
	if err := m.end(ctx, ReasonUnauthorized); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("forced logout could not clear stored session")
	}
}

func (m *Manager) end(ctx context.Context, reason string) error {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()

	err := m.store.Clear(ctx)
	if prev == nil {
		return err
	}

	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldSpecialistID, prev.SpecialistID).
		Str("reason", reason).
		Msg("specialist signed out")

	m.fire(ctx, reason)
	return err
}

// OnLogout registers fn to run after every sign-out.
func (m *Manager) OnLogout(fn LogoutHook) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hookMu.Unlock()
}

func (m *Manager) fire(ctx context.Context, reason string) {
	m.hookMu.Lock()
	hooks := append([]LogoutHook(nil), m.hooks...)
	m.hookMu.Unlock()
	for _, fn := range hooks {
		fn(ctx, reason)
	}
}

// Current returns a copy of the session, or nil while signed out.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	cp := *m.current
	return &cp
}

// Token returns the bearer token, empty while signed out.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.Token
}

// SpecialistID returns the signed-in specialist, empty while signed out.
func (m *Manager) SpecialistID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.SpecialistID
}

func (m *Manager) Identity() (middleware.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return middleware.Identity{}, false
	}
	return middleware.Identity{
		SpecialistID: m.current.SpecialistID,
		DisplayName:  m.current.DisplayName,
		Role:         m.current.Role,
	}, true
}
