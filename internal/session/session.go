// Package session holds the signed-in state of a user as an explicit value with a create/destroy
// contract: a Session is created when the OAuth callback completes and destroyed on sign-out or expiry.
// Everything that acts on behalf of the user receives the Session it needs as an argument.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MegaGrindStone/genie-web/internal/models"
	"github.com/google/uuid"
)

// Session is the signed-in state of one user.
type Session struct {
	ID string `json:"id"`

	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	AvatarURL   string `json:"avatar_url"`
	GitHubLogin string `json:"github_login"`
	Provider    string `json:"provider"`

	Role models.UserRole `json:"role"`
	Plan models.Plan     `json:"plan"`

	AccessToken string `json:"access_token"`
	// ProviderToken is the GitHub OAuth token. It is only kept for sessions signed in with GitHub.
	ProviderToken string `json:"provider_token"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists sessions by id.
type Store interface {
	Session(ctx context.Context, id string) (Session, bool, error)
	PutSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, id string) error
	// Sessions returns every stored session.
	Sessions(ctx context.Context) ([]Session, error)
}

// Manager creates, looks up and destroys sessions, and runs the teardown hooks of a session when it goes
// away.
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	onDestroy []func(Session)

	logger *slog.Logger
}

// ErrNotFound is returned by Get when the session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

const errLoggerKey = "err"

// NewManager creates a Manager backed by store. Sessions live for ttl unless the token they carry expires
// earlier.
func NewManager(store Store, ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With(slog.String("module", "session")),
	}
}

// OnDestroy registers fn to run whenever a session is destroyed, explicitly or because it expired.
func (m *Manager) OnDestroy(fn func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDestroy = append(m.onDestroy, fn)
}

// Create starts a new session for the signed in user described by s. The ID and timestamps of s are
// assigned here; the provider token is dropped unless the user signed in with GitHub.
func (m *Manager) Create(ctx context.Context, s Session) (Session, error) {
	if s.UserID == "" {
		return Session{}, errors.New("user id is required")
	}

	now := m.now()
	s.ID = uuid.NewString()
	s.CreatedAt = now
	s.Role = models.NormalizeRole(string(s.Role))
	s.Plan = models.NormalizePlan(string(s.Plan))
	if !strings.EqualFold(s.Provider, "github") {
		s.ProviderToken = ""
	}
	if limit := now.Add(m.ttl); s.ExpiresAt.IsZero() || s.ExpiresAt.After(limit) {
		s.ExpiresAt = limit
	}

	if err := m.store.PutSession(ctx, s); err != nil {
		return Session{}, fmt.Errorf("failed to store session: %w", err)
	}

	m.logger.Info("Session created",
		slog.String("userID", s.UserID),
		slog.String("provider", s.Provider),
		slog.String("role", string(s.Role)))
	return s, nil
}

// Get returns the session with the given id. Expired sessions are destroyed and reported as ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, ErrNotFound
	}

	s, ok, err := m.store.Session(ctx, id)
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	if !ok {
		return Session{}, ErrNotFound
	}

	if !m.now().Before(s.ExpiresAt) {
		if err := m.destroy(ctx, s); err != nil {
			m.logger.Error("Failed to destroy expired session",
				slog.String("sessionID", id),
				slog.String(errLoggerKey, err.Error()))
		}
		return Session{}, ErrNotFound
	}

	return s, nil
}

// Update stores refreshed profile fields (plan, role, email) of an existing session.
func (m *Manager) Update(ctx context.Context, s Session) error {
	if _, ok, err := m.store.Session(ctx, s.ID); err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	} else if !ok {
		return ErrNotFound
	}

	s.Role = models.NormalizeRole(string(s.Role))
	s.Plan = models.NormalizePlan(string(s.Plan))
	if err := m.store.PutSession(ctx, s); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Destroy ends the session with the given id and runs the teardown hooks. Destroying an unknown session
// is not an error.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	s, ok, err := m.store.Session(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if !ok {
		return nil
	}
	return m.destroy(ctx, s)
}

// Sweep destroys every stored session that has expired and returns how many it removed. Browsers stop
// sending the cookie of an expired session, so Get alone never sees most of them again.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	sessions, err := m.store.Sessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := m.now()
	var removed int
	for _, s := range sessions {
		if now.Before(s.ExpiresAt) {
			continue
		}
		if err := m.destroy(ctx, s); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Error("Failed to sweep expired sessions", slog.String(errLoggerKey, err.Error()))
				continue
			}
			if n > 0 {
				m.logger.Info("Expired sessions swept", slog.Int("count", n))
			}
		}
	}
}

func (m *Manager) destroy(ctx context.Context, s Session) error {
	if err := m.store.DeleteSession(ctx, s.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	m.mu.Lock()
	hooks := append([]func(Session){}, m.onDestroy...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}

	m.logger.Info("Session destroyed", slog.String("userID", s.UserID))
	return nil
}

// IsAdmin reports whether the session belongs to an administrator.
func (s Session) IsAdmin() bool {
	return s.Role == models.UserRoleAdmin
}

// DisplayName returns the name shown in the account panel.
func (s Session) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if local, _, ok := strings.Cut(s.Email, "@"); ok && local != "" {
		return local
	}
	return "Genie user"
}

// Initials returns the initials shown in the avatar placeholder.
func (s Session) Initials() string {
	var sb strings.Builder
	for _, part := range strings.Fields(s.Name) {
		r, _ := utf8.DecodeRuneInString(part)
		sb.WriteRune(unicode.ToUpper(r))
	}
	if sb.Len() > 0 {
		return sb.String()
	}
	if s.Email != "" {
		r, _ := utf8.DecodeRuneInString(s.Email)
		return string(unicode.ToUpper(r))
	}
	return "U"
}
