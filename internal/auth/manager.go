package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RefreshWindow is how close to expiry a token may get before the manager
// refreshes it proactively.
const RefreshWindow = 60 * time.Second

var ErrNoSession = errors.New("no active session")

// AuthSession is the identity provider's view of the caller's session.
type AuthSession struct {
	AccessToken  string
	RefreshToken string
	// Subject the provider bound the session to; empty when unknown.
	Subject string
}

type IdentityProvider interface {
	// Session returns the current session, or nil when signed out.
	Session(ctx context.Context) (*AuthSession, error)
	Refresh(ctx context.Context) (*AuthSession, error)
	// Verify asks the provider who the token belongs to.
	Verify(ctx context.Context, accessToken string) (string, error)
}

// Identity is the caller the pipeline acts for. It is passed explicitly into
// every orchestrator and persistence call.
type Identity struct {
	UserID   int64
	Subject  string
	Provider IdentityProvider
}

// Manager keeps a bearer credential usable across a multi-step request.
type Manager struct {
	logger *zap.Logger
	now    func() time.Time
}

type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Now() time.Time {
	return m.now()
}

// GetValidCredential returns the best credential available for id. It refreshes
// at most once, and only when the current token is expired, about to expire or
// bound to another subject. A failed refresh keeps the original token so the
// caller fails explicitly downstream. A nil credential means signed out.
func (m *Manager) GetValidCredential(ctx context.Context, id Identity) (*Credential, error) {
	if id.Provider == nil {
		return nil, nil
	}
	session, err := id.Provider.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if session == nil || session.AccessToken == "" {
		return nil, nil
	}

	cred, decodeErr := NewCredential(session.AccessToken)
	now := m.now()
	d := cred.Diagnostics

	nearExpiry := !d.ExpiresAt.IsZero() && d.ExpiresAt.Sub(now) < RefreshWindow
	alreadyExpired := d.ExpiredAt(now)
	subjectMismatch := session.Subject != "" && session.Subject != d.Subject

	if decodeErr == nil && !nearExpiry && !alreadyExpired && !subjectMismatch {
		return cred, nil
	}

	m.logger.Debug("refreshing credential",
		zap.Bool("near_expiry", nearExpiry),
		zap.Bool("expired", alreadyExpired),
		zap.Bool("subject_mismatch", subjectMismatch),
		zap.NamedError("decode_error", decodeErr),
		zap.String("credential", d.String()),
	)

	refreshed, err := m.refresh(ctx, id)
	if err != nil {
		m.logger.Warn("credential refresh failed, keeping current token",
			zap.Error(err),
			zap.String("credential", d.String()),
		)
		return cred, nil
	}
	return refreshed, nil
}

// ForceRefresh performs exactly one refresh regardless of token state.
func (m *Manager) ForceRefresh(ctx context.Context, id Identity) (*Credential, error) {
	if id.Provider == nil {
		return nil, ErrNoSession
	}
	return m.refresh(ctx, id)
}

func (m *Manager) refresh(ctx context.Context, id Identity) (*Credential, error) {
	session, err := id.Provider.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity provider refresh: %w", err)
	}
	if session == nil || session.AccessToken == "" {
		return nil, ErrNoSession
	}
	cred, err := NewCredential(session.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("refreshed token unreadable: %w", err)
	}
	return cred, nil
}
