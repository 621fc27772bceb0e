package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrReauthRequired means no usable credential exists and the user has to
// log in again. Every stored credential has been cleared when it is returned.
var ErrReauthRequired = errors.New("re-authentication required")

// DefaultSkew refreshes tokens slightly before they expire
const DefaultSkew = 30 * time.Second

// TokenResponse is what the auth endpoints return.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Exchanger talks to the auth endpoints.
type Exchanger interface {
	Login(ctx context.Context, username, password string) (*TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// Manager hands out bearer tokens, refreshing them when they expire.
type Manager struct {
	session    Store
	persistent Store
	exchanger  Exchanger
	now        func() time.Time
	skew       time.Duration
	logger     *slog.Logger

	mu sync.Mutex
}

// NewManager creates a Manager. session holds credentials for this run only,
// persistent is used when the user asked to be remembered.
func NewManager(session, persistent Store, exchanger Exchanger) *Manager {
	return &Manager{
		session:    session,
		persistent: persistent,
		exchanger:  exchanger,
		now:        time.Now,
		skew:       DefaultSkew,
		logger:     slog.Default(),
	}
}

// NewManagerWithClock creates a Manager with a custom clock for testing
func NewManagerWithClock(session, persistent Store, exchanger Exchanger, now func() time.Time) *Manager {
	m := NewManager(session, persistent, exchanger)
	m.now = now
	return m
}

// Login exchanges a username and password for credentials. With remember set
// they go to the persistent store, otherwise to the session store.
func (m *Manager) Login(ctx context.Context, username, password string, remember bool) error {
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}

	resp, err := m.exchanger.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.clearAll(); err != nil {
		return err
	}
	store := m.session
	if remember {
		store = m.persistent
	}
	if err := store.Save(m.credentials(resp, "")); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	m.logger.Info("Logged in", "user", username, "remember", remember)
	return nil
}

// LoggedIn reports whether any credential is stored.
func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, err := m.load()
	return err == nil
}

// Token returns a valid access token, refreshing first if it has expired.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	creds, store, err := m.load()
	if err != nil {
		return "", ErrReauthRequired
	}
	if !creds.Expired(m.now(), m.skew) {
		return creds.AccessToken, nil
	}
	return m.refresh(ctx, creds, store)
}

// ForceRefresh refreshes regardless of the recorded expiry. Used after the
// server rejected a token that looked valid locally.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	creds, store, err := m.load()
	if err != nil {
		return "", ErrReauthRequired
	}
	return m.refresh(ctx, creds, store)
}

// Logout clears every stored credential.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearAll()
}

func (m *Manager) refresh(ctx context.Context, creds *Credentials, store Store) (string, error) {
	if creds.RefreshToken == "" {
		m.reset("no refresh token")
		return "", ErrReauthRequired
	}

	resp, err := m.exchanger.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		m.logger.Warn("Token refresh failed", "error", err)
		m.reset("refresh failed")
		return "", fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}

	next := m.credentials(resp, creds.RefreshToken)
	if err := store.Save(next); err != nil {
		return "", fmt.Errorf("saving refreshed credentials: %w", err)
	}
	m.logger.Debug("Token refreshed", "expires_at", next.ExpiresAt)
	return next.AccessToken, nil
}

func (m *Manager) credentials(resp *TokenResponse, previousRefresh string) *Credentials {
	creds := &Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = previousRefresh
	}
	switch {
	case resp.ExpiresIn > 0:
		creds.ExpiresAt = m.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	default:
		if exp, ok := tokenExpiry(resp.AccessToken); ok {
			creds.ExpiresAt = exp
		}
	}
	return creds
}

// load prefers the session store, then the persistent one.
func (m *Manager) load() (*Credentials, Store, error) {
	if creds, err := m.session.Load(); err == nil {
		return creds, m.session, nil
	}
	creds, err := m.persistent.Load()
	if err != nil {
		return nil, nil, err
	}
	return creds, m.persistent, nil
}

func (m *Manager) reset(reason string) {
	if err := m.clearAll(); err != nil {
		m.logger.Error("Failed to clear credentials", "error", err)
	}
	m.logger.Warn("Credentials cleared", "reason", reason)
}

func (m *Manager) clearAll() error {
	return errors.Join(m.session.Clear(), m.persistent.Clear())
}
