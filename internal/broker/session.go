package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
)

// Session validity margins. The venue states a ~28 hour session lifetime; a
// full login keeps a one hour safety margin, and a refreshed session is
// shortened further so freshness is re-checked sooner after a refresh.
const (
	loginSessionTTL   = 27 * time.Hour
	refreshSessionTTL = 23 * time.Hour
	// expiryGuardBand keeps callers from racing a token that expires mid-request
	expiryGuardBand = 5 * time.Minute
)

// Session holds the venue tokens and their shared expiry. A Session is either
// fully populated or fully empty; no partial state survives a failed refresh.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	FeedToken    string    `json:"feed_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsZero reports whether the session holds no tokens.
func (s Session) IsZero() bool {
	return s.AccessToken == "" && s.RefreshToken == "" && s.FeedToken == ""
}

// SessionStore persists a session across process restarts. Implementations
// are best-effort: load and save failures never block authentication.
type SessionStore interface {
	LoadSession() (Session, error)
	SaveSession(Session) error
	ClearSession() error
}

// Credentials holds the static secrets used to establish a venue session.
type Credentials struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
}

// SessionManager owns the one mutable Session and serializes every
// authenticate/refresh attempt so concurrent callers never trigger duplicate
// logins.
type SessionManager struct {
	api    *SmartAPI
	creds  Credentials
	store  SessionStore // optional
	logger *logrus.Logger

	mu      sync.Mutex
	session Session

	// nowFunc is swapped in tests to control the clock
	nowFunc func() time.Time
}

// NewSessionManager creates a session manager over the given REST client.
// store may be nil to disable session caching.
func NewSessionManager(api *SmartAPI, creds Credentials, store SessionStore, logger *logrus.Logger) *SessionManager {
	m := &SessionManager{
		api:     api,
		creds:   creds,
		store:   store,
		logger:  logger,
		nowFunc: time.Now,
	}
	if store != nil {
		if cached, err := store.LoadSession(); err == nil && !cached.IsZero() {
			m.session = cached
			logger.WithField("expires_at", cached.ExpiresAt).Info("Loaded cached session")
		}
	}
	return m
}

// Session returns a copy of the current session.
func (m *SessionManager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Authenticate performs a full TOTP login and installs a fresh session.
func (m *SessionManager) Authenticate(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticateLocked(ctx)
}

func (m *SessionManager) authenticateLocked(ctx context.Context) (Session, error) {
	code, err := totp.GenerateCode(m.creds.TOTPSecret, m.nowFunc())
	if err != nil {
		return Session{}, NewAPIError(codeInternal, fmt.Sprintf("generating TOTP: %v", err))
	}

	data, err := m.api.Login(ctx, m.creds.ClientCode, m.creds.Password, code)
	if err != nil {
		m.logger.WithError(err).Error("Authentication failed")
		if _, ok := AsAPIError(err); ok {
			return Session{}, err
		}
		return Session{}, NewAPIError(codeInternal, fmt.Sprintf("authentication failed: %v", err))
	}

	m.session = Session{
		AccessToken:  data.JWTToken,
		RefreshToken: data.RefreshToken,
		FeedToken:    data.FeedToken,
		ExpiresAt:    m.nowFunc().Add(loginSessionTTL),
	}
	m.persistLocked()
	m.logger.WithField("expires_at", m.session.ExpiresAt).Info("Authenticated with venue")
	return m.session, nil
}

// Refresh exchanges the refresh token for a new access token. It returns
// false (never an error) when no refresh token is held or the venue rejects
// the exchange; that is a recoverable condition handled by EnsureValid.
func (m *SessionManager) Refresh(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *SessionManager) refreshLocked(ctx context.Context) bool {
	if m.session.RefreshToken == "" {
		m.logger.Warn("No refresh token available, need to re-authenticate")
		return false
	}

	data, err := m.api.GenerateTokens(ctx, m.session.AccessToken, m.session.RefreshToken)
	if err != nil {
		m.logger.WithError(err).Error("Token refresh failed")
		return false
	}

	next := m.session
	next.AccessToken = data.JWTToken
	if data.RefreshToken != "" {
		next.RefreshToken = data.RefreshToken
	}
	if data.FeedToken != "" {
		next.FeedToken = data.FeedToken
	}
	next.ExpiresAt = m.nowFunc().Add(refreshSessionTTL)
	m.session = next
	m.persistLocked()
	m.logger.Info("Refreshed session token")
	return true
}

// IsValid reports whether tokens are held and the expiry guard band has not
// been reached. It performs no I/O.
func (m *SessionManager) IsValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isValidLocked()
}

func (m *SessionManager) isValidLocked() bool {
	if m.session.AccessToken == "" || m.session.ExpiresAt.IsZero() {
		return false
	}
	return m.nowFunc().Before(m.session.ExpiresAt.Add(-expiryGuardBand))
}

// EnsureValid is the sole recovery path from expiry and transient refresh
// failures: cheap validity check first, then refresh, then a full login.
// Concurrent callers serialize on the session mutex; whoever loses the race
// sees the winner's fresh session on the fast path.
func (m *SessionManager) EnsureValid(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isValidLocked() {
		return true
	}

	m.logger.Info("Session expired or expiring soon, attempting refresh")
	if m.refreshLocked(ctx) {
		return true
	}

	m.logger.Info("Token refresh failed, re-authenticating")
	if _, err := m.authenticateLocked(ctx); err != nil {
		m.logger.WithError(err).Error("Re-authentication failed")
		return false
	}
	return true
}

// Invalidate clears the session, both in memory and in the cache.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = Session{}
	if m.store != nil {
		if err := m.store.ClearSession(); err != nil {
			m.logger.WithError(err).Warn("Failed to clear cached session")
		}
	}
}

func (m *SessionManager) persistLocked() {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSession(m.session); err != nil {
		m.logger.WithError(err).Warn("Failed to persist session")
	}
}
