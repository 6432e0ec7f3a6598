package auth

import (
	"errors"
	"strings"
	"time"
)

const (
	defaultAccessTTL         = 15 * time.Minute
	defaultRefreshTTL        = 7 * 24 * time.Hour
	defaultMaxFailedAttempts = 5
	defaultLockoutDuration   = 15 * time.Minute
	defaultIssuer            = "tradeguard"
)

// Manager issues and verifies tokens and tracks brute-force lockouts.
type Manager struct {
	tokens      TokenStore
	lockouts    LockoutStore
	credentials CredentialStore
	now         func() time.Time

	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration

	maxFailedAttempts int
	lockoutDuration   time.Duration
}

// Option configures Manager behavior.
type Option func(*Manager) error

// WithSecrets sets the HS256 secrets for access and refresh tokens.
func WithSecrets(access, refresh string) Option {
	return func(m *Manager) error {
		access = strings.TrimSpace(access)
		refresh = strings.TrimSpace(refresh)
		if access == "" || refresh == "" {
			return errors.New("auth: both access and refresh secrets are required")
		}
		if access == refresh {
			return errors.New("auth: access and refresh secrets must differ")
		}
		m.accessSecret = []byte(access)
		m.refreshSecret = []byte(refresh)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(m *Manager) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			m.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(m *Manager) error {
		if ttl > 0 {
			m.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(m *Manager) error {
		if ttl > 0 {
			m.refreshTTL = ttl
		}
		return nil
	}
}

// WithLockoutPolicy sets the failure threshold and the lockout window.
func WithLockoutPolicy(maxFailedAttempts int, window time.Duration) Option {
	return func(m *Manager) error {
		if maxFailedAttempts < 1 {
			return errors.New("auth: max failed attempts must be at least 1")
		}
		if window <= 0 {
			return errors.New("auth: lockout window must be positive")
		}
		m.maxFailedAttempts = maxFailedAttempts
		m.lockoutDuration = window
		return nil
	}
}

// WithTokenStore replaces the in-memory refresh token store.
func WithTokenStore(s TokenStore) Option {
	return func(m *Manager) error {
		if s != nil {
			m.tokens = s
		}
		return nil
	}
}

// WithLockoutStore replaces the in-memory lockout store.
func WithLockoutStore(s LockoutStore) Option {
	return func(m *Manager) error {
		if s != nil {
			m.lockouts = s
		}
		return nil
	}
}

// WithCredentialStore enables Login against the given identity store.
func WithCredentialStore(s CredentialStore) Option {
	return func(m *Manager) error {
		m.credentials = s
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// NewManager constructs a Manager. WithSecrets is mandatory.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		tokens:            NewMemoryTokenStore(),
		lockouts:          NewMemoryLockoutStore(),
		now:               time.Now,
		issuer:            defaultIssuer,
		accessTTL:         defaultAccessTTL,
		refreshTTL:        defaultRefreshTTL,
		maxFailedAttempts: defaultMaxFailedAttempts,
		lockoutDuration:   defaultLockoutDuration,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if len(m.accessSecret) == 0 {
		return nil, errors.New("auth: token secrets are not configured")
	}
	return m, nil
}

// MaxFailedAttempts returns the configured lockout threshold.
func (m *Manager) MaxFailedAttempts() int { return m.maxFailedAttempts }

// LockoutDuration returns the configured lockout window.
func (m *Manager) LockoutDuration() time.Duration { return m.lockoutDuration }
