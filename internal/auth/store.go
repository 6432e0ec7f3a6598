package auth

import (
	"context"
	"time"
)

// RefreshRecord is the server-side state of an outstanding refresh token.
type RefreshRecord struct {
	Key         string // sha256 of the opaque token
	PrincipalID string
	Role        string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// LockoutRecord tracks consecutive authentication failures for an identifier.
type LockoutRecord struct {
	Identifier    string
	FailedCount   int
	LastAttemptAt time.Time
}

// Credential is what the external identity store knows about a login identifier.
type Credential struct {
	PrincipalID  string
	Identifier   string
	PasswordHash string
	Role         string
	Permissions  []string
	Disabled     bool
}

// TokenStore keeps refresh tokens so they can be rotated and revoked.
type TokenStore interface {
	Save(ctx context.Context, rec RefreshRecord) error
	// Get returns ErrNotFound when the key is unknown.
	Get(ctx context.Context, key string) (RefreshRecord, error)
	// Delete reports whether this call removed the record. Exactly one of
	// several concurrent callers observes true.
	Delete(ctx context.Context, key string) (bool, error)
	DeleteByPrincipal(ctx context.Context, principalID string) (int, error)
}

// LockoutStore keeps failed-attempt counters.
type LockoutStore interface {
	// Get returns ok=false when there is no record.
	Get(ctx context.Context, identifier string) (LockoutRecord, bool, error)
	// Increment bumps the counter. A record whose last attempt is older than
	// window is restarted from zero before incrementing.
	Increment(ctx context.Context, identifier string, at time.Time, window time.Duration) (LockoutRecord, error)
	Delete(ctx context.Context, identifier string) error
}

// CredentialStore resolves login identifiers. Returns ErrNotFound for unknown identifiers.
type CredentialStore interface {
	FindCredential(ctx context.Context, identifier string) (Credential, error)
}
