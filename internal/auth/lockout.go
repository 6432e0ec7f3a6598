package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"tradeguard.io/internal/obs"
)

// RecordFailure counts a failed authentication for identifier (a principal id,
// login name, or client IP for pre-auth attempts).
func (m *Manager) RecordFailure(ctx context.Context, identifier string) (LockoutRecord, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return LockoutRecord{}, ErrInvalidInput
	}
	rec, err := m.lockouts.Increment(ctx, identifier, m.now(), m.lockoutDuration)
	if err != nil {
		return LockoutRecord{}, err
	}
	if rec.FailedCount == m.maxFailedAttempts {
		obs.ObserveLockout()
		obs.Warn("auth_lockout", map[string]any{
			"identifier": maskIdentifier(identifier),
			"attempts":   rec.FailedCount,
			"until":      rec.LastAttemptAt.Add(m.lockoutDuration).UTC(),
		})
	}
	return rec, nil
}

// ClearFailures forgets all failures for identifier.
func (m *Manager) ClearFailures(ctx context.Context, identifier string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil
	}
	return m.lockouts.Delete(ctx, identifier)
}

// IsLockedOut reports whether identifier is inside an active lockout window.
// A record whose window has elapsed is cleared as a side effect.
func (m *Manager) IsLockedOut(ctx context.Context, identifier string) (bool, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return false, nil
	}
	rec, ok, err := m.lockouts.Get(ctx, identifier)
	if err != nil || !ok {
		return false, err
	}
	if m.now().Sub(rec.LastAttemptAt) >= m.lockoutDuration {
		return false, m.lockouts.Delete(ctx, identifier)
	}
	return rec.FailedCount >= m.maxFailedAttempts, nil
}

// maskIdentifier hides identifiers in logs while keeping them correlatable.
func maskIdentifier(id string) string {
	hash := sha256.Sum256([]byte(id))
	return "hash:" + hex.EncodeToString(hash[:])[:12]
}
