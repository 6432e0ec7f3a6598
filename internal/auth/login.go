package auth

import (
	"context"
	"errors"
	"strings"
)

// Login checks credentials against the configured CredentialStore. While the
// identifier, its principal or the client IP is locked out the attempt is
// refused with ErrAccountLocked before the password is even looked at.
// clientIP must be the transport peer, never a client-supplied header.
// A successful login clears all three counters.
func (m *Manager) Login(ctx context.Context, identifier, password, clientIP string) (TokenPair, Principal, error) {
	if m.credentials == nil {
		return TokenPair{}, Principal{}, errors.New("auth: credential store is not configured")
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}

	if locked, err := m.anyLocked(ctx, identifier, clientIP); err != nil || locked {
		if err != nil {
			return TokenPair{}, Principal{}, err
		}
		return TokenPair{}, Principal{}, ErrAccountLocked
	}

	cred, err := m.credentials.FindCredential(ctx, identifier)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, err
		}
		burnPasswordCheck(password)
		return TokenPair{}, Principal{}, m.fail(ctx, identifier, clientIP)
	}

	if cred.PrincipalID != identifier {
		locked, err := m.IsLockedOut(ctx, cred.PrincipalID)
		if err != nil {
			return TokenPair{}, Principal{}, err
		}
		if locked {
			return TokenPair{}, Principal{}, ErrAccountLocked
		}
	}

	if cred.Disabled || VerifyPassword(cred.PasswordHash, password) != nil {
		return TokenPair{}, Principal{}, m.fail(ctx, identifier, clientIP, cred.PrincipalID)
	}

	for _, id := range uniq(identifier, cred.PrincipalID, clientIP) {
		if err := m.ClearFailures(ctx, id); err != nil {
			return TokenPair{}, Principal{}, err
		}
	}

	principal := Principal{ID: cred.PrincipalID, Role: cred.Role, Permissions: cred.Permissions}
	pair, err := m.Issue(ctx, principal)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

func (m *Manager) anyLocked(ctx context.Context, identifiers ...string) (bool, error) {
	for _, id := range identifiers {
		locked, err := m.IsLockedOut(ctx, id)
		if err != nil {
			return false, err
		}
		if locked {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) fail(ctx context.Context, identifiers ...string) error {
	for _, id := range uniq(identifiers...) {
		if _, err := m.RecordFailure(ctx, id); err != nil {
			return err
		}
	}
	return ErrInvalidCredentials
}

func uniq(values ...string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
