package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tradeguard.io/internal/ids"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the JWT payload shared by access and refresh tokens.
type Claims struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	Type        string   `json:"type"`
	jwt.RegisteredClaims
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Issue signs a fresh access/refresh pair and registers the refresh token.
func (m *Manager) Issue(ctx context.Context, p Principal) (TokenPair, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return TokenPair{}, fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}
	now := m.now().UTC()
	accessExp := now.Add(m.accessTTL)
	refreshExp := now.Add(m.refreshTTL)

	access, err := m.sign(p, TokenTypeAccess, now, accessExp, m.accessSecret)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(p, TokenTypeRefresh, now, refreshExp, m.refreshSecret)
	if err != nil {
		return TokenPair{}, err
	}
	rec := RefreshRecord{
		Key:         tokenKey(refresh),
		PrincipalID: p.ID,
		Role:        p.Role,
		Permissions: slices.Clone(p.Permissions),
		IssuedAt:    now,
		ExpiresAt:   refreshExp,
	}
	if err := m.tokens.Save(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Verify checks an access token and returns its principal. The lockout check
// runs only after the signature is proven, so garbage tokens reveal nothing.
func (m *Manager) Verify(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	claims, err := m.parse(token, m.accessSecret, true)
	if err != nil {
		return Principal{}, err
	}
	if claims.Type != TokenTypeAccess {
		return Principal{}, ErrMalformedToken
	}
	locked, err := m.IsLockedOut(ctx, claims.Subject)
	if err != nil {
		return Principal{}, err
	}
	if locked {
		return Principal{}, ErrAccountLocked
	}
	return Principal{
		ID:          claims.Subject,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}, nil
}

// Refresh consumes a refresh token and issues a replacement pair. The old
// token is deleted before the new pair is minted so it can never be replayed.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, ErrRefreshMissing
	}
	if _, err := m.parse(refreshToken, m.refreshSecret, false); err != nil {
		return TokenPair{}, ErrRefreshNotFound
	}
	key := tokenKey(refreshToken)
	rec, err := m.tokens.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrRefreshNotFound
		}
		return TokenPair{}, err
	}
	deleted, err := m.tokens.Delete(ctx, key)
	if err != nil {
		return TokenPair{}, err
	}
	if !deleted {
		// A concurrent refresh won the race.
		return TokenPair{}, ErrRefreshNotFound
	}
	if !m.now().Before(rec.ExpiresAt) {
		return TokenPair{}, ErrRefreshExpired
	}
	locked, err := m.IsLockedOut(ctx, rec.PrincipalID)
	if err != nil {
		return TokenPair{}, err
	}
	if locked {
		return TokenPair{}, ErrAccountLocked
	}
	return m.Issue(ctx, Principal{ID: rec.PrincipalID, Role: rec.Role, Permissions: rec.Permissions})
}

// Revoke deletes a single refresh token. Unknown tokens are not an error.
func (m *Manager) Revoke(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrRefreshMissing
	}
	_, err := m.tokens.Delete(ctx, tokenKey(refreshToken))
	return err
}

// RevokeAll deletes every outstanding refresh token for the principal.
func (m *Manager) RevokeAll(ctx context.Context, principalID string) (int, error) {
	return m.tokens.DeleteByPrincipal(ctx, principalID)
}

func (m *Manager) sign(p Principal, typ string, now, exp time.Time, secret []byte) (string, error) {
	claims := Claims{
		Role:        p.Role,
		Permissions: p.Permissions,
		Type:        typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.New(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, nil
}

func (m *Manager) parse(token string, secret []byte, validateClaims bool) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if validateClaims {
		opts = append(opts, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired(), jwt.WithIssuedAt())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrMalformedToken
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrMalformedToken
	}
	return claims, nil
}

func tokenKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
