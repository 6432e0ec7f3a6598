package httpapi

import (
	"net/http"
	"strings"

	"tradeguard.io/internal/audit"
	"tradeguard.io/internal/auth"
	"tradeguard.io/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Authenticate verifies the bearer token and attaches the principal.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return Recover(auth.CodeAuthInternal)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			a.rejectAuth(w, r, err)
			return
		}
		principal, err := a.tokens.Verify(r.Context(), token)
		if err != nil {
			a.rejectAuth(w, r, err)
			return
		}

		markAuthenticated(r.Context(), principal)
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	}))
}

func (a *API) rejectAuth(w http.ResponseWriter, r *http.Request, err error) {
	code := auth.Code(err)
	obs.ObserveAuthFailure(code)
	if code == auth.CodeAuthInternal {
		obs.Error("authentication_error", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
	}
	if code == auth.CodeAccountLocked {
		_ = audit.LogEvent(r.Context(), "auth.locked_token_rejected", map[string]any{"path": r.URL.Path})
	}
	writeAuthError(w, r, err)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" || strings.EqualFold(header, strings.TrimSpace(bearer)) {
		return "", auth.ErrMissingToken
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", auth.ErrMalformedToken
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", auth.ErrMissingToken
	}
	return token, nil
}
