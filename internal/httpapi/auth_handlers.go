package httpapi

import (
	"net/http"
	"strings"
	"time"

	"tradeguard.io/internal/audit"
	"tradeguard.io/internal/auth"
	"tradeguard.io/internal/obs"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	All          bool   `json:"all"`
}

type principalView struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

type loginResponse struct {
	auth.TokenPair
	User principalView `json:"user"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" {
		identifier = strings.TrimSpace(req.Email)
	}

	// lockout keys on the socket peer, forwarded headers are client-controlled
	pair, principal, err := a.tokens.Login(r.Context(), identifier, req.Password, remoteHost(r))
	if err != nil {
		code := auth.Code(err)
		obs.ObserveAuthFailure(code)
		_ = audit.LogEvent(r.Context(), "auth.login_failed", map[string]any{
			"code":      code,
			"client_ip": clientIP(r),
		})
		writeAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(auth.ContextWithPrincipal(r.Context(), principal), "auth.login", map[string]any{
		"role":       principal.Role,
		"expires_at": pair.AccessExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, loginResponse{
		TokenPair: pair,
		User:      viewPrincipal(principal),
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	pair, err := a.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		code := auth.Code(err)
		obs.ObserveAuthFailure(code)
		_ = audit.LogEvent(r.Context(), "auth.refresh_failed", map[string]any{"code": code})
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token_refreshed", map[string]any{
		"expires_at": pair.AccessExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout revokes one refresh token, or every token of the caller when
// all is set. Unknown tokens still yield 204.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	fields := map[string]any{"all": req.All}
	if req.All {
		n, err := a.tokens.RevokeAll(r.Context(), principal.ID)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		fields["revoked"] = n
	} else if err := a.tokens.Revoke(r.Context(), req.RefreshToken); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", fields)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user":             viewPrincipal(principal),
		"role_level":       auth.RoleRank(principal.Role),
		"role_permissions": a.engine.RolePermissions(principal.Role),
	})
}

func viewPrincipal(p auth.Principal) principalView {
	perms := p.Permissions
	if perms == nil {
		perms = []string{}
	}
	return principalView{ID: p.ID, Role: p.Role, Permissions: perms}
}
