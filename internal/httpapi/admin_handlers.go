package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"tradeguard.io/internal/audit"
	"tradeguard.io/internal/auth"
)

type createUserRequest struct {
	Email       string   `json:"email"`
	Password    string   `json:"password"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

const minPasswordLen = 8

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if a.users == nil {
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "user directory not configured")
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Role = strings.ToLower(strings.TrimSpace(req.Role))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "valid email is required")
		return
	}
	if len(req.Password) < minPasswordLen {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "password must be at least 8 characters")
		return
	}
	if auth.RoleRank(req.Role) == 0 {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "unknown role")
		return
	}

	// нельзя выдать роль выше собственной
	uc, _ := auth.UserContextFromContext(r.Context())
	if uc == nil || !a.engine.HasRoleLevel(uc.Role, req.Role) {
		writeError(w, r, http.StatusForbidden, auth.CodeInsufficientRole, "cannot grant a role above your own")
		return
	}
	for _, perm := range req.Permissions {
		if !uc.CanGrant(perm) {
			writeError(w, r, http.StatusForbidden, auth.CodeInsufficientPermission, "cannot grant permission "+strings.TrimSpace(perm))
			return
		}
	}

	id, err := a.users.CreateUser(r.Context(), req.Email, req.Password, req.Role, req.Permissions)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		case errors.Is(err, auth.ErrConflict):
			writeError(w, r, http.StatusConflict, codeConflict, "user already exists")
		default:
			writeError(w, r, http.StatusInternalServerError, codeInternal, "create user failed")
		}
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.user_created", map[string]any{
		"target_user": id,
		"role":        req.Role,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "role": req.Role})
}

// handleDisableUser disables the account and revokes its refresh tokens.
func (a *API) handleDisableUser(w http.ResponseWriter, r *http.Request) {
	if a.users == nil {
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "user directory not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := a.users.SetStatus(r.Context(), id, auth.UserStatusDisabled); err != nil {
		switch {
		case errors.Is(err, auth.ErrNotFound):
			notFound(w, r)
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, codeInternal, "disable user failed")
		}
		return
	}
	revoked, err := a.tokens.RevokeAll(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "revoke tokens failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.user_disabled", map[string]any{
		"target_user": id,
		"revoked":     revoked,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"status":  auth.UserStatusDisabled,
		"revoked": revoked,
	})
}
