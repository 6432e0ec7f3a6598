package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"tradeguard.io/internal/audit"
	"tradeguard.io/internal/auth"
)

const (
	codeBadRequest  = "BAD_REQUEST"
	codeNotFound    = "NOT_FOUND"
	codeInternal    = "INTERNAL_ERROR"
	codeRateLimited = "RATE_LIMITED"
	codeUnavailable = "SERVICE_UNAVAILABLE"
	codeNotAllowed  = "METHOD_NOT_ALLOWED"
	codeConflict    = "CONFLICT"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the error envelope and exposes the code in a header so
// the audit layer can flag RBAC denials.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	w.Header().Set(audit.HeaderErrorCode, code)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="tradeguard"`)
	}
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// writeAuthError maps an auth error onto status, code and message.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	ae := auth.AsError(err)
	msg := "authentication failed"
	switch ae.Code {
	case auth.CodeMissingToken:
		msg = "missing bearer token"
	case auth.CodeInvalidToken:
		msg = "invalid token"
	case auth.CodeTokenExpired:
		msg = "token expired"
	case auth.CodeAccountLocked:
		msg = "account temporarily locked"
	case auth.CodeRefreshMissing:
		msg = "refresh token is required"
	case auth.CodeRefreshInvalid:
		msg = "refresh token is invalid"
	case auth.CodeRefreshExpired:
		msg = "refresh token expired"
	case auth.CodeInvalidCredentials:
		msg = "invalid credentials"
	case auth.CodeAuthInternal:
		msg = "authentication error"
	}
	writeError(w, r, ae.Status, ae.Code, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, codeNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, codeNotFound, "not found")
}

func parseNonNegativeInt(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}
