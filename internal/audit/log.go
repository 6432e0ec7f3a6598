package audit

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"time"

	"tradeguard.io/internal/auth"
	"tradeguard.io/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// InternalErrorCode marks fallback lines written after a pipeline panic.
const InternalErrorCode = "AUDIT_INTERNAL_ERROR"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes a discrete security event (login, logout, lockout...)
// enriched with request, audit and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if ac, ok := FromContext(ctx); ok {
		entry["audit_id"] = ac.AuditID
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry["user_id"] = p.ID
	}
	if len(fields) > 0 {
		entry["fields"] = Sanitize(maps.Clone(fields))
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// writeFallback keeps an entry that could not reach the durable sink.
func writeFallback(reason string, e Entry) {
	line := map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"type":   "audit_fallback",
		"reason": reason,
		"entry":  e,
	}
	data, err := json.Marshal(line)
	if err != nil {
		obs.Error("audit_fallback_marshal", map[string]any{"audit_id": e.AuditID, "error": err.Error()})
		return
	}
	obs.Logger().Println(string(data))
}

// writeAlertFallback is writeFallback for alerts that never reached the store.
func writeAlertFallback(reason string, a Alert) {
	line := map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"type":   "alert_fallback",
		"reason": reason,
		"alert":  a,
	}
	data, err := json.Marshal(line)
	if err != nil {
		obs.Error("alert_fallback_marshal", map[string]any{"audit_id": a.AuditID, "error": err.Error()})
		return
	}
	obs.Logger().Println(string(data))
}
