package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"tradeguard.io/internal/audit"
	"tradeguard.io/internal/auth"
)

type auditStateKey struct{}

// auditState lets inner middleware report the verified principal to the
// audit middleware, which wraps them and cannot see their contexts.
type auditState struct {
	principal *auth.Principal
}

func markAuthenticated(ctx context.Context, p auth.Principal) {
	if st, ok := ctx.Value(auditStateKey{}).(*auditState); ok {
		st.principal = &p
	}
}

// Audit captures every request once the response is complete. It never
// rejects or delays the request.
func (a *API) Audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, ac := a.audit.Begin(r.Context(), r.Header.Get(audit.HeaderCorrelationID))
		st := &auditState{}
		ctx = context.WithValue(ctx, auditStateKey{}, st)
		r = r.WithContext(ctx)
		w.Header().Set(audit.HeaderCorrelationID, ac.CorrelationID)

		body := peekJSONBody(r)
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			rec := recover()
			status := sw.code
			if rec != nil {
				status = http.StatusInternalServerError
			}
			req := audit.Request{
				Method:      r.Method,
				Path:        r.URL.Path,
				OriginalURL: r.URL.RequestURI(),
				Header:      r.Header,
				Query:       queryMap(r.URL.Query()),
				Body:        body,
				Params:      pathParams(r),
				ClientIP:    clientIP(r),
				SessionID:   strings.TrimSpace(r.Header.Get("X-Session-Id")),
			}
			if st.principal != nil {
				req.UserID = st.principal.ID
				req.Role = st.principal.Role
			}
			a.audit.Capture(req, audit.Response{Status: status, Size: sw.bytes, Header: sw.Header()}, ac)
			if rec != nil {
				panic(rec)
			}
		}()
		next.ServeHTTP(sw, r)
	})
}

func queryMap(v url.Values) map[string]any {
	if len(v) == 0 {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, vals := range v {
		if len(vals) == 1 {
			out[k] = vals[0]
			continue
		}
		items := make([]any, len(vals))
		for i, s := range vals {
			items[i] = s
		}
		out[k] = items
	}
	return out
}
