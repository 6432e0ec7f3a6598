package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"tradeguard.io/internal/auth"
	"tradeguard.io/internal/obs"
)

// Authorize enforces policy for the principal set by Authenticate. The
// resource used for ownership checks is the JSON body merged with the query
// string and path parameters, later sources winning.
func (a *API) Authorize(policy auth.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return Recover(auth.CodeRBACInternal)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var principal *auth.Principal
			if p, ok := auth.PrincipalFromContext(r.Context()); ok {
				principal = &p
			}
			var resource map[string]any
			if policy.ResourceType != "" {
				resource = resourceFromRequest(r)
			}
			d := a.engine.Authorize(principal, policy, resource)
			if !d.Allowed {
				obs.ObserveAuthFailure(d.Code)
				writeError(w, r, d.Status, d.Code, d.Reason)
				return
			}
			ctx := auth.ContextWithUserContext(r.Context(), a.engine.UserContext(*principal))
			next.ServeHTTP(w, r.WithContext(ctx))
		}))
	}
}

func resourceFromRequest(r *http.Request) map[string]any {
	resource := peekJSONBody(r)
	if resource == nil {
		resource = map[string]any{}
	}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			resource[k] = v[0]
		}
	}
	maps.Copy(resource, pathParams(r))
	return resource
}

func pathParams(r *http.Request) map[string]any {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	out := make(map[string]any, len(rctx.URLParams.Keys))
	for i, k := range rctx.URLParams.Keys {
		if k == "*" || i >= len(rctx.URLParams.Values) {
			continue
		}
		out[k] = rctx.URLParams.Values[i]
	}
	return out
}

// peekJSONBody decodes a JSON object body and rewinds r.Body for the handler.
func peekJSONBody(r *http.Request) map[string]any {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 {
		return nil
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	return body
}
