package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tradeguard.io/internal/audit"
	"tradeguard.io/internal/auth"
)

const testPassword = "correct horse battery"

type fakeDirectory struct {
	mu       sync.Mutex
	created  []string
	statuses map[string]string
}

func (d *fakeDirectory) CreateUser(_ context.Context, email, _, role string, _ []string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = append(d.created, email+"/"+role)
	return "u-new", nil
}

func (d *fakeDirectory) SetStatus(_ context.Context, userID, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if userID == "missing" {
		return auth.ErrNotFound
	}
	if d.statuses == nil {
		d.statuses = map[string]string{}
	}
	d.statuses[userID] = status
	return nil
}

func (d *fakeDirectory) createdCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.created)
}

func (d *fakeDirectory) status(userID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statuses[userID]
}

type testEnv struct {
	t        *testing.T
	srv      *httptest.Server
	handler  http.Handler
	tokens   *auth.Manager
	pipeline *audit.Pipeline
	store    *audit.MemoryStore
	alerts   *audit.AlertStream
	users    *fakeDirectory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	creds := auth.NewMemoryCredentialStore()
	creds.Put(auth.Credential{PrincipalID: "u-42", Identifier: "trader@example.com", PasswordHash: hash, Role: auth.RoleTrader})

	tokens, err := auth.NewManager(
		auth.WithSecrets("test-access-secret", "test-refresh-secret"),
		auth.WithCredentialStore(creds),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	engine, err := auth.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	store := audit.NewMemoryStore()
	alerts := audit.NewAlertStream()
	pipeline, err := audit.NewPipeline(
		audit.WithStore(store),
		audit.WithAlerter(audit.MultiAlerter{audit.LogAlerter{}, alerts}),
	)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	users := &fakeDirectory{}

	api, err := New(Deps{
		Tokens:  tokens,
		Engine:  engine,
		Audit:   pipeline,
		Alerts:  alerts,
		Users:   users,
		Limiter: NewRateLimiter(1000, 1000),
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handler := api.Handler()
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		_ = pipeline.Close(context.Background())
	})

	return &testEnv{t: t, srv: srv, handler: handler, tokens: tokens, pipeline: pipeline, store: store, alerts: alerts, users: users}
}

func (e *testEnv) token(id, role string) string {
	e.t.Helper()
	pair, err := e.tokens.Issue(context.Background(), auth.Principal{ID: id, Role: role})
	if err != nil {
		e.t.Fatalf("Issue: %v", err)
	}
	return pair.AccessToken
}

func (e *testEnv) do(method, path string, body any, token string) *http.Response {
	e.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, payload)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("User-Agent", "tradeguard-test/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// drain flushes pending audit writes and returns everything persisted.
func (e *testEnv) drain() []audit.Entry {
	e.t.Helper()
	if err := e.pipeline.Close(context.Background()); err != nil {
		e.t.Fatalf("Close: %v", err)
	}
	entries, err := e.store.Query(context.Background(), audit.Filter{}, audit.MaxQueryLimit, 0)
	if err != nil {
		e.t.Fatalf("Query: %v", err)
	}
	return entries
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	var body errorResponse
	decodeBody(t, resp, &body)
	if body.Code != code {
		t.Fatalf("code = %q, want %q", body.Code, code)
	}
	if body.Error == "" || body.RequestID == "" {
		t.Fatalf("incomplete error body: %+v", body)
	}
	if got := resp.Header.Get(audit.HeaderErrorCode); got != code {
		t.Fatalf("%s = %q", audit.HeaderErrorCode, got)
	}
}

func TestHealthAndInfo(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/healthz", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	var health map[string]any
	decodeBody(t, resp, &health)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected health body %v", health)
	}

	if resp := env.do(http.MethodGet, "/readyz", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status %d", resp.StatusCode)
	}
	if resp := env.do(http.MethodGet, "/api/v1/info", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("info status %d", resp.StatusCode)
	}
	if resp := env.do(http.MethodGet, "/nope", nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown route status %d", resp.StatusCode)
	}
}

func TestUnauthenticatedAdminDeleteIsAudited(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodDelete, "/api/v1/admin/users/5", nil, "")
	expectError(t, resp, http.StatusUnauthorized, auth.CodeMissingToken)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("missing WWW-Authenticate")
	}
	if resp.Header.Get(audit.HeaderCorrelationID) == "" {
		t.Fatal("missing correlation id header")
	}

	entries := env.drain()
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != audit.LevelCritical || e.RiskScore < 5 {
		t.Fatalf("level=%s score=%d", e.Level, e.RiskScore)
	}
	for _, f := range []string{audit.FlagUnauthenticated, audit.FlagAuthFailure, audit.FlagDestructiveAction, audit.FlagSensitiveEndpoint} {
		if !e.HasSecurityFlag(f) {
			t.Fatalf("missing flag %s: %v", f, e.SecurityFlags)
		}
	}
	if e.UserID != audit.AnonymousUser || e.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.Params["id"] != "5" {
		t.Fatalf("path params not captured: %v", e.Params)
	}
}

func TestTraderPlacesOwnTrade(t *testing.T) {
	env := newTestEnv(t)
	token := env.token("u-42", auth.RoleTrader)

	resp := env.do(http.MethodPost, "/api/v1/trade", map[string]any{
		"userId": "u-42", "symbol": "aapl", "side": "buy", "quantity": 10,
	}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var trade map[string]any
	decodeBody(t, resp, &trade)
	if trade["symbol"] != "AAPL" || trade["trade_id"] == "" {
		t.Fatalf("unexpected trade %v", trade)
	}

	entries := env.drain()
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != audit.LevelHigh || e.UserID != "u-42" || e.Role != auth.RoleTrader {
		t.Fatalf("unexpected entry %+v", e)
	}
	for _, f := range e.SecurityFlags {
		if len(f) > 5 && f[:5] == "RBAC_" {
			t.Fatalf("unexpected RBAC flag %s", f)
		}
	}
	if e.HasSecurityFlag(audit.FlagUnauthenticated) {
		t.Fatalf("authenticated request flagged: %v", e.SecurityFlags)
	}
}

func TestAuthorizationDenials(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		role   string
		status int
		code   string
	}{
		{"trade for someone else", http.MethodPost, "/api/v1/trade", map[string]any{"userId": "u-7", "symbol": "X", "side": "buy", "quantity": 1}, auth.RoleTrader, http.StatusForbidden, auth.CodeResourceDenied},
		{"user cannot trade", http.MethodPost, "/api/v1/trade", map[string]any{"userId": "u-42", "symbol": "X", "side": "buy", "quantity": 1}, auth.RoleUser, http.StatusForbidden, auth.CodeInsufficientRole},
		{"user lacks analytics permission", http.MethodGet, "/api/v1/analytics/u-42", nil, auth.RoleUser, http.StatusForbidden, auth.CodeInsufficientPermission},
		{"admin reads foreign portfolio", http.MethodGet, "/api/v1/portfolio/u-7", nil, auth.RoleAdmin, http.StatusForbidden, auth.CodeResourceDenied},
		{"trader reads audit log", http.MethodGet, "/api/v1/audit/logs", nil, auth.RoleTrader, http.StatusForbidden, auth.CodeInsufficientRole},
	}
	for _, tc := range cases {
		t.Log(tc.name)
		resp := env.do(tc.method, tc.path, tc.body, env.token("u-42", tc.role))
		expectError(t, resp, tc.status, tc.code)
	}

	entries := env.drain()
	var denied int
	for _, e := range entries {
		if e.HasSecurityFlag(audit.FlagAccessDenied) {
			denied++
		}
	}
	if denied != len(cases) {
		t.Fatalf("expected %d ACCESS_DENIED entries, got %d", len(cases), denied)
	}
	for _, e := range entries {
		if e.Path == "/api/v1/portfolio/u-7" && !e.HasSecurityFlag(auth.CodeResourceDenied) {
			t.Fatalf("RBAC code not flagged: %v", e.SecurityFlags)
		}
	}
}

func TestOwnershipAndOverrides(t *testing.T) {
	env := newTestEnv(t)

	if resp := env.do(http.MethodGet, "/api/v1/portfolio/u-42", nil, env.token("u-42", auth.RoleUser)); resp.StatusCode != http.StatusOK {
		t.Fatalf("owner portfolio status %d", resp.StatusCode)
	}
	if resp := env.do(http.MethodGet, "/api/v1/portfolio/u-7", nil, env.token("root", auth.RoleSuperAdmin)); resp.StatusCode != http.StatusOK {
		t.Fatalf("superadmin portfolio status %d", resp.StatusCode)
	}
	if resp := env.do(http.MethodGet, "/api/v1/analytics/u-7", nil, env.token("a-1", auth.RoleAnalyst)); resp.StatusCode != http.StatusOK {
		t.Fatalf("analyst analytics status %d", resp.StatusCode)
	}
	if resp := env.do(http.MethodGet, "/api/v1/compliance/reports/u-7", nil, env.token("adm", auth.RoleAdmin)); resp.StatusCode != http.StatusOK {
		t.Fatalf("admin compliance status %d", resp.StatusCode)
	}
	resp := env.do(http.MethodGet, "/api/v1/compliance/reports/u-7", nil, env.token("a-1", auth.RoleAnalyst))
	expectError(t, resp, http.StatusForbidden, auth.CodeResourceDenied)
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/api/v1/market/quotes", nil, "not-a-jwt")
	expectError(t, resp, http.StatusUnauthorized, auth.CodeInvalidToken)

	pair, err := env.tokens.Issue(context.Background(), auth.Principal{ID: "u-1", Role: auth.RoleUser})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	resp = env.do(http.MethodGet, "/api/v1/market/quotes", nil, pair.RefreshToken)
	expectError(t, resp, http.StatusUnauthorized, auth.CodeInvalidToken)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/market/quotes", nil)
	req.Header.Set("Authorization", "Token "+pair.AccessToken)
	raw, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer raw.Body.Close()
	expectError(t, raw, http.StatusUnauthorized, auth.CodeInvalidToken)

	if resp := env.do(http.MethodGet, "/api/v1/market/quotes", nil, pair.AccessToken); resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token status %d", resp.StatusCode)
	}
}

// loginFrom posts a login as if it came from the given socket peer.
func (e *testEnv) loginFrom(peer, forwardedFor, identifier, password string) *http.Response {
	e.t.Helper()
	raw, _ := json.Marshal(map[string]any{"identifier": identifier, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(raw))
	req.RemoteAddr = peer
	req.Header.Set("Content-Type", "application/json")
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec.Result()
}

func TestForwardedForCannotDriveIPLockout(t *testing.T) {
	env := newTestEnv(t)
	const spoofed = "203.0.113.7"

	for range 5 {
		resp := env.loginFrom("198.51.100.9:5000", spoofed, "nobody@example.com", "wrong")
		expectError(t, resp, http.StatusUnauthorized, auth.CodeInvalidCredentials)
	}

	// the victim shares the forged header but not the peer
	resp := env.loginFrom("192.0.2.10:6000", spoofed, "trader@example.com", testPassword)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("spoofed forwarded-for locked out another client: status %d", resp.StatusCode)
	}

	// rotating the header does not escape the attacker's own lockout
	resp = env.loginFrom("198.51.100.9:5001", "203.0.113.99", "someone@example.com", "wrong")
	expectError(t, resp, http.StatusForbidden, auth.CodeAccountLocked)
}

func TestLoginLockoutOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	creds := map[string]any{"identifier": "trader@example.com", "password": "wrong"}

	for i := 0; i < 5; i++ {
		resp := env.do(http.MethodPost, "/api/v1/auth/login", creds, "")
		expectError(t, resp, http.StatusUnauthorized, auth.CodeInvalidCredentials)
	}

	creds["password"] = testPassword
	resp := env.do(http.MethodPost, "/api/v1/auth/login", creds, "")
	expectError(t, resp, http.StatusForbidden, auth.CodeAccountLocked)

	entries := env.drain()
	for _, e := range entries {
		if pw, ok := e.Body["password"]; ok && pw != audit.Redacted {
			t.Fatalf("password leaked into audit log: %v", e.Body)
		}
	}
}

func TestLoginRefreshLogout(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/api/v1/auth/login", map[string]any{
		"email": "trader@example.com", "password": testPassword,
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var login loginResponse
	decodeBody(t, resp, &login)
	if login.User.ID != "u-42" || login.User.Role != auth.RoleTrader || login.AccessToken == "" {
		t.Fatalf("unexpected login response %+v", login)
	}

	resp = env.do(http.MethodGet, "/api/v1/auth/me", nil, login.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status %d", resp.StatusCode)
	}

	resp = env.do(http.MethodPost, "/api/v1/auth/refresh", map[string]any{"refresh_token": login.RefreshToken}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d", resp.StatusCode)
	}
	var rotated auth.TokenPair
	decodeBody(t, resp, &rotated)

	resp = env.do(http.MethodPost, "/api/v1/auth/refresh", map[string]any{"refresh_token": login.RefreshToken}, "")
	expectError(t, resp, http.StatusUnauthorized, auth.CodeRefreshInvalid)

	resp = env.do(http.MethodPost, "/api/v1/auth/logout", map[string]any{"refresh_token": rotated.RefreshToken}, rotated.AccessToken)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status %d", resp.StatusCode)
	}
	resp = env.do(http.MethodPost, "/api/v1/auth/refresh", map[string]any{"refresh_token": rotated.RefreshToken}, "")
	expectError(t, resp, http.StatusUnauthorized, auth.CodeRefreshInvalid)

	resp = env.do(http.MethodPost, "/api/v1/auth/refresh", map[string]any{"refresh_token": ""}, "")
	expectError(t, resp, http.StatusUnauthorized, auth.CodeRefreshMissing)
}

func TestAdminUserManagement(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token("adm", auth.RoleAdmin)

	resp := env.do(http.MethodPost, "/api/v1/admin/users", map[string]any{
		"email": "new@example.com", "password": "long-enough", "role": "trader",
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d", resp.StatusCode)
	}

	resp = env.do(http.MethodPost, "/api/v1/admin/users", map[string]any{
		"email": "boss@example.com", "password": "long-enough", "role": "superadmin",
	}, admin)
	expectError(t, resp, http.StatusForbidden, auth.CodeInsufficientRole)

	if _, err := env.tokens.Issue(context.Background(), auth.Principal{ID: "u-9", Role: auth.RoleUser}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	resp = env.do(http.MethodDelete, "/api/v1/admin/users/u-9", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status %d", resp.StatusCode)
	}
	var out map[string]any
	decodeBody(t, resp, &out)
	if out["revoked"] != float64(1) || env.users.status("u-9") != auth.UserStatusDisabled {
		t.Fatalf("unexpected disable result %v", out)
	}

	resp = env.do(http.MethodDelete, "/api/v1/admin/users/missing", nil, admin)
	expectError(t, resp, http.StatusNotFound, codeNotFound)

	entries := env.drain()
	var deletions int
	for _, e := range entries {
		for _, f := range e.ComplianceFlags {
			if f == audit.FlagUserDeletion {
				deletions++
			}
		}
	}
	if deletions != 2 {
		t.Fatalf("expected 2 USER_DELETION entries, got %d", deletions)
	}
}

func TestAdminCannotGrantPermissionsAboveOwn(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token("adm", auth.RoleAdmin)

	for _, perms := range [][]string{{"*"}, {"approve:compliance"}, {"read:portfolio", "approve:*"}} {
		resp := env.do(http.MethodPost, "/api/v1/admin/users", map[string]any{
			"email": "esc@example.com", "password": "long-enough", "role": "user", "permissions": perms,
		}, admin)
		expectError(t, resp, http.StatusForbidden, auth.CodeInsufficientPermission)
	}
	if n := env.users.createdCount(); n != 0 {
		t.Fatalf("no account should be created, got %d", n)
	}

	resp := env.do(http.MethodPost, "/api/v1/admin/users", map[string]any{
		"email": "analyst@example.com", "password": "long-enough", "role": "user", "permissions": []string{"read:portfolio"},
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("grant of a held permission: status %d", resp.StatusCode)
	}

	root := env.token("root", auth.RoleSuperAdmin)
	resp = env.do(http.MethodPost, "/api/v1/admin/users", map[string]any{
		"email": "ops@example.com", "password": "long-enough", "role": "admin", "permissions": []string{"*"},
	}, root)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("superadmin grant of *: status %d", resp.StatusCode)
	}
}

func TestAuditEndpoints(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token("adm", auth.RoleAdmin)

	env.do(http.MethodDelete, "/api/v1/admin/users/5", nil, "")
	waitFor(t, func() bool { return env.store.Len() >= 1 })

	resp := env.do(http.MethodGet, "/api/v1/audit/logs?min_risk=5&flag=unauthenticated&limit=5000", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs status %d", resp.StatusCode)
	}
	var page auditLogsResponse
	decodeBody(t, resp, &page)
	if page.Total != 1 || page.Limit != audit.MaxQueryLimit || page.Logs[0].Path != "/api/v1/admin/users/5" {
		t.Fatalf("unexpected page %+v", page)
	}

	resp = env.do(http.MethodGet, "/api/v1/audit/logs?start=yesterday", nil, admin)
	expectError(t, resp, http.StatusBadRequest, codeBadRequest)

	for _, id := range []string{"6", "7"} {
		env.do(http.MethodDelete, "/api/v1/admin/users/"+id, nil, "")
	}
	waitFor(t, func() bool {
		n, _ := env.pipeline.Count(context.Background(), audit.Filter{SecurityFlag: audit.FlagUnauthenticated})
		return n >= 3
	})
	resp = env.do(http.MethodGet, "/api/v1/audit/logs?min_risk=5&flag=unauthenticated&limit=1", nil, admin)
	page = auditLogsResponse{}
	decodeBody(t, resp, &page)
	if len(page.Logs) != 1 || page.Total != 3 {
		t.Fatalf("total should count every match, not the page: %+v", page)
	}

	waitFor(t, func() bool {
		alerts, _ := env.pipeline.Alerts(context.Background(), 10)
		return len(alerts) >= 1
	})
	resp = env.do(http.MethodGet, "/api/v1/audit/alerts", nil, admin)
	var alerts struct {
		Alerts []audit.Alert `json:"alerts"`
	}
	decodeBody(t, resp, &alerts)
	if len(alerts.Alerts) == 0 || alerts.Alerts[0].AlertType != audit.AlertHighRisk {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
}
