package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/api/v1/portfolio/user-42":         "/api/v1/portfolio/:id",
		"/api/v1/admin/users/5":             "/api/v1/admin/users/:id",
		"/api/v1/audit/logs?limit=10":       "/api/v1/audit/logs",
		"/api/v1/trade":                     "/api/v1/trade",
		"/api/v1/users/01HZX3J5/portfolio":  "/api/v1/users/:id/portfolio",
		"/api/v2/analytics/summary":         "/api/v2/analytics/summary",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestLogMergesFields(t *testing.T) {
	l := Logger()
	original := l.Writer()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(original)

	Warn("audit_fallback", map[string]any{"audit_id": "AUDIT-1-abc", "msg": "overridden"})

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "audit_fallback" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["audit_id"] != "AUDIT-1-abc" {
		t.Fatalf("field missing: %v", entry)
	}
}
