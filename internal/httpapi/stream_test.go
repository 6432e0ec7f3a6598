package httpapi

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"tradeguard.io/internal/audit"
	"tradeguard.io/internal/auth"
)

func TestAlertStreamDeliversHighRiskRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/v1/audit/alerts/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+env.token("adm", auth.RoleAdmin))
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	waitFor(t, func() bool { return env.alerts.Subscribers() == 1 })

	env.do(http.MethodDelete, "/api/v1/admin/users/5", nil, "")

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, audit.AlertHighRisk) {
				t.Fatalf("unexpected event %q", line)
			}
			return
		}
	}
}

func TestAlertStreamCloseEndsOpenStreams(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/v1/audit/alerts/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+env.token("adm", auth.RoleAdmin))
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	waitFor(t, func() bool { return env.alerts.Subscribers() == 1 })

	env.alerts.Close()

	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("stream should end cleanly after Close: %v", err)
	}
	if n := env.alerts.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}
