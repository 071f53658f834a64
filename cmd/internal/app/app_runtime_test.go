package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"studyhub/cmd/internal/auth/bearer"
)

const testJWTSecret = "app-test-secret-0123456789abcdef0123"

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	t.Setenv("STUDYHUB_AUTH_MODE", "jwt")
	t.Setenv("STUDYHUB_AUTH_JWT_SECRET", testJWTSecret)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), Config{
		DevUsers:      []string{"lead", "u1"},
		DevGroup:      "g1",
		NotifyBuffer:  16,
		NotifyWorkers: 1,
	}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.closeResources(ctx)
	})
	return a, srv
}

func getBody(t *testing.T, req *http.Request) (int, string, http.Header) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b), resp.Header
}

func TestApp_ProbesAndMetrics(t *testing.T) {
	_, srv := newTestApp(t)

	for path, want := range map[string]string{"/healthz": "ok\n", "/readyz": "ready\n"} {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		code, body, hdr := getBody(t, req)
		if code != http.StatusOK || body != want {
			t.Fatalf("%s: status=%d body=%q", path, code, body)
		}
		if hdr.Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("%s: missing security headers", path)
		}
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/rooms", nil)
	if code, _, _ := getBody(t, req); code != http.StatusUnauthorized {
		t.Fatalf("/rooms without bearer status=%d want 401", code)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	code, body, _ := getBody(t, req)
	if code != http.StatusOK {
		t.Fatalf("/metrics status=%d", code)
	}
	for _, want := range []string{
		"studyhub_ws_connections 0",
		"studyhub_auth_failures_total 1",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("/metrics missing %q", want)
		}
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	a, srv := newTestApp(t)
	a.cfg.ReadinessRequireDB = true

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/readyz", nil)
	if code, _, _ := getBody(t, req); code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz status=%d want 503", code)
	}
}

func TestApp_DevDirectoryBacksRoomAPI(t *testing.T) {
	_, srv := newTestApp(t)

	cfg := bearer.DefaultConfig()
	cfg.Mode = bearer.ModeJWT
	cfg.JWTSecret = testJWTSecret
	tokens, err := bearer.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	tok, _, err := tokens.Issue("lead", "s1", time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/rooms", strings.NewReader(`{"groupId":"g1","name":"study","invitedIds":["u1"]}`))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	code, body, _ := getBody(t, req)
	if code != http.StatusCreated || !strings.Contains(body, `"name":"study"`) {
		t.Fatalf("create room status=%d body=%s", code, body)
	}
}
