package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cexll/issueflow/internal/web"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GITHUB_OWNER", "octocat")
	t.Setenv("GITHUB_REPO", "hello-world")
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("GITHUB_APP_ID", "")
	t.Setenv("GITHUB_PRIVATE_KEY", "")
	t.Setenv("DEVIN_API_KEY", "devin-test-key")
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "runs.db"))
}

func TestRun_StartsServerWithValidConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "4321")

	var servedAddr string
	var servedHandler http.Handler

	serve := func(addr string, handler http.Handler) error {
		servedAddr = addr
		servedHandler = handler
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, serve); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}

	if servedAddr != ":4321" {
		t.Fatalf("serve addr = %q, want :4321", servedAddr)
	}
	if servedHandler == nil {
		t.Fatalf("serve handler is nil")
	}

	// Smoke test a couple of routes to ensure router wiring is intact.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	servedHandler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	servedHandler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/ status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "octocat/hello-world") {
		t.Fatalf("root body = %q, want service payload naming the repo", body)
	}
}

func TestRun_ReturnsErrorWhenServeFails(t *testing.T) {
	setRequiredEnv(t)

	expected := errors.New("listen failed")
	err := run(context.Background(), func(string, http.Handler) error {
		return expected
	})

	if err == nil {
		t.Fatalf("run() error = nil, want %v", expected)
	}
	if !errors.Is(err, expected) {
		t.Fatalf("run() error = %v, want to wrap %v", err, expected)
	}
}

func TestRun_ConfigError(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DEVIN_API_KEY", "")

	err := run(context.Background(), func(string, http.Handler) error {
		t.Fatalf("serve should not be called when configuration fails")
		return nil
	})
	if err == nil {
		t.Fatal("run() error = nil, want configuration failure")
	}
	if !strings.Contains(err.Error(), "failed to load configuration") {
		t.Fatalf("error = %v, want configuration failure", err)
	}
}

func TestRun_StoreError(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "missing-dir", "runs.db"))

	err := run(context.Background(), func(string, http.Handler) error {
		t.Fatalf("serve should not be called when the store cannot open")
		return nil
	})
	if err == nil {
		t.Fatal("run() error = nil, want store failure")
	}
	if !strings.Contains(err.Error(), "failed to open record store") {
		t.Fatalf("error = %v, want store failure", err)
	}
}

func TestRun_WebHandlerError(t *testing.T) {
	setRequiredEnv(t)

	prevWebHandler := newWebHandler
	defer func() { newWebHandler = prevWebHandler }()
	newWebHandler = func(stages web.StageService, issues web.IssueLister, sessions web.SessionFetcher, repo string) (*web.Handler, error) {
		return nil, errors.New("inject failure")
	}

	err := run(context.Background(), func(string, http.Handler) error {
		t.Fatalf("serve should not be called on web handler failure")
		return nil
	})
	if err == nil {
		t.Fatal("run() error = nil, want web handler failure")
	}
	if !strings.Contains(err.Error(), "failed to initialize web handler") {
		t.Fatalf("error = %v, want web handler failure", err)
	}
}
