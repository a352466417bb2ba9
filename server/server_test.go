package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/codetalk/imgrelay/db"
	"github.com/codetalk/imgrelay/testutil"
)

func TestHealthz(t *testing.T) {
	database := testutil.SetupTestDB(t)
	mux := NewMux(database)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestReadyzRequiresToken(t *testing.T) {
	database := testutil.SetupTestDB(t)
	mux := NewMux(database)

	if _, err := database.Exec(`DELETE FROM oauth_tokens WHERE provider='imgur'`); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status without token = %d, want 503", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if body["failed_check"] != "credentials" {
		t.Fatalf("failed_check = %q", body["failed_check"])
	}

	if err := db.UpsertOAuthToken(context.Background(), database, "imgur", "a", "r", time.Now().Add(time.Hour), ""); err != nil {
		t.Fatalf("UpsertOAuthToken: %v", err)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	database := testutil.SetupTestDB(t)
	mux := NewMux(database)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if _, ok := body["pending"]; !ok {
		t.Fatalf("body = %v, want pending count", body)
	}
	if _, ok := body["delivered"]; !ok {
		t.Fatalf("body = %v, want delivered count", body)
	}
}

func TestStatusMethodNotAllowed(t *testing.T) {
	database := testutil.SetupTestDB(t)
	mux := NewMux(database)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	database := testutil.SetupTestDB(t)
	mux := NewMux(database)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("no correlation id generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Fatalf("correlation id = %q, want corr-123", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	database := testutil.SetupTestDB(t)
	mux := NewMux(database)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
