package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db *sql.DB
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(db *sql.DB) *Handlers {
	return &Handlers{db: db}
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"credentials", func() error {
			var count int
			err := h.db.QueryRowContext(r.Context(),
				"SELECT COUNT(*) FROM oauth_tokens WHERE provider='imgur'").Scan(&count)
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("missing imgur OAuth token")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns a lightweight status summary: backlog depth and
// delivered counts from the images table.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}
	var pending, delivered int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images WHERE COALESCE(finished,false)=false`).Scan(&pending)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images WHERE COALESCE(finished,false)=true`).Scan(&delivered)
	resp["pending"] = pending
	resp["delivered"] = delivered

	var lastURL string
	_ = h.db.QueryRowContext(ctx, `SELECT COALESCE(hosted_url,'') FROM images WHERE COALESCE(finished,false)=true ORDER BY received_at DESC LIMIT 1`).Scan(&lastURL)
	if lastURL != "" {
		resp["last_delivered_url"] = lastURL
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
