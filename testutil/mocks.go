package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockImgurServer creates a test server that mocks Imgur API responses
type MockImgurServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockImgurServer creates a new mock Imgur API server
func NewMockImgurServer(t *testing.T) *MockImgurServer {
	t.Helper()
	m := &MockImgurServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUploadResponse adds a handler for the /3/image endpoint returning a link
func (m *MockImgurServer) MockUploadResponse(link string) {
	m.Handlers["/3/image"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data":    map[string]string{"link": link},
			"success": true,
			"status":  200,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockUploadError adds a handler for the /3/image endpoint returning an API error
func (m *MockImgurServer) MockUploadError(status int, message string) {
	m.Handlers["/3/image"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data":    map[string]string{"error": message},
			"success": false,
			"status":  status,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
