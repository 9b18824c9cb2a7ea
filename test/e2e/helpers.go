package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// jsonManifest builds a minimal valid manifest whose capability accepts
// a JSON POST.
func jsonManifest(name, description, invokeURL string) map[string]any {
	return map[string]any{
		"oap":         "1.0",
		"name":        name,
		"description": description,
		"invoke":      map[string]any{"method": "POST", "url": invokeURL},
		"input":       map[string]any{"format": "application/json"},
		"output":      map[string]any{"format": "application/json"},
	}
}

// CapturedRequest is one request a capability test server received.
type CapturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   map[string]any
}

// CapabilityServer stands in for the remote API a manifest points at.
// It answers every request with a fixed JSON document and records what
// it saw.
type CapabilityServer struct {
	URL    string
	server *httptest.Server

	mu       sync.Mutex
	requests []CapturedRequest
}

// StartCapability runs a capability endpoint answering status and reply
// on every route. It is closed via t.Cleanup.
func StartCapability(t *testing.T, status int, reply map[string]any) *CapabilityServer {
	t.Helper()
	c := &CapabilityServer{}
	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured := CapturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
		}
		if raw, err := io.ReadAll(r.Body); err == nil && len(raw) > 0 {
			_ = json.Unmarshal(raw, &captured.Body)
		}
		c.mu.Lock()
		c.requests = append(c.requests, captured)
		c.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(c.server.Close)
	c.URL = c.server.URL
	return c
}

// Requests returns everything the capability received so far.
func (c *CapabilityServer) Requests() []CapturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CapturedRequest, len(c.requests))
	copy(out, c.requests)
	return out
}
