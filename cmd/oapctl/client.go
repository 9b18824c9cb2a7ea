package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// apiError is a non-2xx API response. The detail field is surfaced when
// the body carries one; otherwise the raw body is shown.
type apiError struct {
	Status int
	Body   []byte
}

func (e *apiError) Error() string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(e.Body, &payload); err == nil && payload.Detail != "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, payload.Detail)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, strings.TrimSpace(string(e.Body)))
}

// client is a minimal JSON client for one service base URL. hint names
// the binary to suggest when the service is unreachable.
type client struct {
	base  string
	hint  string
	httpc *http.Client
}

func newClient(base, hint string) *client {
	return &client{base: base, hint: hint, httpc: &http.Client{}}
}

// do runs one API call and returns the response body. The backend token
// rides along when OAP_BACKEND_SECRET is set.
func (c *client) do(method, path string, body any, timeout time.Duration) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret := os.Getenv("OAP_BACKEND_SECRET"); secret != "" {
		req.Header.Set("X-Backend-Token", secret)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to API at %s (is the service running? start it with: %s)", c.base, c.hint)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &apiError{Status: resp.StatusCode, Body: data}
	}
	return data, nil
}

func (c *client) get(path string, timeout time.Duration) ([]byte, error) {
	return c.do(http.MethodGet, path, nil, timeout)
}

func (c *client) post(path string, body any, timeout time.Duration) ([]byte, error) {
	return c.do(http.MethodPost, path, body, timeout)
}

func (c *client) delete(path string, timeout time.Duration) ([]byte, error) {
	return c.do(http.MethodDelete, path, nil, timeout)
}

// printJSON pretty-prints a raw response body.
func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, werr := w.Write(data)
		return werr
	}
	_, err := fmt.Fprintln(w, buf.String())
	return err
}

// decode unmarshals a response body, wrapping parse failures.
func decode(data []byte, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
