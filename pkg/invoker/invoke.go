// Package invoker executes capability invocations declared by manifests.
// HTTP manifests are called with SSRF protection on every hop; stdio
// manifests run as subprocesses restricted to an allowlist of system
// binary directories.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/oap-works/oapd/pkg/manifest"
	"github.com/oap-works/oapd/pkg/models"
	"github.com/oap-works/oapd/pkg/urlguard"
)

// MaxResponseBytes caps response bodies captured into invocation results.
const MaxResponseBytes = 10 * 1024

const maxRedirects = 5

// allowedStdioPrefixes lists the directories a stdio command may resolve
// into. Anything else is refused before a process is spawned.
var allowedStdioPrefixes = []string{"/usr/bin/", "/usr/local/bin/", "/bin/", "/opt/homebrew/bin/"}

// Param is a single invocation parameter. Order matters for stdio
// manifests, where values become positional arguments.
type Param struct {
	Name  string
	Value any
}

// Invoker executes manifest invocations. The zero value is not usable;
// construct with New.
type Invoker struct {
	httpTimeout  time.Duration
	stdioTimeout time.Duration
	guardOpts    []urlguard.Option
}

// Option customizes an Invoker.
type Option func(*Invoker)

// WithHTTPTimeout sets the timeout for HTTP invocations.
func WithHTTPTimeout(d time.Duration) Option {
	return func(inv *Invoker) { inv.httpTimeout = d }
}

// WithStdioTimeout sets the timeout for stdio invocations.
func WithStdioTimeout(d time.Duration) Option {
	return func(inv *Invoker) { inv.stdioTimeout = d }
}

// WithGuardOptions passes address-check options through to every URL
// validation, including redirect hops.
func WithGuardOptions(opts ...urlguard.Option) Option {
	return func(inv *Invoker) { inv.guardOpts = opts }
}

// New builds an Invoker with 30s HTTP and 10s stdio timeouts unless
// overridden.
func New(opts ...Option) *Invoker {
	inv := &Invoker{
		httpTimeout:  30 * time.Second,
		stdioTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke executes a manifest invocation and captures the result.
//
// For HTTP manifests (GET/POST/PUT/PATCH/DELETE) params are sent as a
// query string or JSON body. For stdio manifests the command runs with
// param values as positional arguments and optional stdin text. A nil
// params slice sends no body; an empty one sends an empty JSON object.
//
// Both paths validate their target first: HTTP URLs must not point at
// private address space, and stdio commands must resolve into an allowed
// directory. Invoke never returns an error; failures are reported in the
// result so they can be recorded alongside successes.
func (inv *Invoker) Invoke(ctx context.Context, spec manifest.InvokeSpec, params []Param, stdin string) models.InvocationResult {
	method := strings.ToUpper(spec.Method)

	switch method {
	case "STDIO":
		resolved, err := resolveStdioCommand(spec.URL)
		if err != nil {
			return models.InvocationResult{
				Status: models.StatusFailure,
				Error:  fmt.Sprintf("Blocked: %s", err),
			}
		}
		return inv.invokeStdio(ctx, resolved, params, stdin)

	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		if err := urlguard.CheckAddress(ctx, spec.URL, inv.guardOpts...); err != nil {
			return models.InvocationResult{
				Status: models.StatusFailure,
				Error:  fmt.Sprintf("SSRF blocked: %s", err),
			}
		}
		return inv.invokeHTTP(ctx, spec, method, params)

	default:
		return models.InvocationResult{
			Status: models.StatusFailure,
			Error:  fmt.Sprintf("Unsupported invoke method: %s", method),
		}
	}
}

// resolveStdioCommand validates a stdio command and returns its absolute
// path. Bare names are resolved via PATH; absolute paths are accepted
// as-is when they sit under an allowed prefix.
func resolveStdioCommand(command string) (string, error) {
	if strings.HasPrefix(command, "/") {
		if !allowedPath(command) {
			return "", fmt.Errorf("stdio command not in allowed directories: %s", command)
		}
		return command, nil
	}

	resolved, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("Command not found: %s", command)
	}
	if !allowedPath(resolved) {
		return "", fmt.Errorf("Resolved command not in allowed directories: %s", resolved)
	}
	return resolved, nil
}

func allowedPath(path string) bool {
	for _, prefix := range allowedStdioPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// invokeHTTP sends the request and follows redirects manually, up to
// five hops, so that auth headers survive cross-host redirects like
// example.com -> www.example.com. The standard client strips sensitive
// headers on host changes, which breaks API key auth. Every hop is
// re-checked against the address guard.
func (inv *Invoker) invokeHTTP(ctx context.Context, spec manifest.InvokeSpec, method string, params []Param) models.InvocationResult {
	start := time.Now()

	fail := func(msg string) models.InvocationResult {
		return models.InvocationResult{
			Status:    models.StatusFailure,
			LatencyMS: time.Since(start).Milliseconds(),
			Error:     msg,
		}
	}

	var bodyBytes []byte
	if method != http.MethodGet && params != nil {
		obj := make(map[string]any, len(params))
		for _, p := range params {
			obj[p.Name] = p.Value
		}
		b, err := json.Marshal(obj)
		if err != nil {
			return fail(err.Error())
		}
		bodyBytes = b
	}

	rawURL := spec.URL
	// Query params go on the first request only; redirect targets carry
	// their own query.
	if method == http.MethodGet && len(params) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return fail(fmt.Sprintf("Invalid URL: %s", rawURL))
		}
		q := u.Query()
		for _, p := range params {
			q.Set(p.Name, fmt.Sprint(p.Value))
		}
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}

	client := &http.Client{
		Timeout: inv.httpTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var resp *http.Response
	var raw []byte
	for hop := 0; hop <= maxRedirects; hop++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return fail(err.Error())
		}
		for k, v := range spec.Headers {
			req.Header.Set(k, v)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err = client.Do(req)
		if err != nil {
			if isTimeout(err) {
				return fail(fmt.Sprintf("HTTP timeout after %ds", int(inv.httpTimeout.Seconds())))
			}
			slog.Error("HTTP invocation failed", "error", err)
			return fail(err.Error())
		}

		raw, err = io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
		resp.Body.Close()
		if err != nil {
			return fail(err.Error())
		}

		if !isRedirect(resp.StatusCode) {
			break
		}
		location := resp.Header.Get("Location")
		if location == "" {
			break
		}
		next, err := resp.Request.URL.Parse(location)
		if err != nil {
			return fail(err.Error())
		}
		rawURL = next.String()
		if err := urlguard.CheckAddress(ctx, rawURL, inv.guardOpts...); err != nil {
			return fail(err.Error())
		}
		slog.Debug("Following redirect", "url", rawURL)
	}

	code := resp.StatusCode
	success := code >= 200 && code < 400
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", code)
	}

	return models.InvocationResult{
		Status:       statusFor(success),
		HTTPCode:     &code,
		ResponseBody: truncate(raw),
		LatencyMS:    time.Since(start).Milliseconds(),
		Error:        errMsg,
	}
}

// invokeStdio runs an allowlisted command as a subprocess. Param values
// become positional arguments in order; stdin text, when present, is
// piped to the process.
func (inv *Invoker) invokeStdio(ctx context.Context, command string, params []Param, stdin string) models.InvocationResult {
	start := time.Now()

	argv := make([]string, 0, len(params))
	for _, p := range params {
		argv = append(argv, fmt.Sprint(p.Value))
	}

	tctx, cancel := context.WithTimeout(ctx, inv.stdioTimeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, command, argv...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	latency := time.Since(start).Milliseconds()

	if tctx.Err() == context.DeadlineExceeded {
		return models.InvocationResult{
			Status:    models.StatusFailure,
			LatencyMS: latency,
			Error:     fmt.Sprintf("stdio timeout after %ds", int(inv.stdioTimeout.Seconds())),
		}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			return models.InvocationResult{
				Status:       models.StatusFailure,
				HTTPCode:     &code,
				ResponseBody: truncate(stdout.Bytes()),
				LatencyMS:    latency,
				Error:        truncate(stderr.Bytes()),
			}
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return models.InvocationResult{
				Status:    models.StatusFailure,
				LatencyMS: latency,
				Error:     fmt.Sprintf("Command not found: %s", command),
			}
		}
		slog.Error("stdio invocation failed", "error", err)
		return models.InvocationResult{
			Status:    models.StatusFailure,
			LatencyMS: latency,
			Error:     err.Error(),
		}
	}

	code := 0
	return models.InvocationResult{
		Status:       models.StatusSuccess,
		HTTPCode:     &code,
		ResponseBody: truncate(stdout.Bytes()),
		LatencyMS:    latency,
	}
}

func statusFor(success bool) string {
	if success {
		return models.StatusSuccess
	}
	return models.StatusFailure
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// truncate caps captured output and replaces any invalid UTF-8 so the
// result is always storable as JSON text.
func truncate(b []byte) string {
	if len(b) > MaxResponseBytes {
		b = b[:MaxResponseBytes]
	}
	return strings.ToValidUTF8(string(b), "�")
}
