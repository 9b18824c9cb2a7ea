package trust

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/oap-works/oapd/pkg/manifest"
	"github.com/oap-works/oapd/pkg/urlguard"
)

// TestCapability probes a manifest's invoke endpoint: liveness, the
// declared health endpoint, and a replay of the first example. Liveness
// and health decide the verdict; a broken example or a format mismatch
// is reported but does not fail the test.
func (s *Service) TestCapability(ctx context.Context, m *manifest.Manifest) CapabilityTestResult {
	if m.Invoke.IsStdio() {
		return CapabilityTestResult{
			Errors: []string{"Cannot test stdio invocations remotely"},
		}
	}

	url := m.Invoke.URL
	if url == "" {
		return CapabilityTestResult{
			Errors: []string{"No invoke URL in manifest"},
		}
	}

	if err := urlguard.Check(ctx, url, s.guardOpts...); err != nil {
		return CapabilityTestResult{
			Errors: []string{fmt.Sprintf("Invoke URL failed safety check: %v", err)},
		}
	}

	if auth := m.Invoke.Auth; auth != "" && auth != "none" {
		return CapabilityTestResult{
			Errors: []string{fmt.Sprintf("Cannot test auth-gated endpoint (auth: %s)", auth)},
		}
	}

	result := CapabilityTestResult{Errors: []string{}}
	method := strings.ToUpper(m.Invoke.Method)

	// Liveness. Anything below 5xx counts: a 405 on a probe still means
	// someone is answering.
	probeMethod := http.MethodHead
	if method == http.MethodGet || method == http.MethodHead {
		probeMethod = http.MethodGet
	}
	code, _, err := s.probe(ctx, probeMethod, url, "", nil)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Endpoint unreachable: %v", err))
	} else if code < 500 {
		result.EndpointLive = true
	} else {
		result.Errors = append(result.Errors, fmt.Sprintf("Endpoint returned %d", code))
	}

	if m.Health != "" {
		result.HealthOK, result.Errors = s.probeHealth(ctx, m.Health, result.Errors)
	}

	if len(m.Examples) > 0 && result.EndpointLive {
		s.probeExample(ctx, m, method, url, &result)
	}

	result.Passed = result.EndpointLive && (result.HealthOK == nil || *result.HealthOK)
	return result
}

func (s *Service) probeHealth(ctx context.Context, healthURL string, errs []string) (*bool, []string) {
	if err := urlguard.Check(ctx, healthURL, s.guardOpts...); err != nil {
		return boolPtr(false), append(errs, fmt.Sprintf("Health check failed: %v", err))
	}
	code, _, err := s.probe(ctx, http.MethodGet, healthURL, "", nil)
	if err != nil {
		return boolPtr(false), append(errs, fmt.Sprintf("Health check failed: %v", err))
	}
	if code >= 400 {
		return boolPtr(false), append(errs, fmt.Sprintf("Health endpoint returned %d", code))
	}
	return boolPtr(true), errs
}

func (s *Service) probeExample(ctx context.Context, m *manifest.Manifest, method, url string, result *CapabilityTestResult) {
	input := m.Examples[0].Input

	switch {
	case method == http.MethodPost && input != nil:
		contentType := "application/json"
		if m.Input != nil && m.Input.Format != "" {
			contentType = m.Input.Format
		}

		var body []byte
		if strings.Contains(contentType, "json") {
			encoded, err := json.Marshal(input)
			if err != nil {
				result.ExamplePassed = boolPtr(false)
				result.Errors = append(result.Errors, fmt.Sprintf("Example invocation failed: %v", err))
				return
			}
			body = encoded
			contentType = "application/json"
		} else {
			body = []byte(fmt.Sprint(input))
		}

		code, actualType, err := s.probe(ctx, http.MethodPost, url, contentType, body)
		if err != nil {
			result.ExamplePassed = boolPtr(false)
			result.Errors = append(result.Errors, fmt.Sprintf("Example invocation failed: %v", err))
			return
		}
		passed := code < 400
		result.ExamplePassed = boolPtr(passed)
		if !passed {
			result.Errors = append(result.Errors, fmt.Sprintf("Example invocation returned %d", code))
		}

		if passed && m.Output != nil && m.Output.Format != "" {
			expected := m.Output.Format
			match := strings.Contains(actualType, strings.SplitN(expected, ";", 2)[0])
			result.FormatMatch = boolPtr(match)
			if !match {
				result.Errors = append(result.Errors,
					fmt.Sprintf("Output format mismatch: expected %s, got %s", expected, actualType))
			}
		}

	case method == http.MethodGet:
		code, _, err := s.probe(ctx, http.MethodGet, url, "", nil)
		if err != nil {
			result.ExamplePassed = boolPtr(false)
			result.Errors = append(result.Errors, fmt.Sprintf("Example invocation failed: %v", err))
			return
		}
		passed := code < 400
		result.ExamplePassed = boolPtr(passed)
		if !passed {
			result.Errors = append(result.Errors, fmt.Sprintf("GET invocation returned %d", code))
		}
	}
}

// probe issues one capability-test request and reports the status code
// and content type. The body is drained and discarded.
func (s *Service) probe(ctx context.Context, method, url, contentType string, body []byte) (int, string, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("User-Agent", trustUserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxChallengeBody))

	return resp.StatusCode, resp.Header.Get("Content-Type"), nil
}

func boolPtr(v bool) *bool {
	return &v
}
