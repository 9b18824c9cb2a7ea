package trust

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/oap-works/oapd/pkg/urlguard"
)

const (
	// DNSPrefix is the subdomain queried for challenge TXT records.
	DNSPrefix = "_oap-verify"
	// HTTPChallengePath is the well-known prefix under which HTTP
	// challenge tokens are served.
	HTTPChallengePath = "/.well-known/oap-challenge"

	challengeValuePrefix = "oap-challenge="
	trustUserAgent       = "OAP-Trust/0.1"

	// maxChallengeBody caps how much of an HTTP challenge response is
	// read. Tokens are 43 bytes; anything near the cap is not a match.
	maxChallengeBody = 4096
)

// generateToken returns a cryptographically random URL-safe token.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// challengeInstructions renders the operator-facing steps for publishing
// a challenge token.
func challengeInstructions(scheme, domain, token, method string) (string, error) {
	switch method {
	case MethodDNS:
		return fmt.Sprintf(
			"Add a DNS TXT record:\n  Name:  %s.%s\n  Value: %s%s\n\nThen check status at: GET /v1/attest/domain/%s/status",
			DNSPrefix, domain, challengeValuePrefix, token, domain), nil
	case MethodHTTP:
		return fmt.Sprintf(
			"Serve the following content at:\n  %s://%s%s/%s\n\nResponse body must be exactly: %s\n\nThen check status at: GET /v1/attest/domain/%s/status",
			scheme, domain, HTTPChallengePath, token, token, domain), nil
	default:
		return "", fmt.Errorf("unknown challenge method: %s", method)
	}
}

// verifyChallenge checks whether the token has been published via the
// challenge's method.
func (s *Service) verifyChallenge(ctx context.Context, challenge *Challenge) bool {
	switch challenge.Method {
	case MethodDNS:
		return s.verifyDNSChallenge(ctx, challenge.Domain, challenge.Token)
	case MethodHTTP:
		return s.verifyHTTPChallenge(ctx, challenge.Domain, challenge.Token)
	default:
		slog.Warn("Unknown challenge method", "method", challenge.Method)
		return false
	}
}

func (s *Service) verifyDNSChallenge(ctx context.Context, domain, token string) bool {
	name := DNSPrefix + "." + domain
	slog.Info("Checking DNS TXT record", "name", name)

	records, err := s.lookupTXT(ctx, name)
	if err != nil {
		slog.Info("No usable DNS TXT record", "name", name, "error", err)
		return false
	}

	want := challengeValuePrefix + token
	for _, record := range records {
		if strings.Trim(strings.TrimSpace(record), `"`) == want {
			slog.Info("DNS challenge verified", "domain", domain)
			return true
		}
	}
	slog.Info("DNS record found but token not matched", "domain", domain)
	return false
}

func (s *Service) verifyHTTPChallenge(ctx context.Context, domain, token string) bool {
	url := fmt.Sprintf("%s://%s%s/%s", s.fetcher.Scheme(), domain, HTTPChallengePath, token)
	slog.Info("Checking HTTP challenge", "domain", domain)

	if err := urlguard.Check(ctx, url, s.guardOpts...); err != nil {
		slog.Warn("HTTP challenge URL rejected", "domain", domain, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.Warn("HTTP challenge request invalid", "domain", domain, "error", err)
		return false
	}
	req.Header.Set("User-Agent", trustUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Warn("HTTP challenge error", "domain", domain, "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBody))
	if err != nil || resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != token {
		slog.Info("HTTP challenge response did not match", "domain", domain)
		return false
	}

	slog.Info("HTTP challenge verified", "domain", domain)
	return true
}
