// Package trust implements the reference trust provider. Attestation is
// layered: Layer 0 checks the manifest itself, Layer 1 proves domain
// control through a DNS or HTTP challenge, Layer 2 probes that the
// capability actually answers. Passing layers 1 and 2 earns a signed
// Ed25519 attestation that agents can verify against the provider's
// published JWKS.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oap-works/oapd/pkg/config"
	"github.com/oap-works/oapd/pkg/manifest"
	"github.com/oap-works/oapd/pkg/trust/trustkeys"
	"github.com/oap-works/oapd/pkg/urlguard"
)

// Issuer is the iss claim in every attestation this provider signs.
const Issuer = "oap-trust-reference"

// TXTLookup resolves the TXT records for a name. net.Resolver satisfies
// it; tests substitute a fixture.
type TXTLookup func(ctx context.Context, name string) ([]string, error)

// Service orchestrates the attestation flow across all layers.
type Service struct {
	cfg       config.TrustConfig
	keys      *trustkeys.Manager
	store     *Store
	fetcher   *manifest.Fetcher
	client    *http.Client
	lookupTXT TXTLookup
	guardOpts []urlguard.Option
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithTXTLookup substitutes the DNS TXT resolver.
func WithTXTLookup(lookup TXTLookup) ServiceOption {
	return func(s *Service) { s.lookupTXT = lookup }
}

// WithGuardOptions adds URL safety options to every request the service
// makes, manifest fetches included.
func WithGuardOptions(opts ...urlguard.Option) ServiceOption {
	return func(s *Service) { s.guardOpts = append(s.guardOpts, opts...) }
}

// WithHTTPClient substitutes the HTTP client used for challenges, probes,
// and manifest fetches (tests rig its transport).
func WithHTTPClient(client *http.Client) ServiceOption {
	return func(s *Service) { s.client = client }
}

// NewService builds the attestation service around an initialized key
// manager and store.
func NewService(cfg config.TrustConfig, keys *trustkeys.Manager, store *Store, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:       cfg,
		keys:      keys,
		store:     store,
		client:    &http.Client{Timeout: cfg.Attestation.FetchTimeout()},
		lookupTXT: net.DefaultResolver.LookupTXT,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Attestation.AllowHTTP {
		s.guardOpts = append(s.guardOpts, urlguard.WithHTTPAllowed())
	}

	fetcherOpts := []manifest.FetcherOption{
		manifest.WithUserAgent(trustUserAgent),
		manifest.WithClient(s.client),
		manifest.WithGuardOptions(s.guardOpts...),
	}
	if cfg.Attestation.MaxManifestSize > 0 {
		fetcherOpts = append(fetcherOpts, manifest.WithMaxSize(cfg.Attestation.MaxManifestSize))
	}
	if cfg.Attestation.AllowHTTP {
		fetcherOpts = append(fetcherOpts, manifest.WithHTTPFallback())
	}
	s.fetcher = manifest.NewFetcher(cfg.Attestation.FetchTimeout(), fetcherOpts...)

	return s
}

// InitiateDomainAttestation starts Layer 1: Layer 0 must pass, then a
// challenge is issued for the requested method. An empty method defaults
// to DNS.
func (s *Service) InitiateDomainAttestation(ctx context.Context, domain, method string) (*ChallengeResponse, error) {
	if method == "" {
		method = MethodDNS
	}

	layer0 := s.CheckLayer0(ctx, domain)
	if !layer0.Passed {
		return nil, &InvalidRequestError{
			Msg: fmt.Sprintf("Layer 0 checks failed for %s: %s", domain, strings.Join(layer0.Errors, "; ")),
		}
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	instructions, err := challengeInstructions(s.fetcher.Scheme(), domain, token, method)
	if err != nil {
		return nil, &InvalidRequestError{Msg: fmt.Sprintf("Unknown challenge method: %s", method)}
	}

	expires := time.Now().UTC().Add(s.cfg.Attestation.ChallengeLifetime()).Truncate(time.Second)
	if err := s.store.CreateChallenge(ctx, domain, token, method, expires); err != nil {
		return nil, err
	}

	slog.Info("Challenge issued", "domain", domain, "method", method)
	return &ChallengeResponse{
		Domain:       domain,
		Method:       method,
		Token:        token,
		Instructions: instructions,
		ExpiresAt:    expires,
		Layer0:       layer0,
	}, nil
}

// VerifyDomainAttestation checks the pending challenge for a domain and,
// when the token is in place, signs a Layer 1 attestation over the
// manifest as currently served. Verification misses report through the
// response, not the error.
func (s *Service) VerifyDomainAttestation(ctx context.Context, domain string) (*ChallengeStatusResponse, error) {
	challenge, err := s.store.PendingChallenge(ctx, domain)
	if err != nil {
		return nil, err
	}
	if challenge == nil {
		return &ChallengeStatusResponse{
			Domain: domain,
			Error:  "No pending challenge found for this domain",
		}, nil
	}

	if !s.verifyChallenge(ctx, challenge) {
		return &ChallengeStatusResponse{
			Domain: domain,
			Error: fmt.Sprintf("Challenge not verified (method: %s). Ensure the %s record/file is in place.",
				challenge.Method, strings.ToUpper(challenge.Method)),
		}, nil
	}

	if err := s.store.MarkChallengeVerified(ctx, challenge.Token); err != nil {
		return nil, err
	}

	// Re-fetch so the attestation pins the manifest as served right now,
	// not as it looked when the challenge was issued.
	hash, err := s.currentManifestHash(ctx, domain)
	if err != nil {
		return &ChallengeStatusResponse{
			Domain:            domain,
			ChallengeVerified: true,
			Error:             fmt.Sprintf("Challenge verified but failed to fetch manifest for signing: %v", err),
		}, nil
	}

	attestation, err := s.signAttestation(ctx, domain, LayerDomain, hash, challenge.Method, s.cfg.Attestation.Layer1Expiry())
	if err != nil {
		return nil, err
	}

	slog.Info("Layer 1 attestation issued", "domain", domain)
	return &ChallengeStatusResponse{
		Domain:            domain,
		ChallengeVerified: true,
		Attestation:       attestation,
	}, nil
}

// AttestCapability runs Layer 2 probes against a domain's manifest and
// signs an attestation when they pass. A failed probe returns the test
// result with a nil attestation.
func (s *Service) AttestCapability(ctx context.Context, domain string) (CapabilityTestResult, *AttestationRecord, error) {
	raw, err := s.fetcher.FetchRaw(ctx, domain)
	if err != nil {
		return fetchFailure(err), nil, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fetchFailure(err), nil, nil
	}
	hash, err := manifest.HashValue(doc)
	if err != nil {
		return fetchFailure(err), nil, nil
	}

	// Decoded loosely rather than parsed: a manifest that fails strict
	// validation still gets probed, and the probe reports what is wrong.
	var m manifest.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return fetchFailure(err), nil, nil
	}
	m.Raw = doc

	result := s.TestCapability(ctx, &m)
	if !result.Passed {
		return result, nil, nil
	}

	attestation, err := s.signAttestation(ctx, domain, LayerCapability, hash, "capability_test", s.cfg.Attestation.Layer2Expiry())
	if err != nil {
		return result, nil, err
	}

	slog.Info("Layer 2 attestation issued", "domain", domain)
	return result, attestation, nil
}

// Attestations returns the non-expired attestations for a domain.
func (s *Service) Attestations(ctx context.Context, domain string) ([]AttestationRecord, error) {
	return s.store.Attestations(ctx, domain)
}

// RunChallengeSweeper deletes expired challenges on a fixed interval
// until the context is cancelled.
func (s *Service) RunChallengeSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Challenge sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Challenge sweeper stopped")
			return
		case <-ticker.C:
			count, err := s.store.SweepExpiredChallenges(ctx)
			if err != nil {
				slog.Warn("Challenge sweep failed", "error", err)
				continue
			}
			if count > 0 {
				slog.Info("Swept expired challenges", "count", count)
			}
		}
	}
}

func (s *Service) currentManifestHash(ctx context.Context, domain string) (string, error) {
	raw, err := s.fetcher.FetchRaw(ctx, domain)
	if err != nil {
		return "", err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	return manifest.HashValue(doc)
}

func (s *Service) signAttestation(ctx context.Context, domain string, layer int, manifestHash, verificationMethod string, lifetime time.Duration) (*AttestationRecord, error) {
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(lifetime)

	token, err := s.keys.Sign(jwt.MapClaims{
		"iss":                     Issuer,
		"sub":                     domain,
		"iat":                     now.Unix(),
		"exp":                     expires.Unix(),
		"oap_layer":               layer,
		"oap_manifest_hash":       manifestHash,
		"oap_verification_method": verificationMethod,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign attestation: %w", err)
	}

	record := &AttestationRecord{
		Domain:             domain,
		Layer:              layer,
		JWS:                token,
		ManifestHash:       manifestHash,
		VerificationMethod: verificationMethod,
		IssuedAt:           now,
		ExpiresAt:          expires,
	}
	if err := s.store.StoreAttestation(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func fetchFailure(err error) CapabilityTestResult {
	return CapabilityTestResult{
		Errors: []string{fmt.Sprintf("Failed to fetch manifest: %v", err)},
	}
}
