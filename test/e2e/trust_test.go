package e2e

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oap-works/oapd/pkg/trust"
	"github.com/oap-works/oapd/pkg/trust/trustkeys"
)

const trustDomain = "caps.example.com"

// trustManifest is the document served at the attested domain's
// well-known path, with the health URL and example the capability probes
// need.
func trustManifest() map[string]any {
	doc := jsonManifest("Rate Lookup", "A capability under attestation.", "https://"+trustDomain+"/api/rate")
	doc["health"] = "https://" + trustDomain + "/health"
	doc["examples"] = []any{map[string]any{
		"input":  map[string]any{"text": "hello"},
		"output": map[string]any{"result": "ok"},
	}}
	return doc
}

// TestDomainAttestationHTTPFlow walks the operator journey over the
// wire: request a challenge, publish the token, verify, and read back
// the signed attestation.
func TestDomainAttestationHTTPFlow(t *testing.T) {
	host := newTrustHost(trustManifest())
	app := NewTrustApp(t, host)

	var challenge trust.ChallengeResponse
	code := app.Post("/v1/attest/domain",
		map[string]any{"domain": trustDomain, "method": trust.MethodHTTP}, &challenge)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, trustDomain, challenge.Domain)
	assert.Equal(t, trust.MethodHTTP, challenge.Method)
	assert.True(t, challenge.Layer0.Passed)
	require.NotEmpty(t, challenge.Token)
	assert.Contains(t, challenge.Instructions, trust.HTTPChallengePath+"/"+challenge.Token)

	// Token not published yet: verification reports the miss and keeps
	// the challenge pending.
	var status trust.ChallengeStatusResponse
	code = app.Get("/v1/attest/domain/"+trustDomain+"/status", &status)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, status.ChallengeVerified)
	assert.Contains(t, status.Error, "not verified")

	host.PublishChallenge(challenge.Token)

	code = app.Get("/v1/attest/domain/"+trustDomain+"/status", &status)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, status.ChallengeVerified)
	require.NotNil(t, status.Attestation)
	assert.Equal(t, trust.LayerDomain, status.Attestation.Layer)
	assert.Equal(t, trust.MethodHTTP, status.Attestation.VerificationMethod)
	assert.NotEmpty(t, status.Attestation.ManifestHash)
	assert.True(t, status.Attestation.ExpiresAt.After(time.Now()))

	claims, err := app.Keys.Verify(status.Attestation.JWS)
	require.NoError(t, err)
	assert.Equal(t, trust.Issuer, claims["iss"])
	assert.Equal(t, trustDomain, claims["sub"])
	assert.EqualValues(t, trust.LayerDomain, claims["oap_layer"])
	assert.Equal(t, trust.MethodHTTP, claims["oap_verification_method"])
}

// TestCapabilityAttestationAndListing continues past domain control:
// the capability probes run against the live endpoint, the Layer 2
// attestation is issued, and both records show up in the listing, key
// set and health report.
func TestCapabilityAttestationAndListing(t *testing.T) {
	host := newTrustHost(trustManifest())
	app := NewTrustApp(t, host)

	var challenge trust.ChallengeResponse
	require.Equal(t, http.StatusOK, app.Post("/v1/attest/domain",
		map[string]any{"domain": trustDomain, "method": trust.MethodHTTP}, &challenge))
	host.PublishChallenge(challenge.Token)

	var status trust.ChallengeStatusResponse
	require.Equal(t, http.StatusOK, app.Get("/v1/attest/domain/"+trustDomain+"/status", &status))
	require.True(t, status.ChallengeVerified)

	var capResp struct {
		TestResult  trust.CapabilityTestResult `json:"test_result"`
		Attestation *trust.AttestationRecord   `json:"attestation"`
	}
	code := app.Post("/v1/attest/capability", map[string]any{"domain": trustDomain}, &capResp)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, capResp.TestResult.EndpointLive)
	require.NotNil(t, capResp.TestResult.HealthOK)
	assert.True(t, *capResp.TestResult.HealthOK)
	require.NotNil(t, capResp.TestResult.ExamplePassed)
	assert.True(t, *capResp.TestResult.ExamplePassed)
	require.NotNil(t, capResp.TestResult.FormatMatch)
	assert.True(t, *capResp.TestResult.FormatMatch)
	assert.True(t, capResp.TestResult.Passed)
	require.NotNil(t, capResp.Attestation)
	assert.Equal(t, trust.LayerCapability, capResp.Attestation.Layer)

	var listing struct {
		Domain       string                    `json:"domain"`
		Attestations []trust.AttestationRecord `json:"attestations"`
	}
	require.Equal(t, http.StatusOK, app.Get("/v1/attestations/"+trustDomain, &listing))
	assert.Equal(t, trustDomain, listing.Domain)
	require.Len(t, listing.Attestations, 2)
	assert.Equal(t, trust.LayerDomain, listing.Attestations[0].Layer)
	assert.Equal(t, trust.LayerCapability, listing.Attestations[1].Layer)

	var jwks trustkeys.JWKS
	require.Equal(t, http.StatusOK, app.Get("/v1/keys", &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "OKP", jwks.Keys[0].Kty)
	assert.Equal(t, "Ed25519", jwks.Keys[0].Crv)
	assert.NotEmpty(t, jwks.Keys[0].X)

	var health struct {
		Status           string `json:"status"`
		AttestationCount int    `json:"attestation_count"`
		KeyLoaded        bool   `json:"key_loaded"`
	}
	require.Equal(t, http.StatusOK, app.Get("/health", &health))
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.KeyLoaded)
	assert.Equal(t, 2, health.AttestationCount)
}

// The DNS method verifies through a TXT record instead of a served
// token.
func TestDomainAttestationDNSFlow(t *testing.T) {
	host := newTrustHost(trustManifest())

	var (
		mu        sync.Mutex
		published []string
	)
	lookup := func(_ context.Context, name string) ([]string, error) {
		if name != trust.DNSPrefix+"."+trustDomain {
			return nil, errors.New("no such record")
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), published...), nil
	}
	app := NewTrustApp(t, host, trust.WithTXTLookup(lookup))

	var challenge trust.ChallengeResponse
	require.Equal(t, http.StatusOK, app.Post("/v1/attest/domain",
		map[string]any{"domain": trustDomain, "method": trust.MethodDNS}, &challenge))
	assert.Contains(t, challenge.Instructions, trust.DNSPrefix+"."+trustDomain)

	mu.Lock()
	published = append(published, "oap-challenge="+challenge.Token)
	mu.Unlock()

	var status trust.ChallengeStatusResponse
	require.Equal(t, http.StatusOK, app.Get("/v1/attest/domain/"+trustDomain+"/status", &status))
	assert.True(t, status.ChallengeVerified)
	require.NotNil(t, status.Attestation)
	assert.Equal(t, trust.MethodDNS, status.Attestation.VerificationMethod)
}

func TestAttestRejectsUnknownMethod(t *testing.T) {
	app := NewTrustApp(t, newTrustHost(trustManifest()))

	var errBody map[string]any
	code := app.Post("/v1/attest/domain",
		map[string]any{"domain": trustDomain, "method": "carrier-pigeon"}, &errBody)

	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Unknown challenge method: carrier-pigeon", errBody["detail"])
}

func TestStatusWithoutChallenge(t *testing.T) {
	app := NewTrustApp(t, newTrustHost(trustManifest()))

	var status trust.ChallengeStatusResponse
	code := app.Get("/v1/attest/domain/quiet.example.com/status", &status)

	require.Equal(t, http.StatusOK, code)
	assert.False(t, status.ChallengeVerified)
	assert.Equal(t, "No pending challenge found for this domain", status.Error)
}
