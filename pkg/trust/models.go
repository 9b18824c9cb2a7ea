package trust

import "time"

// Challenge methods.
const (
	MethodDNS  = "dns"
	MethodHTTP = "http"
)

// Challenge statuses.
const (
	ChallengePending  = "pending"
	ChallengeVerified = "verified"
)

// Trust layers: 0 manifest safety, 1 domain control, 2 capability works.
const (
	LayerManifest   = 0
	LayerDomain     = 1
	LayerCapability = 2
)

// Layer0Result reports the manifest safety checks for a domain.
type Layer0Result struct {
	Domain            string   `json:"domain"`
	HTTPS             bool     `json:"https"`
	ValidJSON         bool     `json:"valid_json"`
	HasRequiredFields bool     `json:"has_required_fields"`
	ValidVersion      bool     `json:"valid_version"`
	ManifestHash      string   `json:"manifest_hash,omitempty"`
	Passed            bool     `json:"passed"`
	Errors            []string `json:"errors"`
}

// Challenge is one pending or verified domain-control challenge.
type Challenge struct {
	ID        int64     `json:"id"`
	Domain    string    `json:"domain"`
	Token     string    `json:"token"`
	Method    string    `json:"method"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AttestationRecord is a signed attestation as stored and served.
type AttestationRecord struct {
	Domain             string    `json:"domain"`
	Layer              int       `json:"layer"`
	JWS                string    `json:"jws"`
	ManifestHash       string    `json:"manifest_hash"`
	IssuedAt           time.Time `json:"issued_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	VerificationMethod string    `json:"verification_method,omitempty"`
}

// AttestDomainRequest starts Layer 1 domain attestation.
type AttestDomainRequest struct {
	Domain string `json:"domain" binding:"required"`
	Method string `json:"method"`
}

// AttestCapabilityRequest starts a Layer 2 capability test.
type AttestCapabilityRequest struct {
	Domain string `json:"domain" binding:"required"`
}

// ChallengeResponse is returned when a challenge is issued.
type ChallengeResponse struct {
	Domain       string       `json:"domain"`
	Method       string       `json:"method"`
	Token        string       `json:"token"`
	Instructions string       `json:"instructions"`
	ExpiresAt    time.Time    `json:"expires_at"`
	Layer0       Layer0Result `json:"layer0"`
}

// ChallengeStatusResponse reports a verification attempt.
type ChallengeStatusResponse struct {
	Domain            string             `json:"domain"`
	ChallengeVerified bool               `json:"challenge_verified"`
	Attestation       *AttestationRecord `json:"attestation,omitempty"`
	Error             string             `json:"error,omitempty"`
}

// CapabilityTestResult reports the Layer 2 probes. HealthOK, FormatMatch
// and ExamplePassed are nil when the corresponding probe did not run.
type CapabilityTestResult struct {
	EndpointLive  bool     `json:"endpoint_live"`
	HealthOK      *bool    `json:"health_ok"`
	FormatMatch   *bool    `json:"format_match"`
	ExamplePassed *bool    `json:"example_passed"`
	Errors        []string `json:"errors"`
	Passed        bool     `json:"passed"`
}

// InvalidRequestError marks failures caused by the request itself (failed
// Layer 0, unknown challenge method). The API maps it to 400.
type InvalidRequestError struct {
	Msg string
}

func (e *InvalidRequestError) Error() string {
	return e.Msg
}
