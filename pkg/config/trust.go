package config

import (
	"fmt"
	"time"
)

// TrustConfig is the trust service configuration.
type TrustConfig struct {
	Keys        KeysConfig        `yaml:"keys"`
	Database    DatabaseConfig    `yaml:"database"`
	Attestation AttestationConfig `yaml:"attestation"`
	API         APIConfig         `yaml:"api"`
}

// KeysConfig locates the Ed25519 signing keypair on disk.
type KeysConfig struct {
	Path         string `yaml:"path"`
	RotationDays int    `yaml:"rotation_days"`
}

// DatabaseConfig locates the trust sqlite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AttestationConfig controls attestation issuance. ChallengeTTL and
// RequestTimeout are in seconds; MaxManifestSize is in bytes.
type AttestationConfig struct {
	Layer1ExpiryDays int   `yaml:"layer1_expiry_days"`
	Layer2ExpiryDays int   `yaml:"layer2_expiry_days"`
	ChallengeTTL     int   `yaml:"challenge_ttl"`
	RequestTimeout   int   `yaml:"request_timeout"`
	MaxManifestSize  int64 `yaml:"max_manifest_size"`
	AllowHTTP        bool  `yaml:"allow_http"`
}

// ChallengeLifetime returns how long an issued challenge stays verifiable.
func (c AttestationConfig) ChallengeLifetime() time.Duration {
	return time.Duration(c.ChallengeTTL) * time.Second
}

// FetchTimeout returns the timeout for manifest fetches and probes.
func (c AttestationConfig) FetchTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// Layer1Expiry returns the lifetime of a Layer 1 attestation.
func (c AttestationConfig) Layer1Expiry() time.Duration {
	return time.Duration(c.Layer1ExpiryDays) * 24 * time.Hour
}

// Layer2Expiry returns the lifetime of a Layer 2 attestation.
func (c AttestationConfig) Layer2Expiry() time.Duration {
	return time.Duration(c.Layer2ExpiryDays) * 24 * time.Hour
}

// DefaultTrust returns the trust service defaults.
func DefaultTrust() *TrustConfig {
	return &TrustConfig{
		Keys: KeysConfig{
			Path:         "./oap_trust_data/keys",
			RotationDays: 365,
		},
		Database: DatabaseConfig{
			Path: "./oap_trust_data/trust.db",
		},
		Attestation: AttestationConfig{
			Layer1ExpiryDays: 90,
			Layer2ExpiryDays: 7,
			ChallengeTTL:     3600,
			RequestTimeout:   10,
			MaxManifestSize:  1024 * 1024,
			AllowHTTP:        false,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8301,
		},
	}
}

// Validate checks trust configuration invariants.
func (c *TrustConfig) Validate() error {
	if c.Keys.Path == "" {
		return fmt.Errorf("keys.path must not be empty")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Attestation.Layer1ExpiryDays < 1 || c.Attestation.Layer2ExpiryDays < 1 {
		return fmt.Errorf("attestation expiry days must be at least 1")
	}
	if c.Attestation.ChallengeTTL < 1 {
		return fmt.Errorf("attestation.challenge_ttl must be at least 1")
	}
	return nil
}
