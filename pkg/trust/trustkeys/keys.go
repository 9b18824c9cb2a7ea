// Package trustkeys manages the trust provider's Ed25519 signing keypair:
// on-disk persistence, JWS signing and verification, and the JWKS document
// relying parties use to check attestations.
package trustkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"
)

// KeyID identifies the active signing key in JWS headers and the JWKS.
const KeyID = "oap-trust-1"

// ErrNotInitialized is returned when a Manager is used before Initialize.
var ErrNotInitialized = errors.New("keys not initialized")

// Manager holds the Ed25519 keypair used to sign attestations. Construct
// with NewManager, then call Initialize before the server starts serving:
// the private key file must exist with owner-only permissions first.
type Manager struct {
	dir     string
	kid     string
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// JWK is one key of a JWKS document.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
}

// JWKS is the public key set served at /v1/keys.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// NewManager returns a Manager rooted at the given key directory.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, kid: KeyID}
}

// Initialize loads the keypair from private.pem, or generates a new one
// and persists both halves. The private key is written 0600.
func (m *Manager) Initialize() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	privatePath := filepath.Join(m.dir, "private.pem")

	data, err := os.ReadFile(privatePath)
	switch {
	case err == nil:
		slog.Info("Loading existing keypair", "dir", m.dir)
		return m.loadPrivatePEM(data)
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("Generating new Ed25519 keypair", "dir", m.dir)
		return m.generate(privatePath, filepath.Join(m.dir, "public.pem"))
	default:
		return fmt.Errorf("failed to read private key: %w", err)
	}
}

func (m *Manager) loadPrivatePEM(data []byte) error {
	block, _ := pem.Decode(data)
	if block == nil {
		return errors.New("private.pem contains no PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	private, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return fmt.Errorf("private.pem holds a %T, want Ed25519", parsed)
	}
	m.private = private
	m.public = private.Public().(ed25519.PublicKey)
	return nil
}

func (m *Manager) generate(privatePath, publicPath string) error {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privateDER, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateDER})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	publicDER, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	m.private = private
	m.public = public
	slog.Info("Keypair saved", "dir", m.dir)
	return nil
}

// Loaded reports whether a keypair is available for signing.
func (m *Manager) Loaded() bool {
	return m.private != nil
}

// Sign produces a compact JWS over the claims with alg=EdDSA and the
// manager's kid header.
func (m *Manager) Sign(claims jwt.MapClaims) (string, error) {
	if m.private == nil {
		return "", ErrNotInitialized
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = m.kid
	return token.SignedString(m.private)
}

// Verify checks a compact JWS and returns its claims. Expired tokens fail
// with jwt.ErrTokenExpired; tampered ones with a signature error.
func (m *Manager) Verify(token string) (jwt.MapClaims, error) {
	if m.public == nil {
		return nil, ErrNotInitialized
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.public, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// JWKS returns the public key set: a single OKP/Ed25519 key with the raw
// 32-byte public key base64url-encoded without padding.
func (m *Manager) JWKS() (JWKS, error) {
	if m.public == nil {
		return JWKS{}, ErrNotInitialized
	}
	return JWKS{Keys: []JWK{{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(m.public),
		Kid: m.kid,
		Use: "sig",
		Alg: "EdDSA",
	}}}, nil
}

// PublicPEM returns the public key in PKIX PEM form.
func (m *Manager) PublicPEM() (string, error) {
	if m.public == nil {
		return "", ErrNotInitialized
	}
	der, err := x509.MarshalPKIXPublicKey(m.public)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
