package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Hash returns the content address of a manifest document: a SHA-256 over
// its RFC 8785 canonical form, prefixed with the algorithm. Two documents
// that differ only in key order or whitespace hash identically.
func Hash(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// HashValue hashes an already-decoded manifest value.
func HashValue(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	return Hash(raw)
}
