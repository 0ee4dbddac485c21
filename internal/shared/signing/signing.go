// Package signing provides Ed25519 signing and verification for capability
// tokens, plus an HKDF-style key-derivation helper for tenant-scoped signing
// keys. The token payload is signed, never the plaintext token string itself.
package signing

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

// Signer signs and verifies capability token payloads with Ed25519.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner creates a signer from an existing Ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// GenerateSigner creates a signer with a freshly generated keypair, for
// tests and single-node deployments that do not inject a persisted key.
func GenerateSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// Sign returns the Ed25519 signature over the canonical header+payload bytes.
func (s *Signer) Sign(headerAndPayload []byte) []byte {
	return ed25519.Sign(s.priv, headerAndPayload)
}

// Verify checks a signature against the canonical header+payload bytes.
func (s *Signer) Verify(headerAndPayload, signature []byte) bool {
	return ed25519.Verify(s.pub, headerAndPayload, signature)
}

// PublicKey returns the signer's public key, e.g. for distribution to
// verify-only replicas.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// HashToken returns the SHA-256 hex digest of a serialized token. Only this
// hash, never the plaintext token, is persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// DeriveTenantKey derives a per-tenant HMAC key from a master secret, for
// HMAC-based auxiliary signing kept distinct from the Ed25519 token
// signature itself.
func DeriveTenantKey(masterKey []byte, tenantID string) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, nil, []byte("capcore-tenant|"+tenantID))
	out := make([]byte, 32)
	if _, err := r.Read(out); err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}
	return out, nil
}

// Fingerprint computes an HMAC-SHA256 fingerprint of a value under a
// tenant-derived key. No code in this module calls it; the Orchestrator's
// idempotency key uses the caller-supplied request_fingerprint as is.
func Fingerprint(tenantKey []byte, value string) string {
	mac := hmac.New(sha256.New, tenantKey)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
