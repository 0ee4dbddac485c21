// Package captoken implements the capability token lifecycle of the design:
// issue, verify, revoke, cleanup. Token rows are grounded on the reference implementation's
// internal/controlplane/api/token_store.go SQLite token table; signing is
// grounded on internal/shared/signing, generalized from HMAC to Ed25519.
package captoken

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// header is the fixed algorithm header of every token. Implementations
// MUST reject tokens with an unknown algorithm or missing fields.
type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

var tokenHeader = header{Alg: "EdDSA", Typ: "CAPT"}

// Payload is the JWT-shape payload signed over by the Token Service.
type Payload struct {
	Sub    string   `json:"sub"`
	Cap    []string `json:"cap"`
	Iat    int64    `json:"iat"`
	Exp    int64    `json:"exp"`
	Jti    string   `json:"jti"`
	Tenant string   `json:"tenant"`
}

// Token is the persisted row, never storing the plaintext token string —
// only its SHA-256 hash.
type Token struct {
	TokenID      string
	JTI          string
	TenantID     string
	Subject      string
	Capabilities []string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	RevokedAt    *time.Time
	Active       bool
	UsageCount   int
	TokenHash    string
}

// Valid reports whether the token row is usable, per the design: active,
// unrevoked, and not expired.
func (t *Token) Valid(now time.Time) bool {
	return t.Active && t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

func b64encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func b64decode(s string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// encodeUnsigned returns the dot-joined header.payload portion that gets
// signed, and as the wire token's first two segments.
func encodeUnsigned(p Payload) (string, error) {
	h, err := b64encode(tokenHeader)
	if err != nil {
		return "", fmt.Errorf("captoken: encode header: %w", err)
	}
	body, err := b64encode(p)
	if err != nil {
		return "", fmt.Errorf("captoken: encode payload: %w", err)
	}
	return h + "." + body, nil
}

// signToken assembles the full compact token string from a signed
// header.payload.signature.
func signToken(unsigned string, signature []byte) string {
	return unsigned + "." + base64.RawURLEncoding.EncodeToString(signature)
}

// decodeToken splits and decodes a compact token string without verifying
// the signature (signature verification is the caller's job via Signer).
func decodeToken(token string) (h header, p Payload, unsigned string, signature []byte, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return h, p, "", nil, fmt.Errorf("captoken: malformed token (expected 3 segments, got %d)", len(parts))
	}
	if err = b64decode(parts[0], &h); err != nil {
		return h, p, "", nil, fmt.Errorf("captoken: decode header: %w", err)
	}
	if h.Alg != tokenHeader.Alg || h.Typ != tokenHeader.Typ {
		return h, p, "", nil, fmt.Errorf("captoken: unknown algorithm/type %q/%q", h.Alg, h.Typ)
	}
	if err = b64decode(parts[1], &p); err != nil {
		return h, p, "", nil, fmt.Errorf("captoken: decode payload: %w", err)
	}
	if p.Sub == "" || p.Jti == "" || p.Tenant == "" || len(p.Cap) == 0 || p.Exp == 0 {
		return h, p, "", nil, fmt.Errorf("captoken: payload missing required fields")
	}
	signature, err = base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return h, p, "", nil, fmt.Errorf("captoken: decode signature: %w", err)
	}
	unsigned = parts[0] + "." + parts[1]
	return h, p, unsigned, signature, nil
}
