// Package crypto provides the HMAC helpers used to authenticate webhook
// deliveries. Twitch signs every notification body with the secret supplied
// at subscription time and sends the digest in the X-Signature header
// (X-Hub-Signature on older deliveries) as "sha256=<hex digest>".
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrBadSignature is returned when a signature header is missing, malformed
// or does not match the body.
var ErrBadSignature = errors.New("invalid webhook signature")

// Signer computes and verifies webhook signatures for a single shared secret.
type Signer interface {
	// Sign returns the header value for body, e.g. "sha256=ab12...".
	Sign(body []byte) string

	// Verify checks header against body in constant time.
	Verify(header string, body []byte) error
}

// HMACSigner implements Signer with HMAC-SHA256. Headers naming any other
// algorithm are rejected.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner creates a signer. An empty secret is rejected because it
// would make every delivery verifiable by anyone.
func NewHMACSigner(secret string) (*HMACSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is empty")
	}
	return &HMACSigner{secret: []byte(secret)}, nil
}

// Sign returns "sha256=<hex>".
func (s *HMACSigner) Sign(body []byte) string {
	return "sha256=" + hex.EncodeToString(s.digest(body))
}

// Verify parses "sha256=<hex>" and compares the digest with hmac.Equal.
func (s *HMACSigner) Verify(header string, body []byte) error {
	algo, sig, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || sig == "" {
		return ErrBadSignature
	}
	if !strings.EqualFold(algo, "sha256") {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrBadSignature, algo)
	}
	got, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(got, s.digest(body)) {
		return ErrBadSignature
	}
	return nil
}

func (s *HMACSigner) digest(body []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// GenerateSecret returns a random hex secret of n bytes, suitable for the
// hub.secret parameter.
func GenerateSecret(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
