// Package security provides keyed hashing for API key digests and bearer
// token extraction.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// minPepperBytes is the length a configured pepper is stretched to via HKDF
// when supplied as a passphrase shorter than this many bytes.
const minPepperBytes = 32

// derivePepper returns passphrase unchanged once it already has at least
// minPepperBytes of raw material; otherwise it stretches it into a
// minPepperBytes high-entropy key with HKDF-SHA256, salted with the
// configured hash salt. This lets operators configure KEY_HASH_PEPPER as a
// memorable passphrase instead of generating and storing raw random bytes.
func derivePepper(passphrase, salt string) ([]byte, error) {
	if len(passphrase) >= minPepperBytes {
		return []byte(passphrase), nil
	}
	r := hkdf.New(sha256.New, []byte(passphrase), []byte(salt), []byte("cfx-router-key-hash-pepper"))
	out := make([]byte, minPepperBytes)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("security: deriving pepper: %w", err)
	}
	return out, nil
}

// Hasher computes and verifies HMAC-SHA256 digests of API key secrets using
// a process-wide salt and pepper. The pepper is the HMAC key; the salt is
// mixed into the message so a stolen digest table alone cannot be replayed
// against a different salt.
type Hasher struct {
	salt   string
	pepper []byte
}

// NewHasher builds a Hasher from the given salt and pepper. Both must be
// non-empty and must not be equal to each other; callers are expected to
// treat a non-nil error here as a fatal startup condition.
func NewHasher(salt, pepper string) (*Hasher, error) {
	if salt == "" {
		return nil, fmt.Errorf("security: salt must not be empty")
	}
	if pepper == "" {
		return nil, fmt.Errorf("security: pepper must not be empty")
	}
	if salt == pepper {
		return nil, fmt.Errorf("security: salt and pepper must be distinct")
	}
	derived, err := derivePepper(pepper, salt)
	if err != nil {
		return nil, err
	}
	return &Hasher{salt: salt, pepper: derived}, nil
}

// Hash computes HMAC-SHA256(key=pepper, message=salt:secret:pepper) and
// renders it as lowercase hex. Deterministic for a given (salt, pepper, secret).
func (h *Hasher) Hash(secret string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(h.salt))
	mac.Write([]byte(":"))
	mac.Write([]byte(secret))
	mac.Write([]byte(":"))
	mac.Write(h.pepper)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether secret hashes to storedDigest, using a timing-safe
// comparison.
func (h *Hasher) Verify(secret, storedDigest string) bool {
	computed := h.Hash(secret)
	return hmac.Equal([]byte(computed), []byte(storedDigest))
}

// ExtractBearer extracts the token from an "Authorization: Bearer <token>"
// header value. The "Bearer " prefix is case-sensitive. Returns ("", false)
// if the prefix is missing or the token is empty after trimming whitespace.
func ExtractBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
