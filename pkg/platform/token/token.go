// Package token issues single-use verification tokens and the digests under
// which they are stored. Raw tokens leave the system exactly once, inside the
// notification intent; persistence only ever sees the digest.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const rawLength = 32

// New returns a fresh random token and its storage digest.
func New() (raw string, digest string, err error) {
	buf := make([]byte, rawLength)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("token generation: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, Digest(raw), nil
}

// Digest maps a raw token to the value stored alongside the record.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Matches compares a raw token against a stored digest in constant time.
func Matches(raw, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(Digest(raw)), []byte(digest)) == 1
}
