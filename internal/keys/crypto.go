package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keyLength    = 32 // AES-256
	gcmNonceSize = 12
	sep          = "|" // base64(nonce)|base64(ciphertext)
)

var errMalformedCiphertext = errors.New("malformed ciphertext: expected base64(nonce)|base64(ciphertext)")

// generateMaterial returns 32 bytes of fresh key material.
func generateMaterial() ([]byte, error) {
	material := make([]byte, keyLength)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	return material, nil
}

// seal encrypts plaintext under key, producing base64(nonce)|base64(ciphertext).
func seal(key, plaintext []byte) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// open decrypts base64(nonce)|base64(ciphertext) under key. The returned error
// distinguishes malformed input from authentication failure only through
// errMalformedCiphertext; both mean the ciphertext is unusable.
func open(key []byte, encoded string) ([]byte, error) {
	parts := strings.Split(encoded, sep)
	if len(parts) != 2 {
		return nil, errMalformedCiphertext
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != gcmNonceSize {
		return nil, errMalformedCiphertext
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm auth/decrypt: %w", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keyLength {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}
