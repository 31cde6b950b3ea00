/*
Package envelope implements the symmetric transport cipher that wraps every
application-level chat event after authentication.

The cipher key is derived deterministically from a deployment-wide secret, so
multiple server processes configured with the same secret produce mutually
readable envelopes without any coordination. A token is
base64url(nonce || ciphertext || tag) with a fresh random 96-bit nonce per Seal.
*/
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the AES-GCM nonce length in bytes (96 bits).
	NonceSize = 12

	// keySize is the derived AES-256 key length in bytes.
	keySize = 32

	// fingerprintSize is the number of derived bytes exposed as the key fingerprint.
	fingerprintSize = 8

	// HKDF info labels. Distinct labels keep the key and its public
	// fingerprint on unrelated derivation paths.
	keyInfo         = "relaychat/transport-key/v1"
	fingerprintInfo = "relaychat/key-fingerprint/v1"
)

// ErrDecrypt is returned by Open for any token that cannot be authenticated and
// decoded: bad base64, a truncated nonce, a failed GCM tag check, or an inner
// payload that is not valid JSON. Callers must treat it as fatal for the
// connection; a failed frame is never retried or resynchronized.
var ErrDecrypt = errors.New("envelope: cannot decrypt token")

// Cipher seals and opens transport envelopes under a single derived key.
// It is safe for concurrent use.
type Cipher struct {
	aead        cipher.AEAD
	fingerprint string
}

// New derives the transport key from the configured secret and returns a ready
// Cipher. The same secret always yields the same key and fingerprint.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("envelope: transport secret must not be empty")
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("envelope: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher init failed: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: GCM init failed: %w", err)
	}

	fp := make([]byte, fingerprintSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(fingerprintInfo)), fp); err != nil {
		return nil, fmt.Errorf("envelope: fingerprint derivation failed: %w", err)
	}

	return &Cipher{
		aead:        aead,
		fingerprint: hex.EncodeToString(fp),
	}, nil
}

// Fingerprint returns a short, non-secret identifier of the transport key.
// It is sent to clients right after authentication so they can verify
// out-of-band that both sides share the same secret.
func (c *Cipher) Fingerprint() string {
	return c.fingerprint
}

// Seal JSON-encodes v, encrypts it under a fresh random nonce, and returns the
// base64url token.
func (c *Cipher) Seal(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal failed: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("envelope: nonce generation failed: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decodes and authenticates a token produced by Seal (under the same
// secret, by any process) and unmarshals the inner JSON into dst.
func (c *Cipher) Open(token string, dst any) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrDecrypt
	}

	if len(raw) < NonceSize+c.aead.Overhead() {
		return ErrDecrypt
	}

	plaintext, err := c.aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return ErrDecrypt
	}

	if err := json.Unmarshal(plaintext, dst); err != nil {
		return ErrDecrypt
	}

	return nil
}
