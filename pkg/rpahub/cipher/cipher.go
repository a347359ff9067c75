// Package cipher implements the symmetric envelope protecting robot env
// secrets at rest. Values are sealed with AES-256-GCM; the key comes from
// ENCRYPTION_KEY, either 32 raw bytes base64-encoded or derived from a
// passphrase with Argon2id ("argon2:<passphrase>"). The key lives only in
// process memory and is never persisted.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters (OWASP recommended).
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256

	// derivationSalt keeps passphrase-derived keys stable across
	// processes. Passphrase mode is a convenience for dev setups; real
	// deployments supply a random base64 key.
	derivationSalt = "rpahub-env-secrets-v1"

	argonPrefix = "argon2:"
)

// ErrKeyMissing indicates ENCRYPTION_KEY is not configured. Components
// that need the cipher refuse to start on this error.
var ErrKeyMissing = errors.New("encryption key is not configured")

// ErrDecrypt indicates a ciphertext could not be opened with the
// configured key.
var ErrDecrypt = errors.New("unable to decrypt value")

// Cipher seals and opens env binding values.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a Cipher from the ENCRYPTION_KEY value.
func New(key string) (*Cipher, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrKeyMissing
	}

	var raw []byte
	if pass, ok := strings.CutPrefix(key, argonPrefix); ok {
		if pass == "" {
			return nil, ErrKeyMissing
		}
		raw = argon2.IDKey([]byte(pass), []byte(derivationSalt), argonTime, argonMemory, argonThreads, argonKeyLen)
	} else {
		decoded, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("encryption key must be base64 or argon2:<passphrase>: %w", err)
		}
		if len(decoded) != argonKeyLen {
			return nil, fmt.Errorf("encryption key must decode to %d bytes, got %d", argonKeyLen, len(decoded))
		}
		raw = decoded
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns "nonce:ciphertext", both base64.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(nonce) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(value string) (string, error) {
	nonceB64, sealedB64, ok := strings.Cut(value, ":")
	if !ok {
		return "", ErrDecrypt
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return "", ErrDecrypt
	}
	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return "", ErrDecrypt
	}
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
