package oidc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Encryptor provides optional at-rest encryption of stored payloads using
// AES-256-GCM with a key derived from a caller-supplied secret. A zero-value
// or nil Encryptor passes payloads through unchanged.
type Encryptor struct {
	aead    cipher.AEAD
	enabled bool
}

// NewEncryptor derives a 256-bit key from secret with HKDF-SHA256 and
// returns an Encryptor. An empty secret returns a disabled Encryptor.
func NewEncryptor(secret []byte) (*Encryptor, error) {
	const op = "oidc.NewEncryptor"
	if len(secret) == 0 {
		return &Encryptor{}, nil
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("oidc session storage"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%s: unable to derive key: %w", op, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create cipher: %w", op, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create GCM: %w", op, err)
	}
	return &Encryptor{aead: aead, enabled: true}, nil
}

// Encrypt seals plaintext and returns base64 of nonce||ciphertext.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	const op = "Encryptor.Encrypt"
	if e == nil || !e.enabled {
		return plaintext, nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%s: unable to generate nonce: %w", op, err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any decode or authentication failure is
// returned so callers can treat the record as corrupted.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	const op = "Encryptor.Decrypt"
	if e == nil || !e.enabled {
		return encoded, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%s: unable to decode payload: %w", op, err)
	}
	if len(sealed) < e.aead.NonceSize() {
		return "", fmt.Errorf("%s: payload is shorter than the nonce: %w", op, ErrInvalidParameter)
	}
	nonce, ciphertext := sealed[:e.aead.NonceSize()], sealed[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%s: unable to open payload: %w", op, err)
	}
	return string(plaintext), nil
}
