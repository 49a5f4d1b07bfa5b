// Package vault encrypts social account credentials at rest.
//
// Ciphertexts are "v1:" followed by base64url(nonce || sealed). The key is
// derived from the configured secret with HKDF-SHA256 and the cipher is
// XChaCha20-Poly1305. The account id is bound as additional data, so a
// ciphertext copied onto another account does not open.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const prefix = "v1:"

var hkdfInfo = []byte("socialpilot credentials v1")

// ErrDecrypt is returned for any ciphertext that fails to open.
var ErrDecrypt = errors.New("vault: decrypt failed")

// Vault seals and opens credential blobs.
type Vault struct {
	key []byte
}

// New derives the encryption key from secret. secret must not be empty.
func New(secret string) (*Vault, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("vault: empty secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return &Vault{key: key}, nil
}

// Seal encrypts plaintext for accountID.
func (v *Vault) Seal(accountID string, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(accountID))
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a ciphertext produced by Seal for the same accountID.
func (v *Vault) Open(accountID, ciphertext string) ([]byte, error) {
	body, ok := strings.CutPrefix(ciphertext, prefix)
	if !ok {
		return nil, fmt.Errorf("%w: unknown format", ErrDecrypt)
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], []byte(accountID))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
