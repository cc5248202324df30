// Package vault is a pure codec for per-tenant secrets: AES-256-GCM
// encryption under a single master key configured at startup. The vault
// stores nothing; credentials are materialized only for the lifetime of one
// sync job.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/mstakhov/wbsync/internal/domain"
)

// Vault encrypts and decrypts credential blobs under the master key.
type Vault struct {
	aead cipher.AEAD
}

// New creates a vault from a hex-encoded 32-byte master key.
func New(masterKeyHex string) (*Vault, error) {
	if masterKeyHex == "" {
		return nil, domain.NewError(domain.KindConfigMissing, "master encryption key is not configured")
	}

	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, domain.WrapError(domain.KindConfigMissing, "master encryption key is not valid hex", err)
	}
	if len(key) != 32 {
		return nil, domain.NewError(domain.KindConfigMissing,
			fmt.Sprintf("master encryption key must be 32 bytes, got %d", len(key)))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext. The random nonce is prepended to the ciphertext.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. A truncated blob or a failed
// authentication tag surfaces as CredentialCorrupt.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, domain.NewError(domain.KindCredentialCorrupt, "ciphertext shorter than nonce")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, domain.WrapError(domain.KindCredentialCorrupt, "failed to decrypt credential blob", err)
	}

	return plaintext, nil
}
