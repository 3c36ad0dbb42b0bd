// Package keyvault generates, versions and rotates per-content encryption
// keys using envelope encryption. The content-encryption key (CEK) is wrapped
// under a per-content key-encryption key (KEK) that never leaves the
// KeyWrapper.
package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyWrapper wraps and unwraps content-encryption keys. The local
// implementation derives KEKs from a static seed; a production deployment
// substitutes a real KMS/HSM behind this same interface.
type KeyWrapper interface {
	Wrap(contentID string, cek []byte) ([]byte, error)
	Unwrap(contentID string, wrapped []byte) ([]byte, error)
}

// kekSalt is the HKDF domain separator for KEK derivation.
var kekSalt = []byte("mediavault-kek-v1")

// LocalKeyWrapper derives a per-content KEK with HKDF-SHA256 from a master
// seed and wraps CEKs with AES-256-GCM.
type LocalKeyWrapper struct {
	masterSeed []byte
}

// NewLocalKeyWrapper creates a wrapper from the configured master seed.
func NewLocalKeyWrapper(masterSeed []byte) (*LocalKeyWrapper, error) {
	if len(masterSeed) < 16 {
		return nil, errors.New("master seed must be at least 16 bytes")
	}
	seed := make([]byte, len(masterSeed))
	copy(seed, masterSeed)
	return &LocalKeyWrapper{masterSeed: seed}, nil
}

// deriveKEK derives the 32-byte per-content KEK.
func (w *LocalKeyWrapper) deriveKEK(contentID string) ([]byte, error) {
	r := hkdf.New(sha256.New, w.masterSeed, kekSalt, []byte(contentID))
	kek := make([]byte, 32)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("kek derivation failed: %w", err)
	}
	return kek, nil
}

// Wrap encrypts the CEK under the per-content KEK. Output layout is
// nonce || ciphertext.
func (w *LocalKeyWrapper) Wrap(contentID string, cek []byte) ([]byte, error) {
	if len(cek) == 0 {
		return nil, errors.New("cek cannot be empty")
	}
	kek, err := w.deriveKEK(contentID)
	if err != nil {
		return nil, err
	}
	defer zero(kek)

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, cek, []byte(contentID)), nil
}

// Unwrap decrypts a wrapped CEK produced by Wrap.
func (w *LocalKeyWrapper) Unwrap(contentID string, wrapped []byte) ([]byte, error) {
	kek, err := w.deriveKEK(contentID)
	if err != nil {
		return nil, err
	}
	defer zero(kek)

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, errors.New("wrapped key too short")
	}
	nonce, ciphertext := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	cek, err := gcm.Open(nil, nonce, ciphertext, []byte(contentID))
	if err != nil {
		return nil, fmt.Errorf("unwrap failed: %w", err)
	}
	return cek, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
