package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm identifiers recorded in Metadata.Algorithm.
const (
	AlgChaCha20Poly1305 = "CHACHA20-POLY1305"
	AlgAES256GCM        = "AES-256-GCM"
)

// AeadCipher is the authenticated-encryption primitive used both to
// encrypt the wallet secret under the DEK and to wrap the DEK under the
// KEK. Implementations never choose nonces; the vault always supplies a
// fresh random one.
type AeadCipher interface {
	Algorithm() string
	KeySize() int
	NonceSize() int
	Seal(key, nonce, plaintext, additionalData []byte) ([]byte, error)
	Open(key, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// ChaCha20Poly1305 is the default cipher for new records.
type ChaCha20Poly1305 struct{}

func (ChaCha20Poly1305) Algorithm() string { return AlgChaCha20Poly1305 }
func (ChaCha20Poly1305) KeySize() int      { return chacha20poly1305.KeySize }
func (ChaCha20Poly1305) NonceSize() int    { return chacha20poly1305.NonceSize }

func (ChaCha20Poly1305) Seal(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

func (ChaCha20Poly1305) Open(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	return aead.Open(nil, nonce, ciphertext, additionalData)
}

// AESGCM matches records produced by WebCrypto clients (AES-GCM, 96-bit IV).
type AESGCM struct{}

func (AESGCM) Algorithm() string { return AlgAES256GCM }
func (AESGCM) KeySize() int      { return 32 }
func (AESGCM) NonceSize() int    { return 12 }

func (AESGCM) Seal(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

func (AESGCM) Open(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, additionalData)
}

func newGCM(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("AES-256-GCM key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	return aead, nil
}

// CipherByName returns the built-in cipher for an algorithm identifier.
func CipherByName(name string) (AeadCipher, error) {
	switch name {
	case AlgChaCha20Poly1305:
		return ChaCha20Poly1305{}, nil
	case AlgAES256GCM:
		return AESGCM{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrUnsupportedRecord, name)
	}
}
