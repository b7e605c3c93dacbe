package vault

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// DerivationMethod tags how a record's KEK was derived.
type DerivationMethod string

const (
	MethodCredentialPRF    DerivationMethod = "credential-prf"
	MethodPasswordPBKDF2   DerivationMethod = "password-pbkdf2"
	MethodPasswordArgon2id DerivationMethod = "password-argon2id"
	MethodFallback         DerivationMethod = "fallback"
)

// MinPasswordIterations is the floor for PBKDF2 on passphrase input.
const MinPasswordIterations = 200_000

// Argon2id defaults (same as the mobile apps).
const (
	Argon2idTime    = 3
	Argon2idMemory  = 262144 // 256 MB
	Argon2idThreads = 4
)

// Secure reports whether the method is suitable for production secrecy.
func (m DerivationMethod) Secure() bool {
	return m != MethodFallback
}

// Material is the caller-supplied keying input. Exactly one source is
// used, in priority order PRF > Passphrase > FallbackID.
type Material struct {
	PRF        []byte
	Passphrase []byte
	FallbackID string
}

// KDFParams are stored with each record so a later policy change never
// prevents decrypting older records.
type KDFParams struct {
	Method     DerivationMethod `cbor:"1,keyasint"`
	Iterations uint32           `cbor:"2,keyasint,omitempty"`
	Memory     uint32           `cbor:"3,keyasint,omitempty"`
	Threads    uint8            `cbor:"4,keyasint,omitempty"`
}

// KeyDerivation turns secret input and salt into a KEK.
type KeyDerivation interface {
	DeriveKey(params KDFParams, secret, salt []byte, keyLen int) ([]byte, error)
}

// StandardDerivation implements KeyDerivation with HKDF-SHA256 for PRF
// output, and PBKDF2-SHA256 or Argon2id for low-entropy input.
type StandardDerivation struct {
	// Info is the HKDF context string for PRF-derived KEKs.
	Info []byte
}

func (d StandardDerivation) DeriveKey(params KDFParams, secret, salt []byte, keyLen int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty key material", ErrMaterialMismatch)
	}

	switch params.Method {
	case MethodCredentialPRF:
		r := hkdf.New(sha256.New, secret, salt, d.Info)
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("key derivation failed: %w", err)
		}
		return key, nil

	case MethodPasswordPBKDF2, MethodFallback:
		if params.Iterations == 0 {
			return nil, fmt.Errorf("%w: PBKDF2 iterations not set", ErrUnsupportedRecord)
		}
		return pbkdf2.Key(secret, salt, int(params.Iterations), keyLen, sha256.New), nil

	case MethodPasswordArgon2id:
		if params.Iterations == 0 || params.Memory == 0 || params.Threads == 0 {
			return nil, fmt.Errorf("%w: Argon2id parameters not set", ErrUnsupportedRecord)
		}
		return argon2.IDKey(secret, salt, params.Iterations, params.Memory, params.Threads, uint32(keyLen)), nil

	default:
		return nil, fmt.Errorf("%w: unknown derivation method %q", ErrUnsupportedRecord, params.Method)
	}
}

// Policy selects KDF parameters for new records.
type Policy struct {
	Password      KDFParams
	Fallback      KDFParams
	AllowFallback bool
}

// DefaultPolicy uses PBKDF2 with 210,000 iterations for passphrases and
// fallback identifiers.
func DefaultPolicy() Policy {
	return Policy{
		Password:      KDFParams{Method: MethodPasswordPBKDF2, Iterations: 210_000},
		Fallback:      KDFParams{Method: MethodFallback, Iterations: 210_000},
		AllowFallback: true,
	}
}

// Validate checks the policy against the minimum strength rules.
func (p Policy) Validate() error {
	switch p.Password.Method {
	case MethodPasswordPBKDF2:
		if p.Password.Iterations < MinPasswordIterations {
			return fmt.Errorf("PBKDF2 iterations %d below minimum %d", p.Password.Iterations, MinPasswordIterations)
		}
	case MethodPasswordArgon2id:
		if p.Password.Iterations == 0 || p.Password.Memory == 0 || p.Password.Threads == 0 {
			return fmt.Errorf("incomplete Argon2id parameters")
		}
	default:
		return fmt.Errorf("password method must be %s or %s, got %q", MethodPasswordPBKDF2, MethodPasswordArgon2id, p.Password.Method)
	}
	if p.AllowFallback && (p.Fallback.Method != MethodFallback || p.Fallback.Iterations == 0) {
		return fmt.Errorf("fallback parameters must use method %s with iterations", MethodFallback)
	}
	return nil
}

// paramsFor picks the derivation for new records following the material
// priority chain.
func (p Policy) paramsFor(m Material) (KDFParams, []byte, error) {
	switch {
	case len(m.PRF) > 0:
		return KDFParams{Method: MethodCredentialPRF}, m.PRF, nil
	case len(m.Passphrase) > 0:
		return p.Password, m.Passphrase, nil
	case m.FallbackID != "":
		if !p.AllowFallback {
			return KDFParams{}, nil, fmt.Errorf("%w: fallback derivation disabled", ErrMaterialMismatch)
		}
		return p.Fallback, []byte(m.FallbackID), nil
	default:
		return KDFParams{}, nil, fmt.Errorf("%w: no key material supplied", ErrMaterialMismatch)
	}
}

// secretFor returns the material input matching a stored method.
func secretFor(method DerivationMethod, m Material) ([]byte, error) {
	var secret []byte
	switch method {
	case MethodCredentialPRF:
		secret = m.PRF
	case MethodPasswordPBKDF2, MethodPasswordArgon2id:
		secret = m.Passphrase
	case MethodFallback:
		secret = []byte(m.FallbackID)
	default:
		return nil, fmt.Errorf("%w: unknown derivation method %q", ErrUnsupportedRecord, method)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: record requires %s material", ErrMaterialMismatch, method)
	}
	return secret, nil
}
