// Package vault encrypts a wallet's raw private key under a per-wallet
// Data-Encryption-Key (DEK) and wraps that DEK under a Key-Encryption-Key
// (KEK) derived from user-held material: a passkey PRF output, a
// passphrase, or (insecurely) a fallback identifier.
//
// Secret lifecycle: absent -> encrypted record -> transient plaintext
// returned by Decrypt. Plaintext, DEK and KEK are never cached.
package vault

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrMissingKeyMaterial means the record lacks its wrap nonce or salt.
	// It is permanent; the wallet secret must be re-created.
	ErrMissingKeyMaterial = errors.New("record is missing mandatory key material; recreate this credential")

	// ErrDecryptionFailed covers both a wrong key and tampered data.
	ErrDecryptionFailed = errors.New("decryption failed")

	ErrMaterialMismatch  = errors.New("key material does not match record")
	ErrUnsupportedRecord = errors.New("unsupported record")
	ErrRecordNotFound    = errors.New("record not found")
)

const (
	adPurposeData = "data"
	adPurposeWrap = "wrap"
)

// Store persists one EncryptedSecret per wallet. PutSecret must replace a
// record atomically: readers see either the old or the new record whole.
type Store interface {
	GetSecret(ctx context.Context, walletID string) (*EncryptedSecret, error)
	PutSecret(ctx context.Context, rec *EncryptedSecret) error
	DeleteSecret(ctx context.Context, walletID string) error
}

// Config configures a Vault. Zero values select the defaults.
type Config struct {
	// Cipher encrypts new records. Defaults to ChaCha20Poly1305.
	Cipher AeadCipher
	// Ciphers are additionally accepted when decrypting, keyed by their
	// Algorithm(). The built-in ciphers are always accepted.
	Ciphers []AeadCipher
	KDF     KeyDerivation
	Policy  *Policy
	Random  io.Reader
	Now     func() time.Time
}

// Vault implements the key-wrapping scheme. It holds no key state.
type Vault struct {
	store   Store
	cipher  AeadCipher
	ciphers map[string]AeadCipher
	kdf     KeyDerivation
	policy  Policy
	random  io.Reader
	now     func() time.Time
}

// New creates a vault backed by store. store may be nil when only the
// in-memory primitives (Seal, Decrypt) are used.
func New(store Store, cfg Config) (*Vault, error) {
	v := &Vault{
		store:   store,
		cipher:  cfg.Cipher,
		kdf:     cfg.KDF,
		random:  cfg.Random,
		now:     cfg.Now,
		ciphers: map[string]AeadCipher{},
	}
	if v.cipher == nil {
		v.cipher = ChaCha20Poly1305{}
	}
	if v.kdf == nil {
		v.kdf = StandardDerivation{Info: []byte("geolink-authz kek v2")}
	}
	if v.random == nil {
		v.random = rand.Reader
	}
	if v.now == nil {
		v.now = time.Now
	}
	if cfg.Policy != nil {
		v.policy = *cfg.Policy
	} else {
		v.policy = DefaultPolicy()
	}
	if err := v.policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vault policy: %w", err)
	}

	for _, c := range []AeadCipher{ChaCha20Poly1305{}, AESGCM{}} {
		v.ciphers[c.Algorithm()] = c
	}
	for _, c := range cfg.Ciphers {
		v.ciphers[c.Algorithm()] = c
	}
	v.ciphers[v.cipher.Algorithm()] = v.cipher

	return v, nil
}

// GenerateDEK returns a fresh random key sized for the vault's cipher.
func (v *Vault) GenerateDEK() ([]byte, error) {
	return v.randomBytes(v.cipher.KeySize())
}

// EncryptSecret encrypts plaintext under dek with a freshly generated
// nonce. There is no way to pass a nonce in.
func (v *Vault) EncryptSecret(plaintext, dek, ad []byte) (ciphertext, iv []byte, err error) {
	return v.seal(v.cipher, plaintext, dek, ad)
}

// DecryptSecret is the inverse of EncryptSecret.
func (v *Vault) DecryptSecret(ciphertext, iv, dek, ad []byte) ([]byte, error) {
	return v.open(v.cipher, ciphertext, iv, dek, ad)
}

// WrapDEK encrypts dek under kek with its own independent nonce.
func (v *Vault) WrapDEK(dek, kek, ad []byte) (wrapped, wrapIV []byte, err error) {
	return v.seal(v.cipher, dek, kek, ad)
}

// UnwrapDEK recovers a DEK wrapped by WrapDEK.
func (v *Vault) UnwrapDEK(wrapped, wrapIV, kek, ad []byte) ([]byte, error) {
	return v.open(v.cipher, wrapped, wrapIV, kek, ad)
}

// DeriveKEK applies the material priority chain for a new record and
// returns the KEK together with the parameters to store.
func (v *Vault) DeriveKEK(m Material, salt []byte) ([]byte, KDFParams, error) {
	params, secret, err := v.policy.paramsFor(m)
	if err != nil {
		return nil, KDFParams{}, err
	}
	kek, err := v.kdf.DeriveKey(params, secret, salt, v.cipher.KeySize())
	if err != nil {
		return nil, KDFParams{}, err
	}
	return kek, params, nil
}

// Seal builds a complete record for walletID without persisting it.
func (v *Vault) Seal(walletID string, plaintext []byte, m Material) (*EncryptedSecret, error) {
	if walletID == "" {
		return nil, fmt.Errorf("wallet ID is required")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext secret is empty")
	}

	salt, err := v.randomBytes(SaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	kek, params, err := v.DeriveKEK(m, salt)
	if err != nil {
		return nil, err
	}
	defer Zero(kek)
	if !params.Method.Secure() {
		log.Warn().
			Str("wallet_id", walletID).
			Bool("insecure_derivation", true).
			Msg("Encrypting wallet secret with fallback key derivation")
	}

	dek, err := v.GenerateDEK()
	if err != nil {
		return nil, fmt.Errorf("failed to generate DEK: %w", err)
	}
	defer Zero(dek)

	ciphertext, dataIV, err := v.EncryptSecret(plaintext, dek, additionalData(adPurposeData, walletID, FormatVersionCurrent))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}
	wrapped, wrapIV, err := v.WrapDEK(dek, kek, additionalData(adPurposeWrap, walletID, FormatVersionCurrent))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap DEK: %w", err)
	}

	return &EncryptedSecret{
		ID:         uuid.NewString(),
		WalletID:   walletID,
		WrappedKey: wrapped,
		Ciphertext: ciphertext,
		DataIV:     dataIV,
		WrapIV:     wrapIV,
		Salt:       salt,
		Metadata: Metadata{
			Algorithm:  v.cipher.Algorithm(),
			Derivation: params,
			CreatedAt:  v.now().Unix(),
			Version:    FormatVersionCurrent,
		},
	}, nil
}

// EncryptAndStore seals plaintext for walletID and persists the record.
// Nothing is written unless the whole record was built.
func (v *Vault) EncryptAndStore(ctx context.Context, walletID string, plaintext []byte, m Material) (*EncryptedSecret, error) {
	if v.store == nil {
		return nil, fmt.Errorf("vault has no store")
	}
	rec, err := v.Seal(walletID, plaintext, m)
	if err != nil {
		return nil, err
	}
	if err := v.store.PutSecret(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store record: %w", err)
	}

	log.Info().
		Str("wallet_id", walletID).
		Str("record_id", rec.ID).
		Str("derivation", string(rec.Metadata.Derivation.Method)).
		Str("algorithm", rec.Metadata.Algorithm).
		Msg("Wallet secret encrypted")
	return rec, nil
}

// Decrypt recovers the plaintext secret. The record's stored salt and
// derivation parameters are always used. The caller owns the returned
// slice and should Zero it when done.
func (v *Vault) Decrypt(rec *EncryptedSecret, m Material) ([]byte, error) {
	if rec == nil {
		return nil, ErrRecordNotFound
	}

	c, ok := v.ciphers[rec.Metadata.Algorithm]
	if !ok {
		// Presence of wrap material is judged before anything else so a
		// legacy record always reports the actionable error.
		if len(rec.WrapIV) == 0 || len(rec.Salt) == 0 {
			return nil, rec.checkKeyMaterial(0)
		}
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrUnsupportedRecord, rec.Metadata.Algorithm)
	}
	if err := rec.checkKeyMaterial(c.NonceSize()); err != nil {
		return nil, err
	}
	if err := rec.checkVersion(); err != nil {
		return nil, err
	}

	params := rec.Metadata.Derivation
	secret, err := secretFor(params.Method, m)
	if err != nil {
		return nil, err
	}
	if !params.Method.Secure() {
		log.Warn().
			Str("wallet_id", rec.WalletID).
			Bool("insecure_derivation", true).
			Msg("Decrypting wallet secret protected by fallback key derivation")
	}

	kek, err := v.kdf.DeriveKey(params, secret, rec.Salt, c.KeySize())
	if err != nil {
		return nil, err
	}
	defer Zero(kek)

	dek, err := v.open(c, rec.WrappedKey, rec.WrapIV, kek, additionalData(adPurposeWrap, rec.WalletID, rec.Metadata.Version))
	if err != nil {
		return nil, err
	}
	defer Zero(dek)

	return v.open(c, rec.Ciphertext, rec.DataIV, dek, additionalData(adPurposeData, rec.WalletID, rec.Metadata.Version))
}

// DecryptWallet loads and decrypts the record for walletID.
func (v *Vault) DecryptWallet(ctx context.Context, walletID string, m Material) ([]byte, error) {
	if v.store == nil {
		return nil, fmt.Errorf("vault has no store")
	}
	rec, err := v.store.GetSecret(ctx, walletID)
	if err != nil {
		return nil, err
	}
	plaintext, err := v.Decrypt(rec, m)
	if err != nil {
		log.Warn().Err(err).Str("wallet_id", walletID).Msg("Wallet secret decryption failed")
		return nil, err
	}
	log.Debug().Str("wallet_id", walletID).Msg("Wallet secret decrypted")
	return plaintext, nil
}

// Rotate re-encrypts the wallet secret under next. The new record is built
// completely before it replaces the old one.
func (v *Vault) Rotate(ctx context.Context, walletID string, current, next Material) (*EncryptedSecret, error) {
	plaintext, err := v.DecryptWallet(ctx, walletID, current)
	if err != nil {
		return nil, err
	}
	defer Zero(plaintext)

	rec, err := v.Seal(walletID, plaintext, next)
	if err != nil {
		return nil, err
	}
	if err := v.store.PutSecret(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to replace record: %w", err)
	}

	log.Info().
		Str("wallet_id", walletID).
		Str("record_id", rec.ID).
		Str("derivation", string(rec.Metadata.Derivation.Method)).
		Msg("Wallet secret re-encrypted")
	return rec, nil
}

// Delete removes the wallet's record.
func (v *Vault) Delete(ctx context.Context, walletID string) error {
	if v.store == nil {
		return fmt.Errorf("vault has no store")
	}
	if err := v.store.DeleteSecret(ctx, walletID); err != nil {
		return err
	}
	log.Info().Str("wallet_id", walletID).Msg("Wallet secret deleted")
	return nil
}

func (v *Vault) seal(c AeadCipher, plaintext, key, ad []byte) ([]byte, []byte, error) {
	nonce, err := v.randomBytes(c.NonceSize())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext, err := c.Seal(key, nonce, plaintext, ad)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, nonce, nil
}

// open collapses every AEAD failure into ErrDecryptionFailed.
func (v *Vault) open(c AeadCipher, ciphertext, nonce, key, ad []byte) ([]byte, error) {
	plaintext, err := c.Open(key, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (v *Vault) randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(v.random, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Zero overwrites b.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
