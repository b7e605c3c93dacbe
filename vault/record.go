package vault

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Record format versions. Version 1 records predate the stored wrap nonce
// and salt and cannot be decrypted.
const (
	FormatVersionLegacy  = 1
	FormatVersionCurrent = 2
)

// SaltSize is the KEK derivation salt length.
const SaltSize = 16

// EncryptedSecret is the persisted, per-wallet envelope. It is immutable:
// re-encryption produces a new record that replaces this one whole.
type EncryptedSecret struct {
	ID         string   `cbor:"1,keyasint"`
	WalletID   string   `cbor:"2,keyasint"`
	WrappedKey []byte   `cbor:"3,keyasint"`
	Ciphertext []byte   `cbor:"4,keyasint"`
	DataIV     []byte   `cbor:"5,keyasint"`
	WrapIV     []byte   `cbor:"6,keyasint,omitempty"`
	Salt       []byte   `cbor:"7,keyasint,omitempty"`
	Metadata   Metadata `cbor:"8,keyasint"`
}

// Metadata describes how the record was produced.
type Metadata struct {
	Algorithm  string    `cbor:"1,keyasint"`
	Derivation KDFParams `cbor:"2,keyasint"`
	CreatedAt  int64     `cbor:"3,keyasint"`
	Version    int       `cbor:"4,keyasint"`
}

var (
	recordEncMode cbor.EncMode
	recordDecMode cbor.DecMode
)

func init() {
	var err error
	recordEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	recordDecMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// MarshalRecord serializes a record in deterministic CBOR.
func MarshalRecord(rec *EncryptedSecret) ([]byte, error) {
	data, err := recordEncMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

// UnmarshalRecord parses a stored record. It does not judge whether the
// record is decryptable; Decrypt does that so the caller gets the specific
// error kind.
func UnmarshalRecord(data []byte) (*EncryptedSecret, error) {
	var rec EncryptedSecret
	if err := recordDecMode.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedRecord, err)
	}
	return &rec, nil
}

// checkKeyMaterial runs before any cryptographic call.
func (r *EncryptedSecret) checkKeyMaterial(nonceSize int) error {
	if len(r.WrapIV) == 0 {
		return fmt.Errorf("%w: record has no wrap nonce", ErrMissingKeyMaterial)
	}
	if len(r.Salt) == 0 {
		return fmt.Errorf("%w: record has no salt", ErrMissingKeyMaterial)
	}
	if len(r.WrapIV) != nonceSize {
		return fmt.Errorf("%w: wrap nonce is %d bytes, want %d", ErrMissingKeyMaterial, len(r.WrapIV), nonceSize)
	}
	if len(r.Salt) != SaltSize {
		return fmt.Errorf("%w: salt is %d bytes, want %d", ErrMissingKeyMaterial, len(r.Salt), SaltSize)
	}
	if len(r.DataIV) != nonceSize {
		return fmt.Errorf("%w: data nonce is %d bytes, want %d", ErrUnsupportedRecord, len(r.DataIV), nonceSize)
	}
	if len(r.WrappedKey) == 0 || len(r.Ciphertext) == 0 {
		return fmt.Errorf("%w: empty ciphertext", ErrUnsupportedRecord)
	}
	return nil
}

func (r *EncryptedSecret) checkVersion() error {
	switch r.Metadata.Version {
	case FormatVersionCurrent:
		return nil
	case FormatVersionLegacy:
		return fmt.Errorf("%w: legacy record format", ErrMissingKeyMaterial)
	default:
		return fmt.Errorf("%w: format version %d", ErrUnsupportedRecord, r.Metadata.Version)
	}
}

// additionalData binds each AEAD call to the wallet, format version and
// purpose, so a wrapped DEK cannot be replayed as a secret ciphertext or
// moved to another wallet's record.
func additionalData(purpose, walletID string, version int) []byte {
	return []byte(fmt.Sprintf("geolink-authz/v%d/%s/%s", version, purpose, walletID))
}
