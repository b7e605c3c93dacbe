package codec

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
)

// VersionByte identifies the StrKey payload kind.
type VersionByte byte

const (
	VersionAccount  VersionByte = 6 << 3  // G...
	VersionContract VersionByte = 2 << 3  // C...
	VersionSeed     VersionByte = 18 << 3 // S...
)

// StrKeyLength is the encoded length of a 32-byte payload.
const StrKeyLength = 56

var ErrInvalidStrKey = errors.New("invalid strkey")

var strkeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodeStrKey encodes a 32-byte payload with the given version byte.
func EncodeStrKey(version VersionByte, payload []byte) (string, error) {
	if len(payload) != 32 {
		return "", fmt.Errorf("%w: payload must be 32 bytes, got %d", ErrInvalidStrKey, len(payload))
	}
	raw := make([]byte, 0, 35)
	raw = append(raw, byte(version))
	raw = append(raw, payload...)
	raw = binary.LittleEndian.AppendUint16(raw, crc16XModem(raw))
	return strkeyEncoding.EncodeToString(raw), nil
}

// DecodeStrKey checks length, version and checksum and returns the payload.
func DecodeStrKey(version VersionByte, s string) ([]byte, error) {
	if len(s) != StrKeyLength {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidStrKey, len(s), StrKeyLength)
	}
	raw, err := strkeyEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStrKey, err)
	}
	if len(raw) != 35 {
		return nil, fmt.Errorf("%w: decoded length %d", ErrInvalidStrKey, len(raw))
	}
	if VersionByte(raw[0]) != version {
		return nil, fmt.Errorf("%w: unexpected version byte 0x%02x", ErrInvalidStrKey, raw[0])
	}
	body, sum := raw[:33], binary.LittleEndian.Uint16(raw[33:])
	if crc16XModem(body) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidStrKey)
	}
	out := make([]byte, 32)
	copy(out, raw[1:33])
	return out, nil
}

// IsAccountAddress reports whether s is a valid G... address.
func IsAccountAddress(s string) bool {
	_, err := DecodeStrKey(VersionAccount, s)
	return err == nil
}

// IsContractAddress reports whether s is a valid C... address.
func IsContractAddress(s string) bool {
	_, err := DecodeStrKey(VersionContract, s)
	return err == nil
}

func crc16XModem(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
