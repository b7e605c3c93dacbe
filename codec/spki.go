package codec

import (
	"bytes"
	"crypto/ecdh"
	encasn1 "encoding/asn1"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// UncompressedPointSize is 0x04 || X || Y for P-256.
const UncompressedPointSize = 1 + 2*coordinateSize

var (
	oidPublicKeyECDSA = encasn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidNamedCurveP256 = encasn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
)

// ExtractUncompressedP256PublicKey returns the 65-byte uncompressed point
// held in a SubjectPublicKeyInfo. The structure must be exactly
// SEQUENCE { SEQUENCE { ecPublicKey, prime256v1 }, BIT STRING(0x42) } and the
// point must lie on the curve.
func ExtractUncompressedP256PublicKey(spki []byte) ([65]byte, error) {
	var out [65]byte

	input := cryptobyte.String(spki)
	var info, algo, bits cryptobyte.String
	var algOID, curveOID encasn1.ObjectIdentifier
	if !input.ReadASN1(&info, asn1.SEQUENCE) || !input.Empty() {
		return out, fmt.Errorf("%w: expected a single SEQUENCE", ErrInvalidPublicKeyEncoding)
	}
	if !info.ReadASN1(&algo, asn1.SEQUENCE) {
		return out, fmt.Errorf("%w: missing AlgorithmIdentifier", ErrInvalidPublicKeyEncoding)
	}
	if !algo.ReadASN1ObjectIdentifier(&algOID) || !algo.ReadASN1ObjectIdentifier(&curveOID) || !algo.Empty() {
		return out, fmt.Errorf("%w: malformed AlgorithmIdentifier", ErrInvalidPublicKeyEncoding)
	}
	if !algOID.Equal(oidPublicKeyECDSA) || !curveOID.Equal(oidNamedCurveP256) {
		return out, fmt.Errorf("%w: not an ECDSA P-256 key (%s, %s)", ErrInvalidPublicKeyEncoding, algOID, curveOID)
	}
	if !info.ReadASN1(&bits, asn1.BIT_STRING) || !info.Empty() {
		return out, fmt.Errorf("%w: missing subjectPublicKey BIT STRING", ErrInvalidPublicKeyEncoding)
	}
	if len(bits) != UncompressedPointSize+1 {
		return out, fmt.Errorf("%w: BIT STRING length %d, want %d", ErrInvalidPublicKeyEncoding, len(bits), UncompressedPointSize+1)
	}
	if bits[0] != 0 {
		return out, fmt.Errorf("%w: BIT STRING has %d unused bits", ErrInvalidPublicKeyEncoding, bits[0])
	}

	return checkPoint(bits[1:])
}

// ExtractUncompressedP256PublicKeyLenient tries the strict parse first and
// then falls back to scanning for the key. It exists for interop testing
// against authenticators with atypical SPKI encodings and is never used on
// the default path.
func ExtractUncompressedP256PublicKeyLenient(data []byte) ([65]byte, error) {
	if out, err := ExtractUncompressedP256PublicKey(data); err == nil {
		return out, nil
	}
	if len(data) == UncompressedPointSize {
		return checkPoint(data)
	}

	marker := []byte{0x03, 0x42, 0x00, 0x04}
	if i := bytes.Index(data, marker); i >= 0 && len(data)-(i+3) >= UncompressedPointSize {
		if out, err := checkPoint(data[i+3 : i+3+UncompressedPointSize]); err == nil {
			return out, nil
		}
	}

	for i := len(data) - UncompressedPointSize; i >= 0; i-- {
		if data[i] != 0x04 {
			continue
		}
		if out, err := checkPoint(data[i : i+UncompressedPointSize]); err == nil {
			return out, nil
		}
	}

	var out [65]byte
	return out, fmt.Errorf("%w: no P-256 point found", ErrInvalidPublicKeyEncoding)
}

// ParseUncompressedP256 validates a 65-byte 0x04 || X || Y point.
func ParseUncompressedP256(p []byte) ([65]byte, error) {
	return checkPoint(p)
}

func checkPoint(p []byte) ([65]byte, error) {
	var out [65]byte
	if len(p) != UncompressedPointSize || p[0] != 0x04 {
		return out, fmt.Errorf("%w: expected uncompressed point marker 0x04", ErrInvalidPublicKeyEncoding)
	}
	if _, err := ecdh.P256().NewPublicKey(p); err != nil {
		return out, fmt.Errorf("%w: point not on P-256", ErrInvalidPublicKeyEncoding)
	}
	copy(out[:], p)
	return out, nil
}
