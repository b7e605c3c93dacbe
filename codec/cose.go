package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// COSE identifiers for the only key shape accepted: EC2 / P-256 / ES256.
const (
	COSEKeyTypeEC2 = 2
	COSECurveP256  = 1
	COSEAlgES256   = -7
)

// COSEKey is the CBOR map an authenticator embeds in attested credential
// data.
type COSEKey struct {
	Kty int64  `cbor:"1,keyasint"`
	Alg int64  `cbor:"3,keyasint"`
	Crv int64  `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

var (
	coseDecMode cbor.DecMode
	coseEncMode cbor.EncMode
)

func init() {
	var err error
	coseDecMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	coseEncMode, err = cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// ParseCOSEKey decodes the first CBOR item in data as a COSE key and
// returns the bytes that follow it.
func ParseCOSEKey(data []byte) (*COSEKey, []byte, error) {
	var key COSEKey
	rest, err := coseDecMode.UnmarshalFirst(data, &key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: COSE key: %v", ErrInvalidPublicKeyEncoding, err)
	}
	return &key, rest, nil
}

// COSEKeyToUncompressed converts an ES256 COSE key to 0x04 || X || Y.
func COSEKeyToUncompressed(data []byte) ([65]byte, error) {
	var out [65]byte
	key, rest, err := ParseCOSEKey(data)
	if err != nil {
		return out, err
	}
	if len(rest) != 0 {
		return out, fmt.Errorf("%w: %d trailing bytes after COSE key", ErrInvalidPublicKeyEncoding, len(rest))
	}
	return key.Uncompressed()
}

// Uncompressed validates the key parameters and returns the point.
func (k *COSEKey) Uncompressed() ([65]byte, error) {
	var out [65]byte
	if k.Kty != COSEKeyTypeEC2 || k.Crv != COSECurveP256 {
		return out, fmt.Errorf("%w: kty=%d crv=%d, want EC2/P-256", ErrInvalidPublicKeyEncoding, k.Kty, k.Crv)
	}
	if k.Alg != COSEAlgES256 {
		return out, fmt.Errorf("%w: alg=%d, want ES256", ErrInvalidPublicKeyEncoding, k.Alg)
	}
	if len(k.X) != coordinateSize || len(k.Y) != coordinateSize {
		return out, fmt.Errorf("%w: coordinates must be 32 bytes", ErrInvalidPublicKeyEncoding)
	}
	p := make([]byte, 0, UncompressedPointSize)
	p = append(p, 0x04)
	p = append(p, k.X...)
	p = append(p, k.Y...)
	return checkPoint(p)
}

// EncodeCOSEKey produces the CTAP2 canonical COSE encoding of a P-256 point.
func EncodeCOSEKey(point []byte) ([]byte, error) {
	if _, err := checkPoint(point); err != nil {
		return nil, err
	}
	return coseEncMode.Marshal(&COSEKey{
		Kty: COSEKeyTypeEC2,
		Alg: COSEAlgES256,
		Crv: COSECurveP256,
		X:   point[1 : 1+coordinateSize],
		Y:   point[1+coordinateSize:],
	})
}
