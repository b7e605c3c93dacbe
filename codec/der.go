package codec

import (
	"crypto/elliptic"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// P256 coordinate and scalar width.
const coordinateSize = 32

// DERSignatureToRaw64 converts an ASN.1 DER ECDSA signature
// (SEQUENCE { INTEGER r, INTEGER s }) into the fixed-width r||s form that
// on-chain secp256r1 verification expects. Each component is stripped of
// its sign padding and right-aligned in 32 bytes.
func DERSignatureToRaw64(der []byte) ([64]byte, error) {
	var raw [64]byte

	input := cryptobyte.String(der)
	var seq, r, s cryptobyte.String
	if !input.ReadASN1(&seq, asn1.SEQUENCE) {
		return raw, fmt.Errorf("%w: expected SEQUENCE", ErrInvalidSignatureEncoding)
	}
	if !input.Empty() {
		return raw, fmt.Errorf("%w: trailing data after SEQUENCE", ErrInvalidSignatureEncoding)
	}
	if !seq.ReadASN1(&r, asn1.INTEGER) || !seq.ReadASN1(&s, asn1.INTEGER) {
		return raw, fmt.Errorf("%w: expected two INTEGERs", ErrInvalidSignatureEncoding)
	}
	if !seq.Empty() {
		return raw, fmt.Errorf("%w: trailing data inside SEQUENCE", ErrInvalidSignatureEncoding)
	}

	rb, err := signatureComponent(r, "r")
	if err != nil {
		return raw, err
	}
	sb, err := signatureComponent(s, "s")
	if err != nil {
		return raw, err
	}

	copy(raw[coordinateSize-len(rb):coordinateSize], rb)
	copy(raw[2*coordinateSize-len(sb):], sb)
	return raw, nil
}

func signatureComponent(v []byte, name string) ([]byte, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: empty %s", ErrInvalidSignatureEncoding, name)
	}
	if v[0]&0x80 != 0 {
		return nil, fmt.Errorf("%w: negative %s", ErrInvalidSignatureEncoding, name)
	}
	for len(v) > 0 && v[0] == 0 {
		v = v[1:]
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: zero %s", ErrInvalidSignatureEncoding, name)
	}
	if len(v) > coordinateSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, max %d", ErrInvalidSignatureEncoding, name, len(v), coordinateSize)
	}
	return v, nil
}

// Raw64ToDER is the inverse of DERSignatureToRaw64.
func Raw64ToDER(raw []byte) ([]byte, error) {
	if len(raw) != 2*coordinateSize {
		return nil, fmt.Errorf("%w: raw signature must be 64 bytes, got %d", ErrInvalidSignatureEncoding, len(raw))
	}
	r, s := SplitRaw64(raw)
	if r.Sign() == 0 || s.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero component", ErrInvalidSignatureEncoding)
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}

// SplitRaw64 returns r and s from a 64-byte raw signature. The caller is
// responsible for the length check.
func SplitRaw64(raw []byte) (r, s *big.Int) {
	r = new(big.Int).SetBytes(raw[:coordinateSize])
	s = new(big.Int).SetBytes(raw[coordinateSize:])
	return r, s
}

var (
	p256Order     = elliptic.P256().Params().N
	p256HalfOrder = new(big.Int).Rsh(p256Order, 1)
)

// NormalizeLowS rewrites s as n-s when s > n/2. Both forms verify; Soroban's
// secp256r1 host function only accepts the low form.
func NormalizeLowS(raw [64]byte) [64]byte {
	s := new(big.Int).SetBytes(raw[coordinateSize:])
	if s.Cmp(p256HalfOrder) <= 0 {
		return raw
	}
	s.Sub(p256Order, s)
	out := raw
	clear(out[coordinateSize:])
	s.FillBytes(out[coordinateSize:])
	return out
}

// IsLowS reports whether the s component is in the lower half of the order.
func IsLowS(raw [64]byte) bool {
	return new(big.Int).SetBytes(raw[coordinateSize:]).Cmp(p256HalfOrder) <= 0
}
