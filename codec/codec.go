// Package codec holds the byte-level conversions shared by the vault, the
// passkey authenticator and the intent codec: base64 variants, ECDSA DER
// signatures, SPKI and COSE public keys, and Stellar StrKey addresses.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedEncoding        = errors.New("malformed encoding")
	ErrInvalidSignatureEncoding = errors.New("invalid signature encoding")
	ErrInvalidPublicKeyEncoding = errors.New("invalid public key encoding")
)

// Encode returns standard padded base64.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// EncodeURL returns unpadded base64url, the form WebAuthn uses for
// challenges inside clientDataJSON.
func EncodeURL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode decodes standard padded base64.
func Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return b, nil
}

// DecodeURL accepts base64 or base64url, padded or not. Any character
// outside both alphabets is rejected.
func DecodeURL(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if len(s)%4 == 1 {
		return nil, fmt.Errorf("%w: impossible base64 length %d", ErrMalformedEncoding, len(s))
	}

	var sb strings.Builder
	sb.Grow(len(s) + 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '-':
			sb.WriteByte('+')
		case c == '_':
			sb.WriteByte('/')
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/':
			sb.WriteByte(c)
		default:
			return nil, fmt.Errorf("%w: invalid character %q at offset %d", ErrMalformedEncoding, c, i)
		}
	}
	for sb.Len()%4 != 0 {
		sb.WriteByte('=')
	}

	b, err := base64.StdEncoding.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return b, nil
}
