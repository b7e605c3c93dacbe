package codec

import (
	"errors"
	"testing"
)

func FuzzDERSignatureToRaw64(f *testing.F) {
	f.Add([]byte{0x30, 0x06, 0x02, 0x01, 0x01, 0x02, 0x01, 0x01})
	f.Add([]byte{0x30, 0x80})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, der []byte) {
		raw, err := DERSignatureToRaw64(der)
		if err != nil {
			if !errors.Is(err, ErrInvalidSignatureEncoding) {
				t.Fatalf("unexpected error kind: %v", err)
			}
			return
		}
		if len(raw) != 64 {
			t.Fatalf("raw length %d", len(raw))
		}
	})
}

func FuzzExtractUncompressedP256PublicKey(f *testing.F) {
	f.Add([]byte{0x30, 0x59, 0x30, 0x13})
	f.Add(make([]byte, 91))

	f.Fuzz(func(t *testing.T, spki []byte) {
		out, err := ExtractUncompressedP256PublicKey(spki)
		if err == nil && out[0] != 0x04 {
			t.Fatalf("accepted key without 0x04 marker")
		}
		if _, err := ExtractUncompressedP256PublicKeyLenient(spki); err != nil && !errors.Is(err, ErrInvalidPublicKeyEncoding) {
			t.Fatalf("unexpected error kind: %v", err)
		}
	})
}
