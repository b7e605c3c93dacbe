package intent

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mesmerverse/geolink-authz/codec"
)

// Kind is the on-chain type tag of an argument value.
type Kind string

const (
	KindAddress Kind = "Address"
	KindI128    Kind = "I128"
	KindU128    Kind = "U128"
	KindI64     Kind = "I64"
	KindU64     Kind = "U64"
	KindBytes   Kind = "Bytes"
	KindBool    Kind = "Bool"
	KindString  Kind = "String"
	KindSymbol  Kind = "Symbol"
)

var knownKinds = map[Kind]bool{
	KindAddress: true, KindI128: true, KindU128: true, KindI64: true,
	KindU64: true, KindBytes: true, KindBool: true, KindString: true, KindSymbol: true,
}

// Valid reports whether k is one of the supported tags.
func (k Kind) Valid() bool {
	return knownKinds[k]
}

const maxSymbolLen = 32

var (
	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

// Value is a typed argument value. The zero Value is invalid.
type Value struct {
	kind  Kind
	text  string   // Address, String, Symbol
	num   *big.Int // integer kinds
	bytes []byte
	b     bool
}

// Kind returns the value's tag.
func (v Value) Kind() Kind {
	return v.kind
}

func Address(s string) (Value, error) {
	if !codec.IsAccountAddress(s) && !codec.IsContractAddress(s) {
		return Value{}, fmt.Errorf("%w: %q is not a G... or C... address", ErrIntentMalformed, s)
	}
	return Value{kind: KindAddress, text: s}, nil
}

func I128(n *big.Int) (Value, error) {
	return bounded(KindI128, n, minI128, maxI128)
}

func U128(n *big.Int) (Value, error) {
	return bounded(KindU128, n, new(big.Int), maxU128)
}

func I64(n int64) Value {
	return Value{kind: KindI64, num: big.NewInt(n)}
}

func U64(n uint64) Value {
	return Value{kind: KindU64, num: new(big.Int).SetUint64(n)}
}

func Bytes(b []byte) Value {
	return Value{kind: KindBytes, bytes: append([]byte{}, b...)}
}

func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

func String(s string) Value {
	return Value{kind: KindString, text: s}
}

func Symbol(s string) (Value, error) {
	if s == "" || len(s) > maxSymbolLen {
		return Value{}, fmt.Errorf("%w: symbol length must be 1..%d", ErrIntentMalformed, maxSymbolLen)
	}
	for _, r := range s {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return Value{}, fmt.Errorf("%w: symbol %q has invalid character %q", ErrIntentMalformed, s, r)
		}
	}
	return Value{kind: KindSymbol, text: s}, nil
}

func bounded(kind Kind, n, lo, hi *big.Int) (Value, error) {
	if n == nil {
		return Value{}, fmt.Errorf("%w: nil %s", ErrIntentMalformed, kind)
	}
	if n.Cmp(lo) < 0 || n.Cmp(hi) > 0 {
		return Value{}, fmt.Errorf("%w: %s out of range for %s", ErrIntentMalformed, n, kind)
	}
	return Value{kind: kind, num: new(big.Int).Set(n)}, nil
}

// ParseValue converts a textual user value into a typed value. Integers are
// base 10, bytes are hex (optional 0x prefix), booleans are true/false.
func ParseValue(kind Kind, raw string) (Value, error) {
	switch kind {
	case KindAddress:
		return Address(raw)
	case KindI128, KindU128:
		n, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return Value{}, fmt.Errorf("%w: %q is not a base-10 integer", ErrIntentMalformed, raw)
		}
		if kind == KindI128 {
			return I128(n)
		}
		return U128(n)
	case KindI64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: I64: %v", ErrIntentMalformed, err)
		}
		return I64(n), nil
	case KindU64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: U64: %v", ErrIntentMalformed, err)
		}
		return U64(n), nil
	case KindBytes:
		b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return Value{}, fmt.Errorf("%w: Bytes: %v", ErrIntentMalformed, err)
		}
		return Bytes(b), nil
	case KindBool:
		switch raw {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		}
		return Value{}, fmt.Errorf("%w: %q is not a boolean", ErrIntentMalformed, raw)
	case KindString:
		if !utf8.ValidString(raw) {
			return Value{}, fmt.Errorf("%w: String is not valid UTF-8", ErrIntentMalformed)
		}
		return String(raw), nil
	case KindSymbol:
		return Symbol(raw)
	}
	return Value{}, fmt.Errorf("%w: unknown type %q", ErrIntentMalformed, kind)
}

// Wire returns the JSON representation used in the canonical encoding:
// a bool for Bool, a string for everything else. Wide integers are strings
// so no consumer rounds them through a float.
func (v Value) Wire() (any, error) {
	switch v.kind {
	case KindAddress, KindString, KindSymbol:
		if !utf8.ValidString(v.text) {
			return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrIntentMalformed, v.kind)
		}
		return v.text, nil
	case KindI128, KindU128, KindI64, KindU64:
		return v.num.String(), nil
	case KindBytes:
		return hex.EncodeToString(v.bytes), nil
	case KindBool:
		return v.b, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrIntentMalformed, v.kind)
}

// fromWire reverses Wire.
func fromWire(kind Kind, w any) (Value, error) {
	if kind == KindBool {
		b, ok := w.(bool)
		if !ok {
			return Value{}, fmt.Errorf("%w: Bool value must be a JSON boolean", ErrIntentMalformed)
		}
		return Bool(b), nil
	}
	s, ok := w.(string)
	if !ok {
		return Value{}, fmt.Errorf("%w: %s value must be a JSON string", ErrIntentMalformed, kind)
	}
	return ParseValue(kind, s)
}

// String renders the value for logs.
func (v Value) String() string {
	w, err := v.Wire()
	if err != nil {
		return "<invalid>"
	}
	return fmt.Sprint(w)
}

// Equal reports whether two values have the same tag and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	a, errA := v.Wire()
	b, errB := o.Wire()
	return errA == nil && errB == nil && a == b
}

// Int returns the integer content of integer kinds.
func (v Value) Int() (*big.Int, bool) {
	if v.num == nil {
		return nil, false
	}
	return new(big.Int).Set(v.num), true
}

// Raw returns the byte content of a Bytes value.
func (v Value) Raw() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return append([]byte{}, v.bytes...), true
}
