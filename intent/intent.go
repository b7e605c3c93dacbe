// Package intent builds the canonical description of a contract call that a
// signer authorizes, derives the challenge a passkey signs, and validates an
// intent's structure and time window.
package intent

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	ErrIntentExpired   = errors.New("intent expired")
	ErrIntentMalformed = errors.New("intent malformed")
)

const (
	// CurrentVersion is the only version tag this codec produces or accepts.
	CurrentVersion = 1
	NonceSize      = 32
	DefaultTTL     = 5 * time.Minute
	DefaultSkew    = 60 * time.Second
)

// AuthMode selects the signing lane.
type AuthMode string

const (
	AuthModeClassic  AuthMode = "classic"
	AuthModeWebAuthn AuthMode = "webauthn"
)

// Valid reports whether m names a known lane.
func (m AuthMode) Valid() bool {
	return m == AuthModeClassic || m == AuthModeWebAuthn
}

// Arg is one named, typed argument of the target function.
type Arg struct {
	Name  string
	Value Value
}

// Intent is a request to invoke Function on ContractID on behalf of
// Signer. It never carries proof material.
type Intent struct {
	Version     int
	Network     string
	RPCEndpoint string
	ContractID  string
	Function    string
	Args        []Arg
	Signer      string
	RuleBinding string
	Nonce       string
	IssuedAt    int64
	ExpiresAt   int64
	AuthMode    AuthMode
}

// AuthProof is what a credential signature over an intent's challenge
// produces. It travels next to the intent, never inside it.
type AuthProof struct {
	SignaturePayload  []byte
	SignatureRaw64    [64]byte
	AuthenticatorData []byte
	ClientDataJSON    []byte
}

type wireArg struct {
	Name  string `json:"name"`
	Type  Kind   `json:"type"`
	Value any    `json:"value"`
}

type wireIntent struct {
	V           int       `json:"v"`
	Network     string    `json:"network"`
	RPCURL      string    `json:"rpc_url"`
	ContractID  string    `json:"contract_id"`
	FnName      string    `json:"fn_name"`
	Args        []wireArg `json:"args"`
	Signer      string    `json:"signer"`
	RuleBinding string    `json:"rule_binding,omitempty"`
	Nonce       string    `json:"nonce"`
	IAT         int64     `json:"iat"`
	EXP         int64     `json:"exp"`
	AuthMode    AuthMode  `json:"auth_mode"`
}

// Encode returns the canonical bytes of in. Proof-named arguments are
// dropped here even if the builder already excluded them. Text that is not
// valid UTF-8 is rejected with ErrIntentMalformed.
func Encode(in *Intent) ([]byte, error) {
	if bad := invalidText(in); len(bad) > 0 {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrIntentMalformed, bad[0])
	}
	w := wireIntent{
		V:           in.Version,
		Network:     in.Network,
		RPCURL:      in.RPCEndpoint,
		ContractID:  in.ContractID,
		FnName:      in.Function,
		Args:        make([]wireArg, 0, len(in.Args)),
		Signer:      in.Signer,
		RuleBinding: in.RuleBinding,
		Nonce:       in.Nonce,
		IAT:         in.IssuedAt,
		EXP:         in.ExpiresAt,
		AuthMode:    in.AuthMode,
	}
	for _, a := range in.Args {
		if IsProofField(a.Name) {
			continue
		}
		wv, err := a.Value.Wire()
		if err != nil {
			return nil, fmt.Errorf("arg %q: %w", a.Name, err)
		}
		w.Args = append(w.Args, wireArg{Name: a.Name, Type: a.Value.Kind(), Value: wv})
	}
	return CanonicalJSON(w)
}

// Decode parses canonical bytes back into an Intent. Unknown fields,
// unknown argument types and invalid UTF-8 are rejected.
func Decode(data []byte) (*Intent, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: encoding is not valid UTF-8", ErrIntentMalformed)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var w wireIntent
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntentMalformed, err)
	}
	in := &Intent{
		Version:     w.V,
		Network:     w.Network,
		RPCEndpoint: w.RPCURL,
		ContractID:  w.ContractID,
		Function:    w.FnName,
		Signer:      w.Signer,
		RuleBinding: w.RuleBinding,
		Nonce:       w.Nonce,
		IssuedAt:    w.IAT,
		ExpiresAt:   w.EXP,
		AuthMode:    w.AuthMode,
	}
	for _, a := range w.Args {
		if !a.Type.Valid() {
			return nil, fmt.Errorf("%w: arg %q has unknown type %q", ErrIntentMalformed, a.Name, a.Type)
		}
		v, err := fromWire(a.Type, a.Value)
		if err != nil {
			return nil, fmt.Errorf("arg %q: %w", a.Name, err)
		}
		in.Args = append(in.Args, Arg{Name: a.Name, Value: v})
	}
	return in, nil
}

// Challenge is SHA-256 over the encoded intent.
func Challenge(encoded []byte) [32]byte {
	return sha256.Sum256(encoded)
}

// NewNonce returns 32 random bytes as lowercase hex.
func NewNonce() (string, error) {
	b := make([]byte, NonceSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NonceBytes decodes a hex nonce into its fixed-size form.
func NonceBytes(nonce string) ([NonceSize]byte, error) {
	var out [NonceSize]byte
	if len(nonce) != 2*NonceSize {
		return out, fmt.Errorf("%w: nonce must be %d hex characters", ErrIntentMalformed, 2*NonceSize)
	}
	if _, err := hex.Decode(out[:], []byte(nonce)); err != nil {
		return out, fmt.Errorf("%w: nonce: %v", ErrIntentMalformed, err)
	}
	return out, nil
}

// Params are the caller-chosen parts of a new intent.
type Params struct {
	Network     string
	RPCEndpoint string
	ContractID  string
	Function    string
	Args        []Arg
	Signer      string
	RuleBinding string
	AuthMode    AuthMode
	TTL         time.Duration
	Now         time.Time
}

// New fills in version, nonce and time window and validates the result.
func New(p Params) (*Intent, error) {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	args := make([]Arg, 0, len(p.Args))
	for _, a := range p.Args {
		if IsProofField(a.Name) {
			return nil, fmt.Errorf("%w: argument %q is reserved for proof data", ErrIntentMalformed, a.Name)
		}
		args = append(args, a)
	}
	in := &Intent{
		Version:     CurrentVersion,
		Network:     p.Network,
		RPCEndpoint: p.RPCEndpoint,
		ContractID:  p.ContractID,
		Function:    p.Function,
		Args:        args,
		Signer:      p.Signer,
		RuleBinding: p.RuleBinding,
		Nonce:       nonce,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(ttl).Unix(),
		AuthMode:    p.AuthMode,
	}
	if err := Validate(in, now, DefaultSkew); err != nil {
		return nil, err
	}
	return in, nil
}
