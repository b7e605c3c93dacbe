// Package passkey registers and exercises platform credentials (WebAuthn
// passkeys) restricted to ES256, and normalises what they return into the
// fixed-width forms an on-chain verifier consumes.
package passkey

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCredentialUnavailable = errors.New("no platform authenticator available")
	ErrUserCancelled         = errors.New("user cancelled the credential ceremony")
	ErrTimeout               = errors.New("credential ceremony timed out")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrRegistrationFailed    = errors.New("registration failed")
	ErrUnsupportedAlgorithm  = errors.New("unsupported credential algorithm")
	ErrInvalidChallenge      = errors.New("challenge must be 32 bytes")
	ErrCredentialNotFound    = errors.New("credential not found")
	ErrPRFUnavailable        = errors.New("credential does not support the PRF extension")
)

// ChallengeSize is the only accepted challenge length: a SHA-256 output.
const ChallengeSize = 32

// AlgES256 is the COSE identifier of the single accepted algorithm.
const AlgES256 int64 = -7

// Credential is the caller's bookkeeping copy of a registered passkey.
type Credential struct {
	ID            []byte     `json:"id"`
	UserID        string     `json:"user_id"`
	PublicKey65   [65]byte   `json:"public_key"`
	PublicKeySPKI []byte     `json:"public_key_spki,omitempty"`
	Counter       uint32     `json:"counter"`
	PRFEnabled    bool       `json:"prf_enabled"`
	CreatedAt     time.Time  `json:"created_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the credential was removed.
func (c *Credential) Revoked() bool {
	return c.RevokedAt != nil
}

// Registration is the result of Register.
type Registration struct {
	Credential Credential
	// PRFOutput is set when PRF was requested and the authenticator
	// supports it. It is key material; never log or persist it.
	PRFOutput []byte
}

// Assertion is the normalised result of Authenticate. SignatureDER and
// SignatureRaw64 hold the same low-S signature.
type Assertion struct {
	CredentialID      []byte
	SignatureDER      []byte
	SignatureRaw64    [64]byte
	AuthenticatorData []byte
	ClientDataJSON    []byte
	Counter           uint32
}

// CreationOptions is what the platform credential manager receives for a
// registration ceremony.
type CreationOptions struct {
	RPID       string
	RPName     string
	UserHandle []byte
	UserName   string
	Challenge  []byte
	Algorithms []int64
	// PRFSalt requests PRF support and, if the platform can, an evaluation
	// at creation time.
	PRFSalt []byte
}

// CreationResponse is the platform's registration response.
type CreationResponse struct {
	CredentialID      []byte
	ClientDataJSON    []byte
	AttestationObject []byte
	// PublicKeySPKI is getPublicKey() where the platform exposes it.
	PublicKeySPKI      []byte
	PublicKeyAlgorithm int64
	PRFEnabled         bool
	PRFOutput          []byte
}

// RequestOptions is what the platform receives for an assertion.
type RequestOptions struct {
	RPID             string
	Challenge        []byte
	AllowCredentials [][]byte
	PRFSalt          []byte
}

// AssertionResponse is the platform's raw assertion.
type AssertionResponse struct {
	CredentialID      []byte
	AuthenticatorData []byte
	ClientDataJSON    []byte
	Signature         []byte // ASN.1 DER
	UserHandle        []byte
	PRFOutput         []byte
}

// CredentialProvider is the platform credential manager boundary (the
// browser/OS passkey API). Ceremonies may block on user interaction;
// cancellation arrives through ctx or as ErrUserCancelled/ErrTimeout.
type CredentialProvider interface {
	Available(ctx context.Context) bool
	Create(ctx context.Context, opts CreationOptions) (*CreationResponse, error)
	Get(ctx context.Context, opts RequestOptions) (*AssertionResponse, error)
}

// CredentialStore keeps credential bookkeeping. Counter updates are the
// only mutation; removal revokes rather than deletes.
type CredentialStore interface {
	SaveCredential(ctx context.Context, cred *Credential) error
	GetCredential(ctx context.Context, id []byte) (*Credential, error)
	ListCredentials(ctx context.Context, userID string) ([]*Credential, error)
	UpdateCounter(ctx context.Context, id []byte, counter uint32) error
	RevokeCredential(ctx context.Context, id []byte, at time.Time) error
}
