package orchestrator

import (
	"errors"
	"fmt"

	"github.com/mesmerverse/geolink-authz/codec"
	"github.com/mesmerverse/geolink-authz/intent"
	"github.com/mesmerverse/geolink-authz/passkey"
	"github.com/mesmerverse/geolink-authz/vault"
)

var (
	ErrSimulationFailed = errors.New("simulation failed")
	ErrSubmissionFailed = errors.New("submission failed")
	ErrUnknownAuthMode  = errors.New("unknown auth mode")
	ErrSignerMismatch   = errors.New("wallet secret does not belong to the intent signer")
	ErrInvalidSecret    = errors.New("wallet secret is not an Ed25519 seed")
)

// SimulationError carries the simulator's own rejection.
type SimulationError struct {
	Message string
	Payload []byte
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrSimulationFailed, e.Message)
}

func (e *SimulationError) Unwrap() error {
	return ErrSimulationFailed
}

// Kind returns the taxonomy name of err for logs and metrics.
func Kind(err error) string {
	kinds := []struct {
		target error
		name   string
	}{
		{codec.ErrMalformedEncoding, "MalformedEncoding"},
		{codec.ErrInvalidSignatureEncoding, "InvalidSignatureEncoding"},
		{codec.ErrInvalidPublicKeyEncoding, "InvalidPublicKeyEncoding"},
		{vault.ErrMissingKeyMaterial, "MissingKeyMaterial"},
		{vault.ErrDecryptionFailed, "DecryptionFailed"},
		{passkey.ErrCredentialUnavailable, "CredentialUnavailable"},
		{passkey.ErrUserCancelled, "UserCancelled"},
		{passkey.ErrTimeout, "Timeout"},
		{passkey.ErrAuthenticationFailed, "AuthenticationFailed"},
		{intent.ErrIntentExpired, "IntentExpired"},
		{intent.ErrIntentMalformed, "IntentMalformed"},
		{ErrSimulationFailed, "SimulationFailed"},
		{ErrSubmissionFailed, "SubmissionFailed"},
		{ErrUnknownAuthMode, "UnknownAuthMode"},
		{ErrSignerMismatch, "SignerMismatch"},
	}
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.name
		}
	}
	return "Internal"
}
