package orchestrator

import (
	"context"

	"github.com/mesmerverse/geolink-authz/intent"
)

// Argument names of the proof fields appended in the credential lane, in
// the order the verifying contract reads them.
const (
	ArgSignature         = "signature"
	ArgAuthenticatorData = "authenticator_data"
	ArgClientDataJSON    = "client_data_json"
	ArgSignaturePayload  = "signature_payload"
	ArgPasskeyPublicKey  = "passkey_public_key"
	ArgRPIDHash          = "rp_id_hash"
)

// DispatcherFunction is the dispatcher entry point for proof-carrying calls
// to targets that do not verify passkeys themselves.
const DispatcherFunction = "execute_with_webauthn"

// Invocation is a fully assembled contract call ready for simulation and
// submission.
type Invocation struct {
	Network     string
	RPCEndpoint string
	ContractID  string
	Function    string
	Args        []intent.Arg
	Signer      string
	Mode        intent.AuthMode

	// Intent and Payload are the authorized intent and its canonical bytes.
	Intent  *intent.Intent
	Payload []byte

	// ClassicSignature is the Ed25519 signature over Payload (classic lane).
	ClassicSignature []byte

	// Proof, PasskeyPublicKey and RPIDHash are set in the credential lane.
	Proof            *intent.AuthProof
	PasskeyPublicKey [65]byte
	RPIDHash         [32]byte

	// ViaDispatcher is set when ContractID is the dispatcher rather than
	// the intent's target.
	ViaDispatcher bool
}

// SimulationResult is a pre-flight outcome. A rejected call is OK=false
// with the simulator's payload, not a Go error.
type SimulationResult struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Fee     int64  `json:"fee,omitempty"`
}

// Submission identifies a submitted transaction.
type Submission struct {
	ID     string `json:"id"`
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}

// Simulator runs a call without committing it.
type Simulator interface {
	Simulate(ctx context.Context, inv *Invocation) (*SimulationResult, error)
}

// Submitter hands a call to the remote ledger. Confirmation polling
// belongs to the submitter, not to Execute.
type Submitter interface {
	Submit(ctx context.Context, inv *Invocation) (*Submission, error)
}

// State is a step of an execution.
type State string

const (
	StateBuilt             State = "built"
	StateValidated         State = "validated"
	StateClassicSigning    State = "classic-signing"
	StateCredentialSigning State = "credential-signing"
	StatePackaged          State = "packaged"
	StateSimulated         State = "simulated"
	StateSubmitted         State = "submitted"
)
