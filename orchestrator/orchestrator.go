// Package orchestrator drives an intent from validation through one of the
// two signing lanes to a packaged, submitted contract call.
package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/geolink-authz/codec"
	"github.com/mesmerverse/geolink-authz/intent"
	"github.com/mesmerverse/geolink-authz/passkey"
	"github.com/mesmerverse/geolink-authz/vault"
)

// SecretSource decrypts a stored wallet secret. *vault.Vault implements it.
type SecretSource interface {
	DecryptWallet(ctx context.Context, walletID string, m vault.Material) ([]byte, error)
}

// CredentialSigner produces passkey assertions. *passkey.Authenticator
// implements it.
type CredentialSigner interface {
	Authenticate(ctx context.Context, credentialID, challenge []byte) (*passkey.Assertion, error)
	RPID() string
}

// Config wires the collaborators. Secrets is needed for the classic lane,
// Credentials for the credential lane. Submitter is required.
type Config struct {
	Secrets     SecretSource
	Credentials CredentialSigner
	// CredentialStore resolves the public key of the asserting passkey.
	// The dispatcher route needs it.
	CredentialStore passkey.CredentialStore
	Simulator       Simulator
	Submitter       Submitter
	Metrics         *Metrics
	ClockSkew       time.Duration
	Now             func() time.Time
}

// Options are per-call choices.
type Options struct {
	// AuthMode selects the lane. Empty means the intent's own mode; a
	// different mode than the intent commits to is rejected.
	AuthMode intent.AuthMode

	// Classic lane.
	WalletID string
	Material vault.Material

	// Credential lane. A nil CredentialID lets the platform pick.
	CredentialID []byte
	// Dispatcher routes the call through this dispatcher contract.
	Dispatcher string

	// Simulate runs the simulator before submitting.
	Simulate bool
}

// Result is the outcome of a successful execution.
type Result struct {
	Invocation *Invocation
	Simulation *SimulationResult
	Submission *Submission
	Trace      []State
}

// Orchestrator executes intents. It keeps no per-call state.
type Orchestrator struct {
	cfg Config
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("orchestrator: submitter is required")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = intent.DefaultSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{cfg: cfg}, nil
}

// modeLabel bounds the metric label set to the known modes.
func modeLabel(mode intent.AuthMode) string {
	if !mode.Valid() {
		return "unknown"
	}
	return string(mode)
}

// Execute validates in, signs it in the selected lane, optionally simulates
// and then submits. Exactly one error is returned on failure and nothing
// is retried.
func (o *Orchestrator) Execute(ctx context.Context, in *intent.Intent, opts Options) (res *Result, err error) {
	if in == nil {
		return nil, fmt.Errorf("%w: nil intent", intent.ErrIntentMalformed)
	}
	start := o.cfg.Now()
	mode := opts.AuthMode
	if mode == "" {
		mode = in.AuthMode
	}
	defer func() {
		o.cfg.Metrics.observe(modeLabel(mode), start, err)
		if err != nil {
			log.Warn().
				Err(err).
				Str("kind", Kind(err)).
				Str("mode", string(mode)).
				Str("fn", in.Function).
				Str("contract_id", in.ContractID).
				Msg("Intent execution failed")
		}
	}()

	res = &Result{Trace: []State{StateBuilt}}

	if err := intent.Validate(in, o.cfg.Now(), o.cfg.ClockSkew); err != nil {
		return nil, err
	}
	res.Trace = append(res.Trace, StateValidated)

	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAuthMode, mode)
	}
	if mode != in.AuthMode {
		return nil, fmt.Errorf("%w: intent commits to %q, asked to sign as %q", intent.ErrIntentMalformed, in.AuthMode, mode)
	}

	payload, err := intent.Encode(in)
	if err != nil {
		return nil, err
	}

	var inv *Invocation
	switch mode {
	case intent.AuthModeClassic:
		res.Trace = append(res.Trace, StateClassicSigning)
		inv, err = o.signClassic(ctx, in, payload, opts)
	case intent.AuthModeWebAuthn:
		res.Trace = append(res.Trace, StateCredentialSigning)
		inv, err = o.signWithCredential(ctx, in, payload, opts)
	}
	if err != nil {
		return nil, err
	}
	res.Invocation = inv
	res.Trace = append(res.Trace, StatePackaged)

	if opts.Simulate {
		sim, err := o.simulate(ctx, inv)
		if err != nil {
			return nil, err
		}
		res.Simulation = sim
		res.Trace = append(res.Trace, StateSimulated)
	}

	sub, err := o.cfg.Submitter.Submit(ctx, inv)
	if err != nil {
		if errors.Is(err, ErrSubmissionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	res.Submission = sub
	res.Trace = append(res.Trace, StateSubmitted)

	log.Info().
		Str("mode", string(mode)).
		Str("fn", in.Function).
		Str("contract_id", inv.ContractID).
		Bool("via_dispatcher", inv.ViaDispatcher).
		Str("tx_hash", sub.TxHash).
		Msg("Intent submitted")
	return res, nil
}

func baseInvocation(in *intent.Intent, payload []byte) *Invocation {
	return &Invocation{
		Network:     in.Network,
		RPCEndpoint: in.RPCEndpoint,
		ContractID:  in.ContractID,
		Function:    in.Function,
		Args:        append([]intent.Arg(nil), in.Args...),
		Signer:      in.Signer,
		Mode:        in.AuthMode,
		Intent:      in,
		Payload:     payload,
	}
}

func (o *Orchestrator) signClassic(ctx context.Context, in *intent.Intent, payload []byte, opts Options) (*Invocation, error) {
	if o.cfg.Secrets == nil {
		return nil, fmt.Errorf("%w: classic lane is not configured", ErrUnknownAuthMode)
	}
	secret, err := o.cfg.Secrets.DecryptWallet(ctx, opts.WalletID, opts.Material)
	if err != nil {
		return nil, err
	}
	defer vault.Zero(secret)

	key, err := SigningKey(secret)
	if err != nil {
		return nil, err
	}
	defer vault.Zero(key)

	addr, err := codec.EncodeStrKey(codec.VersionAccount, key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	if addr != in.Signer {
		return nil, fmt.Errorf("%w: secret is for %s", ErrSignerMismatch, addr)
	}

	inv := baseInvocation(in, payload)
	inv.ClassicSignature = ed25519.Sign(key, payload)
	return inv, nil
}

// SigningKey interprets a wallet secret as an Ed25519 key: either the raw
// 32-byte seed or its S... StrKey text.
func SigningKey(secret []byte) (ed25519.PrivateKey, error) {
	switch {
	case len(secret) == ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(secret), nil
	case len(secret) == codec.StrKeyLength && secret[0] == 'S':
		seed, err := codec.DecodeStrKey(codec.VersionSeed, string(secret))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
		}
		defer vault.Zero(seed)
		return ed25519.NewKeyFromSeed(seed), nil
	}
	return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSecret, len(secret))
}

func (o *Orchestrator) signWithCredential(ctx context.Context, in *intent.Intent, payload []byte, opts Options) (*Invocation, error) {
	if o.cfg.Credentials == nil {
		return nil, fmt.Errorf("%w: credential lane is not configured", ErrUnknownAuthMode)
	}
	challenge := intent.Challenge(payload)
	assertion, err := o.cfg.Credentials.Authenticate(ctx, opts.CredentialID, challenge[:])
	if err != nil {
		return nil, err
	}

	proof := &intent.AuthProof{
		SignaturePayload:  payload,
		SignatureRaw64:    assertion.SignatureRaw64,
		AuthenticatorData: assertion.AuthenticatorData,
		ClientDataJSON:    assertion.ClientDataJSON,
	}

	inv := baseInvocation(in, payload)
	inv.Proof = proof
	inv.RPIDHash = sha256.Sum256([]byte(o.cfg.Credentials.RPID()))
	haveKey := false
	if o.cfg.CredentialStore != nil {
		cred, err := o.cfg.CredentialStore.GetCredential(ctx, assertion.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve passkey public key: %w", err)
		}
		inv.PasskeyPublicKey = cred.PublicKey65
		haveKey = true
	}

	proofArgs := ProofArgs(proof)
	if opts.Dispatcher == "" {
		inv.Args = append(inv.Args, proofArgs...)
		return inv, nil
	}

	if !codec.IsContractAddress(opts.Dispatcher) {
		return nil, fmt.Errorf("%w: dispatcher %q is not a contract address", intent.ErrIntentMalformed, opts.Dispatcher)
	}
	if !haveKey {
		return nil, fmt.Errorf("dispatcher route needs a credential store to resolve the passkey key")
	}
	inv.ContractID = opts.Dispatcher
	inv.Function = DispatcherFunction
	inv.ViaDispatcher = true
	inv.Args = append(proofArgs,
		intent.Arg{Name: ArgPasskeyPublicKey, Value: intent.Bytes(inv.PasskeyPublicKey[:])},
		intent.Arg{Name: ArgRPIDHash, Value: intent.Bytes(inv.RPIDHash[:])},
	)
	return inv, nil
}

// ProofArgs returns the four proof arguments in contract order: signature,
// authenticator data, client data JSON, signature payload.
func ProofArgs(p *intent.AuthProof) []intent.Arg {
	return []intent.Arg{
		{Name: ArgSignature, Value: intent.Bytes(p.SignatureRaw64[:])},
		{Name: ArgAuthenticatorData, Value: intent.Bytes(p.AuthenticatorData)},
		{Name: ArgClientDataJSON, Value: intent.Bytes(p.ClientDataJSON)},
		{Name: ArgSignaturePayload, Value: intent.Bytes(p.SignaturePayload)},
	}
}

func (o *Orchestrator) simulate(ctx context.Context, inv *Invocation) (*SimulationResult, error) {
	if o.cfg.Simulator == nil {
		return nil, fmt.Errorf("%w: no simulator configured", ErrSimulationFailed)
	}
	sim, err := o.cfg.Simulator.Simulate(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSimulationFailed, err)
	}
	if !sim.OK {
		return nil, &SimulationError{Message: sim.Error, Payload: sim.Payload}
	}
	return sim, nil
}
