// Package dispatcher is a local model of the on-chain dispatcher contract.
// It applies the checks the contract applies before forwarding a call:
// intent expiry and issue time, per-signer nonce uniqueness, the challenge
// recomputed from the payload, and the signature of the lane in use. It
// serves as the orchestrator's simulator and, in dev mode, as its
// submitter.
package dispatcher

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/geolink-authz/codec"
	"github.com/mesmerverse/geolink-authz/intent"
	"github.com/mesmerverse/geolink-authz/orchestrator"
	"github.com/mesmerverse/geolink-authz/passkey"
	"github.com/mesmerverse/geolink-authz/submit"
)

// ErrRejected wraps every contract-level rejection returned by Submit.
var ErrRejected = errors.New("dispatcher rejected call")

// IssuedAtTolerance is how far in the future an intent may claim to have
// been issued.
const IssuedAtTolerance = 60 * time.Second

// BaseFee is the simulated fee reported for an accepted call.
const BaseFee = 100

// Config configures a Dispatcher.
type Config struct {
	// ContractID is the dispatcher's own address. Calls routed through a
	// dispatcher must name it when set.
	ContractID string
	// RPIDHash pins the relying party when set.
	RPIDHash *[32]byte
	Nonces   NonceRegistry
	Now      func() time.Time
}

// Dispatcher verifies packaged invocations.
type Dispatcher struct {
	cfg Config

	mu       sync.RWMutex
	passkeys map[string][65]byte
	ledger   int64
	txs      map[string]int64
}

var (
	_ orchestrator.Simulator = (*Dispatcher)(nil)
	_ orchestrator.Submitter = (*Dispatcher)(nil)
	_ submit.StatusChecker   = (*Dispatcher)(nil)
)

func New(cfg Config) *Dispatcher {
	if cfg.Nonces == nil {
		cfg.Nonces = NewMemoryNonceRegistry(cfg.Now)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		cfg:      cfg,
		passkeys: make(map[string][65]byte),
		txs:      make(map[string]int64),
	}
}

// BindPasskey registers the passkey that may sign for signer. Credential
// calls for a signer with no bound key are rejected.
func (d *Dispatcher) BindPasskey(signer string, pub [65]byte) error {
	if _, err := codec.ParseUncompressedP256(pub[:]); err != nil {
		return err
	}
	d.mu.Lock()
	d.passkeys[signer] = pub
	d.mu.Unlock()
	return nil
}

// Simulate runs every check without consuming the nonce.
func (d *Dispatcher) Simulate(ctx context.Context, inv *orchestrator.Invocation) (*orchestrator.SimulationResult, error) {
	checked, reason, err := d.check(ctx, inv)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &orchestrator.SimulationResult{OK: false, Error: reason, Payload: rejection(reason)}, nil
	}
	out, _ := json.Marshal(map[string]string{
		"contract_id": checked.ContractID,
		"fn_name":     checked.Function,
		"signer":      checked.Signer,
	})
	return &orchestrator.SimulationResult{OK: true, Payload: out, Fee: BaseFee}, nil
}

// Submit runs every check, consumes the nonce and records the call.
func (d *Dispatcher) Submit(ctx context.Context, inv *orchestrator.Invocation) (*orchestrator.Submission, error) {
	checked, reason, err := d.check(ctx, inv)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	nonce, _ := intent.NonceBytes(checked.Nonce)
	if err := d.cfg.Nonces.ConsumeNonce(ctx, checked.Signer, nonce, checked.ExpiresAt); err != nil {
		if errors.Is(err, ErrNonceUsed) {
			return nil, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return nil, err
	}

	h := sha256.New()
	h.Write(inv.Payload)
	h.Write(inv.ClassicSignature)
	if inv.Proof != nil {
		h.Write(inv.Proof.SignatureRaw64[:])
	}
	sub := &orchestrator.Submission{
		ID:     uuid.NewString(),
		TxHash: hex.EncodeToString(h.Sum(nil)),
		Status: submit.StatusSuccess,
	}
	d.mu.Lock()
	d.ledger++
	d.txs[sub.TxHash] = d.ledger
	d.mu.Unlock()
	log.Info().
		Str("signer", checked.Signer).
		Str("fn", checked.Function).
		Str("contract_id", checked.ContractID).
		Str("tx_hash", sub.TxHash).
		Msg("Dispatcher accepted call")
	return sub, nil
}

// Status reports accepted calls as SUCCESS at the ledger sequence they
// were accepted in.
func (d *Dispatcher) Status(_ context.Context, txHash string) (*submit.TxStatus, error) {
	d.mu.RLock()
	ledger, ok := d.txs[txHash]
	d.mu.RUnlock()
	if !ok {
		return &submit.TxStatus{TxHash: txHash, Status: submit.StatusNotFound}, nil
	}
	return &submit.TxStatus{TxHash: txHash, Status: submit.StatusSuccess, Ledger: ledger}, nil
}

// check returns the intent decoded from the payload, or a rejection
// reason. err is reserved for infrastructure failures.
func (d *Dispatcher) check(ctx context.Context, inv *orchestrator.Invocation) (*intent.Intent, string, error) {
	in, err := intent.Decode(inv.Payload)
	if err != nil {
		return nil, "Malformed intent payload", nil
	}
	if canonical, err := intent.Encode(in); err != nil || !bytes.Equal(canonical, inv.Payload) {
		return nil, "Intent payload is not canonical", nil
	}

	now := d.cfg.Now().Unix()
	if now > in.ExpiresAt {
		return nil, "Intent expired", nil
	}
	if in.IssuedAt > now+int64(IssuedAtTolerance/time.Second) {
		return nil, "Intent issued in the future", nil
	}
	if inv.Signer != in.Signer {
		return nil, "Signer does not match intent", nil
	}

	nonce, err := intent.NonceBytes(in.Nonce)
	if err != nil {
		return nil, "Malformed nonce", nil
	}
	used, err := d.cfg.Nonces.IsNonceUsed(ctx, in.Signer, nonce)
	if err != nil {
		return nil, "", fmt.Errorf("nonce lookup failed: %w", err)
	}
	if used {
		return nil, "Nonce already used", nil
	}

	var reason string
	switch in.AuthMode {
	case intent.AuthModeClassic:
		reason = d.checkClassic(inv, in)
	case intent.AuthModeWebAuthn:
		reason = d.checkWebAuthn(inv, in)
	default:
		reason = "Unknown auth mode"
	}
	if reason != "" {
		return nil, reason, nil
	}
	return in, "", nil
}

func (d *Dispatcher) checkClassic(inv *orchestrator.Invocation, in *intent.Intent) string {
	if inv.ViaDispatcher {
		return "Classic calls are not dispatched"
	}
	if inv.ContractID != in.ContractID || inv.Function != in.Function {
		return "Call target does not match intent"
	}
	if !argsEqual(inv.Args, in.Args) {
		return "Call arguments do not match intent"
	}
	pub, err := codec.DecodeStrKey(codec.VersionAccount, in.Signer)
	if err != nil {
		return "Signer is not an account address"
	}
	if !ed25519.Verify(pub, inv.Payload, inv.ClassicSignature) {
		return "Invalid signature"
	}
	return ""
}

func (d *Dispatcher) checkWebAuthn(inv *orchestrator.Invocation, in *intent.Intent) string {
	var (
		proofArgs []intent.Arg
		pub       = inv.PasskeyPublicKey
		rpIDHash  = inv.RPIDHash
	)
	if inv.ViaDispatcher {
		if d.cfg.ContractID != "" && inv.ContractID != d.cfg.ContractID {
			return "Call is not addressed to this dispatcher"
		}
		if inv.Function != orchestrator.DispatcherFunction || len(inv.Args) != 6 {
			return "Malformed dispatcher call"
		}
		proofArgs = inv.Args[:4]
		pk, ok := argBytes(inv.Args[4], orchestrator.ArgPasskeyPublicKey)
		if !ok || len(pk) != len(pub) {
			return "Malformed passkey public key"
		}
		copy(pub[:], pk)
		rh, ok := argBytes(inv.Args[5], orchestrator.ArgRPIDHash)
		if !ok || len(rh) != len(rpIDHash) {
			return "Malformed rp_id_hash"
		}
		copy(rpIDHash[:], rh)
	} else {
		if inv.ContractID != in.ContractID || inv.Function != in.Function {
			return "Call target does not match intent"
		}
		n := len(inv.Args) - 4
		if n < 0 || !argsEqual(inv.Args[:n], in.Args) {
			return "Call arguments do not match intent"
		}
		proofArgs = inv.Args[n:]
	}

	names := []string{
		orchestrator.ArgSignature,
		orchestrator.ArgAuthenticatorData,
		orchestrator.ArgClientDataJSON,
		orchestrator.ArgSignaturePayload,
	}
	var fields [4][]byte
	for i, name := range names {
		b, ok := argBytes(proofArgs[i], name)
		if !ok {
			return "Malformed proof argument " + name
		}
		fields[i] = b
	}
	if len(fields[0]) != 64 {
		return "Signature must be 64 bytes"
	}
	if !bytes.Equal(fields[3], inv.Payload) {
		return "Signature payload does not match intent"
	}

	d.mu.RLock()
	bound, isBound := d.passkeys[in.Signer]
	d.mu.RUnlock()
	if !isBound {
		return "Unknown passkey"
	}
	if bound != pub {
		return "Passkey is not bound to signer"
	}
	if d.cfg.RPIDHash != nil && *d.cfg.RPIDHash != rpIDHash {
		return "Unexpected rp_id_hash"
	}

	a := &passkey.Assertion{AuthenticatorData: fields[1], ClientDataJSON: fields[2]}
	copy(a.SignatureRaw64[:], fields[0])
	if !codec.IsLowS(a.SignatureRaw64) {
		return "Signature is not low-S"
	}
	challenge := intent.Challenge(fields[3])
	if err := passkey.VerifyAssertionRPIDHash(pub, rpIDHash, challenge[:], a); err != nil {
		log.Debug().Err(err).Str("signer", in.Signer).Msg("Passkey verification failed")
		return "Invalid WebAuthn signature"
	}
	return ""
}

func argBytes(a intent.Arg, name string) ([]byte, bool) {
	if a.Name != name {
		return nil, false
	}
	return a.Value.Raw()
}

func argsEqual(a, b []intent.Arg) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || !a[i].Value.Equal(b[i].Value) {
			return false
		}
	}
	return true
}

func rejection(reason string) []byte {
	out, _ := json.Marshal(map[string]string{"error": reason})
	return out
}
