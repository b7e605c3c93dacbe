package orchestrator_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mesmerverse/geolink-authz/codec"
	"github.com/mesmerverse/geolink-authz/dispatcher"
	"github.com/mesmerverse/geolink-authz/intent"
	"github.com/mesmerverse/geolink-authz/orchestrator"
	"github.com/mesmerverse/geolink-authz/passkey"
	"github.com/mesmerverse/geolink-authz/passkey/softauth"
	"github.com/mesmerverse/geolink-authz/vault"
)

const (
	rpID      = "geolink.example"
	origin    = "https://geolink.example"
	testNonce = "5f1e0c9a7b3d2e4f6a8b0c1d2e3f40516273849a5b6c7d8e9fa0b1c2d3e4f506"
	issuedAt  = 1700000000
	expiresAt = 1700000300
)

var fixedNow = time.Unix(1700000100, 0)

// recordingSubmitter counts submissions before delegating.
type recordingSubmitter struct {
	next  orchestrator.Submitter
	calls int
	last  *orchestrator.Invocation
}

func (r *recordingSubmitter) Submit(ctx context.Context, inv *orchestrator.Invocation) (*orchestrator.Submission, error) {
	r.calls++
	r.last = inv
	return r.next.Submit(ctx, inv)
}

type env struct {
	vault      *vault.Vault
	auth       *passkey.Authenticator
	platform   *softauth.Authenticator
	creds      *passkey.MemoryStore
	dispatcher *dispatcher.Dispatcher
	submitter  *recordingSubmitter
	orch       *orchestrator.Orchestrator
	registry   *prometheus.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	policy := vault.DefaultPolicy()
	policy.Password.Iterations = vault.MinPasswordIterations
	v, err := vault.New(vault.NewMemoryStore(), vault.Config{Policy: &policy})
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}

	platform := softauth.New(origin)
	creds := passkey.NewMemoryStore()
	auth, err := passkey.New(platform, creds, passkey.Config{RPID: rpID, Origin: origin})
	if err != nil {
		t.Fatalf("passkey.New failed: %v", err)
	}

	disp := dispatcher.New(dispatcher.Config{
		ContractID: address(t, codec.VersionContract, 0xd1),
		Now:        func() time.Time { return fixedNow },
	})
	sub := &recordingSubmitter{next: disp}
	reg := prometheus.NewRegistry()

	orch, err := orchestrator.New(orchestrator.Config{
		Secrets:         v,
		Credentials:     auth,
		CredentialStore: creds,
		Simulator:       disp,
		Submitter:       sub,
		Metrics:         orchestrator.NewMetrics(reg),
		Now:             func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("orchestrator.New failed: %v", err)
	}
	return &env{
		vault: v, auth: auth, platform: platform, creds: creds,
		dispatcher: disp, submitter: sub, orch: orch, registry: reg,
	}
}

func address(t *testing.T, version codec.VersionByte, fill byte) string {
	t.Helper()
	s, err := codec.EncodeStrKey(version, bytes.Repeat([]byte{fill}, 32))
	if err != nil {
		t.Fatalf("EncodeStrKey failed: %v", err)
	}
	return s
}

func transferIntent(t *testing.T, signer string, mode intent.AuthMode) *intent.Intent {
	t.Helper()
	to, err := intent.ParseValue(intent.KindAddress, address(t, codec.VersionAccount, 0x11))
	if err != nil {
		t.Fatalf("ParseValue failed: %v", err)
	}
	amount, err := intent.ParseValue(intent.KindI128, "100")
	if err != nil {
		t.Fatalf("ParseValue failed: %v", err)
	}
	return &intent.Intent{
		Version:     intent.CurrentVersion,
		Network:     "testnet",
		RPCEndpoint: "https://soroban-testnet.stellar.org",
		ContractID:  address(t, codec.VersionContract, 0x22),
		Function:    "transfer",
		Args:        []intent.Arg{{Name: "to", Value: to}, {Name: "amount", Value: amount}},
		Signer:      signer,
		Nonce:       testNonce,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
		AuthMode:    mode,
	}
}

func tracesEqual(got []orchestrator.State, want ...orchestrator.State) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestCredentialLaneEndToEnd(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	reg, err := e.auth.Register(ctx, "user-1", true)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if len(reg.PRFOutput) == 0 {
		t.Fatal("no PRF output")
	}

	secret := make([]byte, 32)
	rand.Read(secret)
	m := vault.Material{PRF: reg.PRFOutput}
	if _, err := e.vault.EncryptAndStore(ctx, "wallet-1", secret, m); err != nil {
		t.Fatalf("EncryptAndStore failed: %v", err)
	}
	got, err := e.vault.DecryptWallet(ctx, "wallet-1", m)
	if err != nil {
		t.Fatalf("DecryptWallet failed: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatal("recovered secret differs")
	}

	signer := address(t, codec.VersionContract, 0x33)
	if err := e.dispatcher.BindPasskey(signer, reg.Credential.PublicKey65); err != nil {
		t.Fatalf("BindPasskey failed: %v", err)
	}
	in := transferIntent(t, signer, intent.AuthModeWebAuthn)
	enc1, err := intent.Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	enc2, err := intent.Encode(transferIntent(t, signer, intent.AuthModeWebAuthn))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(enc1, enc2) {
		t.Fatal("independent encodings differ")
	}
	challenge := intent.Challenge(enc1)
	if len(challenge) != 32 {
		t.Fatalf("challenge length = %d", len(challenge))
	}

	res, err := e.orch.Execute(ctx, in, orchestrator.Options{CredentialID: reg.Credential.ID, Simulate: true})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	inv := res.Invocation
	if len(inv.Args) != len(in.Args)+4 {
		t.Fatalf("packaged %d args, want %d", len(inv.Args), len(in.Args)+4)
	}
	wantNames := []string{"to", "amount",
		orchestrator.ArgSignature, orchestrator.ArgAuthenticatorData,
		orchestrator.ArgClientDataJSON, orchestrator.ArgSignaturePayload}
	for i, name := range wantNames {
		if inv.Args[i].Name != name {
			t.Errorf("arg %d = %q, want %q", i, inv.Args[i].Name, name)
		}
	}
	sig, _ := inv.Args[2].Value.Raw()
	if len(sig) != 64 || !bytes.Equal(sig, inv.Proof.SignatureRaw64[:]) {
		t.Error("signature argument is not the raw64 signature")
	}
	payload, _ := inv.Args[5].Value.Raw()
	if !bytes.Equal(payload, enc1) {
		t.Error("signature payload is not the encoded intent")
	}
	if inv.PasskeyPublicKey != reg.Credential.PublicKey65 {
		t.Error("passkey public key not resolved")
	}
	if !tracesEqual(res.Trace, orchestrator.StateBuilt, orchestrator.StateValidated,
		orchestrator.StateCredentialSigning, orchestrator.StatePackaged,
		orchestrator.StateSimulated, orchestrator.StateSubmitted) {
		t.Errorf("trace = %v", res.Trace)
	}
	if !res.Simulation.OK || res.Submission.TxHash == "" {
		t.Errorf("simulation=%+v submission=%+v", res.Simulation, res.Submission)
	}
}

func TestCredentialLaneViaDispatcher(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	reg, err := e.auth.Register(ctx, "user-1", false)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	signer := address(t, codec.VersionContract, 0x33)
	if err := e.dispatcher.BindPasskey(signer, reg.Credential.PublicKey65); err != nil {
		t.Fatalf("BindPasskey failed: %v", err)
	}

	dispatcherID := address(t, codec.VersionContract, 0xd1)
	res, err := e.orch.Execute(ctx, transferIntent(t, signer, intent.AuthModeWebAuthn), orchestrator.Options{
		CredentialID: reg.Credential.ID,
		Dispatcher:   dispatcherID,
		Simulate:     true,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	inv := res.Invocation
	if !inv.ViaDispatcher || inv.ContractID != dispatcherID || inv.Function != orchestrator.DispatcherFunction {
		t.Errorf("not routed through dispatcher: %s.%s", inv.ContractID, inv.Function)
	}
	if len(inv.Args) != 6 {
		t.Errorf("dispatcher call has %d args, want 6", len(inv.Args))
	}
}

func TestSimulationFailureShortCircuits(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	reg, err := e.auth.Register(ctx, "user-1", false)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	other, err := e.auth.Register(ctx, "user-2", false)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	signer := address(t, codec.VersionContract, 0x33)
	if err := e.dispatcher.BindPasskey(signer, other.Credential.PublicKey65); err != nil {
		t.Fatalf("BindPasskey failed: %v", err)
	}

	_, err = e.orch.Execute(ctx, transferIntent(t, signer, intent.AuthModeWebAuthn),
		orchestrator.Options{CredentialID: reg.Credential.ID, Simulate: true})
	if !errors.Is(err, orchestrator.ErrSimulationFailed) {
		t.Fatalf("got %v, want ErrSimulationFailed", err)
	}
	var simErr *orchestrator.SimulationError
	if !errors.As(err, &simErr) {
		t.Fatalf("error carries no SimulationError: %v", err)
	}
	if simErr.Message != "Passkey is not bound to signer" || len(simErr.Payload) == 0 {
		t.Errorf("simulation error = %+v", simErr)
	}
	if e.submitter.calls != 0 {
		t.Errorf("submitter called %d times after failed simulation", e.submitter.calls)
	}
}

func TestReplayIsRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	reg, err := e.auth.Register(ctx, "user-1", false)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	signer := address(t, codec.VersionContract, 0x33)
	if err := e.dispatcher.BindPasskey(signer, reg.Credential.PublicKey65); err != nil {
		t.Fatalf("BindPasskey failed: %v", err)
	}
	opts := orchestrator.Options{CredentialID: reg.Credential.ID}

	if _, err := e.orch.Execute(ctx, transferIntent(t, signer, intent.AuthModeWebAuthn), opts); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	_, err = e.orch.Execute(ctx, transferIntent(t, signer, intent.AuthModeWebAuthn), opts)
	if !errors.Is(err, orchestrator.ErrSubmissionFailed) || !errors.Is(err, dispatcher.ErrRejected) {
		t.Fatalf("replay: got %v", err)
	}
	if orchestrator.Kind(err) != "SubmissionFailed" {
		t.Errorf("Kind = %q", orchestrator.Kind(err))
	}
}

func TestClassicLane(t *testing.T) {
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := codec.EncodeStrKey(codec.VersionAccount, pub)
	if err != nil {
		t.Fatal(err)
	}
	seedStrKey, err := codec.EncodeStrKey(codec.VersionSeed, priv.Seed())
	if err != nil {
		t.Fatal(err)
	}

	secrets := map[string][]byte{
		"raw seed": priv.Seed(),
		"S strkey": []byte(seedStrKey),
	}
	for name, secret := range secrets {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			m := vault.Material{Passphrase: []byte("hunter2 but longer")}
			if _, err := e.vault.EncryptAndStore(ctx, "wallet-c", secret, m); err != nil {
				t.Fatalf("EncryptAndStore failed: %v", err)
			}
			in := transferIntent(t, signer, intent.AuthModeClassic)
			res, err := e.orch.Execute(ctx, in, orchestrator.Options{WalletID: "wallet-c", Material: m, Simulate: true})
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			inv := res.Invocation
			if len(inv.Args) != len(in.Args) {
				t.Errorf("classic call has %d args, want %d", len(inv.Args), len(in.Args))
			}
			if !ed25519.Verify(pub, inv.Payload, inv.ClassicSignature) {
				t.Error("classic signature does not verify")
			}
			if !tracesEqual(res.Trace, orchestrator.StateBuilt, orchestrator.StateValidated,
				orchestrator.StateClassicSigning, orchestrator.StatePackaged,
				orchestrator.StateSimulated, orchestrator.StateSubmitted) {
				t.Errorf("trace = %v", res.Trace)
			}
		})
	}
}

func TestClassicLaneFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	seed := make([]byte, 32)
	rand.Read(seed)
	m := vault.Material{Passphrase: []byte("right passphrase")}
	if _, err := e.vault.EncryptAndStore(ctx, "wallet-c", seed, m); err != nil {
		t.Fatalf("EncryptAndStore failed: %v", err)
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	signer, _ := codec.EncodeStrKey(codec.VersionAccount, pub)

	_, err := e.orch.Execute(ctx, transferIntent(t, signer, intent.AuthModeClassic),
		orchestrator.Options{WalletID: "wallet-c", Material: vault.Material{Passphrase: []byte("wrong passphrase")}})
	if !errors.Is(err, vault.ErrDecryptionFailed) {
		t.Errorf("wrong passphrase: got %v", err)
	}
	if orchestrator.Kind(err) != "DecryptionFailed" {
		t.Errorf("Kind = %q", orchestrator.Kind(err))
	}

	other := address(t, codec.VersionAccount, 0x44)
	_, err = e.orch.Execute(ctx, transferIntent(t, other, intent.AuthModeClassic),
		orchestrator.Options{WalletID: "wallet-c", Material: m})
	if !errors.Is(err, orchestrator.ErrSignerMismatch) {
		t.Errorf("foreign signer: got %v", err)
	}
	if e.submitter.calls != 0 {
		t.Errorf("submitter called %d times", e.submitter.calls)
	}
}

func TestExecuteRejectsBeforeSigning(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	signer := address(t, codec.VersionAccount, 0x55)

	expired := transferIntent(t, signer, intent.AuthModeClassic)
	expired.IssuedAt, expired.ExpiresAt = 1600000000, 1600000300
	if _, err := e.orch.Execute(ctx, expired, orchestrator.Options{}); !errors.Is(err, intent.ErrIntentExpired) {
		t.Errorf("expired: got %v", err)
	}

	unknown := transferIntent(t, signer, "sms")
	if _, err := e.orch.Execute(ctx, unknown, orchestrator.Options{AuthMode: "sms"}); !errors.Is(err, intent.ErrIntentMalformed) {
		t.Errorf("unknown mode in intent: got %v", err)
	}

	classic := transferIntent(t, signer, intent.AuthModeClassic)
	if _, err := e.orch.Execute(ctx, classic, orchestrator.Options{AuthMode: "sms"}); !errors.Is(err, orchestrator.ErrUnknownAuthMode) {
		t.Errorf("unknown mode option: got %v", err)
	}
	if _, err := e.orch.Execute(ctx, classic, orchestrator.Options{AuthMode: intent.AuthModeWebAuthn}); !errors.Is(err, intent.ErrIntentMalformed) {
		t.Errorf("mode mismatch: got %v", err)
	}
	if _, err := e.orch.Execute(ctx, nil, orchestrator.Options{}); !errors.Is(err, intent.ErrIntentMalformed) {
		t.Errorf("nil intent: got %v", err)
	}
}

func TestCeremonyCancellationPropagates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	reg, err := e.auth.Register(ctx, "user-1", false)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	e.platform.Interact = func(context.Context, string) error { return passkey.ErrUserCancelled }

	_, err = e.orch.Execute(ctx, transferIntent(t, address(t, codec.VersionContract, 0x33), intent.AuthModeWebAuthn),
		orchestrator.Options{CredentialID: reg.Credential.ID})
	if !errors.Is(err, passkey.ErrUserCancelled) {
		t.Fatalf("got %v, want ErrUserCancelled", err)
	}
	if orchestrator.Kind(err) != "UserCancelled" {
		t.Errorf("Kind = %q", orchestrator.Kind(err))
	}
}

func TestMetricsRecordOutcomes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	signer := address(t, codec.VersionAccount, 0x55)
	expired := transferIntent(t, signer, intent.AuthModeClassic)
	expired.IssuedAt, expired.ExpiresAt = 1600000000, 1600000300
	e.orch.Execute(ctx, expired, orchestrator.Options{})
	for _, mode := range []intent.AuthMode{"sms", "carrier-pigeon"} {
		e.orch.Execute(ctx, transferIntent(t, signer, intent.AuthModeClassic), orchestrator.Options{AuthMode: mode})
	}

	families, err := e.registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	modes := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "geoauth_executions_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range metric.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			modes[labels["mode"]] += metric.GetCounter().GetValue()
			if labels["mode"] == "classic" && labels["outcome"] == "IntentExpired" && metric.GetCounter().GetValue() == 1 {
				found = true
			}
		}
	}
	if !found {
		t.Error("executions_total{mode=classic,outcome=IntentExpired} not recorded")
	}
	if len(modes) != 2 || modes["unknown"] != 2 {
		t.Errorf("mode labels = %v, want classic and unknown only", modes)
	}
}

func TestKind(t *testing.T) {
	cases := map[error]string{
		nil:                               "",
		codec.ErrInvalidSignatureEncoding: "InvalidSignatureEncoding",
		vault.ErrMissingKeyMaterial:       "MissingKeyMaterial",
		passkey.ErrCredentialUnavailable:  "CredentialUnavailable",
		&orchestrator.SimulationError{}:   "SimulationFailed",
		errors.New("disk on fire"):        "Internal",
		orchestrator.ErrSubmissionFailed:  "SubmissionFailed",
		intent.ErrIntentMalformed:         "IntentMalformed",
		passkey.ErrAuthenticationFailed:   "AuthenticationFailed",
		codec.ErrMalformedEncoding:        "MalformedEncoding",
		codec.ErrInvalidPublicKeyEncoding: "InvalidPublicKeyEncoding",
		vault.ErrDecryptionFailed:         "DecryptionFailed",
		orchestrator.ErrUnknownAuthMode:   "UnknownAuthMode",
		intent.ErrIntentExpired:           "IntentExpired",
		passkey.ErrTimeout:                "Timeout",
		passkey.ErrUserCancelled:          "UserCancelled",
		orchestrator.ErrSignerMismatch:    "SignerMismatch",
		orchestrator.ErrSimulationFailed:  "SimulationFailed",
	}
	for err, want := range cases {
		if got := orchestrator.Kind(err); got != want {
			t.Errorf("Kind(%v) = %q, want %q", err, got, want)
		}
	}
}
