package dispatcher_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/mesmerverse/geolink-authz/codec"
	"github.com/mesmerverse/geolink-authz/dispatcher"
	"github.com/mesmerverse/geolink-authz/intent"
	"github.com/mesmerverse/geolink-authz/orchestrator"
	"github.com/mesmerverse/geolink-authz/passkey"
	"github.com/mesmerverse/geolink-authz/passkey/softauth"
	"github.com/mesmerverse/geolink-authz/submit"
	"github.com/mesmerverse/geolink-authz/vault"
)

const origin = "https://geolink.example"

var now = time.Unix(1700000100, 0)

// captureSubmitter keeps the packaged invocation instead of sending it.
type captureSubmitter struct {
	inv *orchestrator.Invocation
}

func (c *captureSubmitter) Submit(_ context.Context, inv *orchestrator.Invocation) (*orchestrator.Submission, error) {
	c.inv = inv
	return &orchestrator.Submission{ID: "captured"}, nil
}

func address(t *testing.T, version codec.VersionByte, fill byte) string {
	t.Helper()
	s, err := codec.EncodeStrKey(version, bytes.Repeat([]byte{fill}, 32))
	if err != nil {
		t.Fatalf("EncodeStrKey failed: %v", err)
	}
	return s
}

func newIntent(t *testing.T, signer string, mode intent.AuthMode) *intent.Intent {
	t.Helper()
	amount, err := intent.I128(big.NewInt(250))
	if err != nil {
		t.Fatalf("I128 failed: %v", err)
	}
	nonce, err := intent.NewNonce()
	if err != nil {
		t.Fatalf("NewNonce failed: %v", err)
	}
	return &intent.Intent{
		Version:    intent.CurrentVersion,
		Network:    "testnet",
		ContractID: address(t, codec.VersionContract, 0x22),
		Function:   "transfer",
		Args: []intent.Arg{
			{Name: "to", Value: mustAddress(t, address(t, codec.VersionAccount, 0x11))},
			{Name: "amount", Value: amount},
		},
		Signer:    signer,
		Nonce:     nonce,
		IssuedAt:  now.Unix() - 10,
		ExpiresAt: now.Unix() + 290,
		AuthMode:  mode,
	}
}

func mustAddress(t *testing.T, s string) intent.Value {
	t.Helper()
	v, err := intent.Address(s)
	if err != nil {
		t.Fatalf("Address failed: %v", err)
	}
	return v
}

type credentialFixture struct {
	auth    *passkey.Authenticator
	creds   *passkey.MemoryStore
	orch    *orchestrator.Orchestrator
	capture *captureSubmitter
	credID  []byte
	pub     [65]byte
}

func newCredentialFixture(t *testing.T) *credentialFixture {
	t.Helper()
	creds := passkey.NewMemoryStore()
	auth, err := passkey.New(softauth.New(origin), creds, passkey.Config{RPID: "geolink.example", Origin: origin})
	if err != nil {
		t.Fatalf("passkey.New failed: %v", err)
	}
	reg, err := auth.Register(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	capture := &captureSubmitter{}
	orch, err := orchestrator.New(orchestrator.Config{
		Credentials:     auth,
		CredentialStore: creds,
		Submitter:       capture,
		Now:             func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("orchestrator.New failed: %v", err)
	}
	return &credentialFixture{
		auth: auth, creds: creds, orch: orch, capture: capture,
		credID: reg.Credential.ID, pub: reg.Credential.PublicKey65,
	}
}

func (f *credentialFixture) sign(t *testing.T, in *intent.Intent, via string) *orchestrator.Invocation {
	t.Helper()
	_, err := f.orch.Execute(context.Background(), in, orchestrator.Options{CredentialID: f.credID, Dispatcher: via})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	return f.capture.inv
}

func newDispatcher(contractID string) *dispatcher.Dispatcher {
	return dispatcher.New(dispatcher.Config{
		ContractID: contractID,
		Now:        func() time.Time { return now },
	})
}

// bound returns a dispatcher that accepts the fixture's passkey for signer.
func (f *credentialFixture) bound(t *testing.T, cfg dispatcher.Config, signer string) *dispatcher.Dispatcher {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return now }
	}
	d := dispatcher.New(cfg)
	if err := d.BindPasskey(signer, f.pub); err != nil {
		t.Fatalf("BindPasskey failed: %v", err)
	}
	return d
}

func expectRejected(t *testing.T, d *dispatcher.Dispatcher, inv *orchestrator.Invocation, reason string) {
	t.Helper()
	sim, err := d.Simulate(context.Background(), inv)
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	if sim.OK || sim.Error != reason {
		t.Errorf("Simulate: ok=%v error=%q, want rejection %q", sim.OK, sim.Error, reason)
	}
	var payload map[string]string
	if err := json.Unmarshal(sim.Payload, &payload); err != nil || payload["error"] != reason {
		t.Errorf("rejection payload %s", sim.Payload)
	}
	if _, err := d.Submit(context.Background(), inv); !errors.Is(err, dispatcher.ErrRejected) {
		t.Errorf("Submit: got %v, want ErrRejected", err)
	}
}

func TestWebAuthnDirectCall(t *testing.T) {
	f := newCredentialFixture(t)
	signer := address(t, codec.VersionContract, 0x33)
	inv := f.sign(t, newIntent(t, signer, intent.AuthModeWebAuthn), "")
	d := f.bound(t, dispatcher.Config{}, signer)

	sim, err := d.Simulate(context.Background(), inv)
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	if !sim.OK || sim.Fee != dispatcher.BaseFee {
		t.Fatalf("simulation rejected: %+v", sim)
	}
	var payload map[string]string
	if err := json.Unmarshal(sim.Payload, &payload); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if payload["fn_name"] != "transfer" || payload["signer"] != signer {
		t.Errorf("simulation payload = %v", payload)
	}

	sub, err := d.Submit(context.Background(), inv)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if sub.Status != submit.StatusSuccess || len(sub.TxHash) != 64 {
		t.Errorf("submission = %+v", sub)
	}
	st, err := d.Status(context.Background(), sub.TxHash)
	if err != nil || st.Status != submit.StatusSuccess || st.Ledger != 1 {
		t.Errorf("Status = %+v, %v", st, err)
	}
	if st, _ := d.Status(context.Background(), "00"); st.Status != submit.StatusNotFound {
		t.Errorf("unknown hash status = %s", st.Status)
	}

	// Same nonce again.
	expectRejected(t, d, inv, "Nonce already used")
}

func TestWebAuthnViaDispatcher(t *testing.T) {
	f := newCredentialFixture(t)
	signer := address(t, codec.VersionContract, 0x33)
	dispatcherID := address(t, codec.VersionContract, 0xd1)

	inv := f.sign(t, newIntent(t, signer, intent.AuthModeWebAuthn), dispatcherID)
	rpIDHash := sha256.Sum256([]byte("geolink.example"))
	d := dispatcher.New(dispatcher.Config{
		ContractID: dispatcherID,
		RPIDHash:   &rpIDHash,
		Now:        func() time.Time { return now },
	})
	if err := d.BindPasskey(signer, f.pub); err != nil {
		t.Fatalf("BindPasskey failed: %v", err)
	}
	if _, err := d.Submit(context.Background(), inv); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	other := newDispatcher(address(t, codec.VersionContract, 0xd2))
	inv2 := f.sign(t, newIntent(t, signer, intent.AuthModeWebAuthn), dispatcherID)
	expectRejected(t, other, inv2, "Call is not addressed to this dispatcher")

	wrongRP := sha256.Sum256([]byte("evil.example"))
	pinned := f.bound(t, dispatcher.Config{RPIDHash: &wrongRP}, signer)
	expectRejected(t, pinned, inv2, "Unexpected rp_id_hash")
}

func TestWebAuthnRejections(t *testing.T) {
	f := newCredentialFixture(t)
	signer := address(t, codec.VersionContract, 0x33)

	t.Run("unbound signer", func(t *testing.T) {
		inv := f.sign(t, newIntent(t, signer, intent.AuthModeWebAuthn), "")
		expectRejected(t, newDispatcher(""), inv, "Unknown passkey")

		d := f.bound(t, dispatcher.Config{}, address(t, codec.VersionContract, 0x44))
		expectRejected(t, d, inv, "Unknown passkey")

		via := f.sign(t, newIntent(t, signer, intent.AuthModeWebAuthn), address(t, codec.VersionContract, 0xd1))
		expectRejected(t, newDispatcher(""), via, "Unknown passkey")
	})

	t.Run("wrong passkey", func(t *testing.T) {
		d := newDispatcher("")
		other, err := passkey.New(softauth.New(origin), passkey.NewMemoryStore(), passkey.Config{RPID: "geolink.example", Origin: origin})
		if err != nil {
			t.Fatal(err)
		}
		reg, err := other.Register(context.Background(), "user-2", false)
		if err != nil {
			t.Fatal(err)
		}
		if err := d.BindPasskey(signer, reg.Credential.PublicKey65); err != nil {
			t.Fatalf("BindPasskey failed: %v", err)
		}
		offCurve := [65]byte{0x04}
		if err := d.BindPasskey(signer, offCurve); err == nil {
			t.Error("BindPasskey accepted an off-curve point")
		}
		expectRejected(t, d, f.sign(t, newIntent(t, signer, intent.AuthModeWebAuthn), ""), "Passkey is not bound to signer")
	})

	t.Run("tampered signature", func(t *testing.T) {
		inv := f.sign(t, newIntent(t, signer, intent.AuthModeWebAuthn), "")
		n := len(inv.Args) - 4
		sig, _ := inv.Args[n].Value.Raw()
		forged := append([]byte(nil), sig...)
		forged[40] ^= 0x01
		inv.Args[n].Value = intent.Bytes(forged)
		expectRejected(t, f.bound(t, dispatcher.Config{}, signer), inv, "Invalid WebAuthn signature")
	})

	t.Run("high-S signature", func(t *testing.T) {
		inv := f.sign(t, newIntent(t, signer, intent.AuthModeWebAuthn), "")
		n := len(inv.Args) - 4
		sig, _ := inv.Args[n].Value.Raw()
		r, s := codec.SplitRaw64(sig)
		s.Sub(elliptic.P256().Params().N, s)
		high := make([]byte, 64)
		r.FillBytes(high[:32])
		s.FillBytes(high[32:])
		inv.Args[n].Value = intent.Bytes(high)
		expectRejected(t, f.bound(t, dispatcher.Config{}, signer), inv, "Signature is not low-S")
	})

	t.Run("payload swapped", func(t *testing.T) {
		inv := f.sign(t, newIntent(t, signer, intent.AuthModeWebAuthn), "")
		other := newIntent(t, signer, intent.AuthModeWebAuthn)
		payload, err := intent.Encode(other)
		if err != nil {
			t.Fatal(err)
		}
		inv.Payload = payload
		expectRejected(t, f.bound(t, dispatcher.Config{}, signer), inv, "Signature payload does not match intent")
	})

	t.Run("argument changed", func(t *testing.T) {
		inv := f.sign(t, newIntent(t, signer, intent.AuthModeWebAuthn), "")
		inv.Args[1].Value = intent.I64(1)
		expectRejected(t, f.bound(t, dispatcher.Config{}, signer), inv, "Call arguments do not match intent")
	})

	t.Run("non-canonical payload", func(t *testing.T) {
		inv := f.sign(t, newIntent(t, signer, intent.AuthModeWebAuthn), "")
		inv.Payload = append([]byte(" "), inv.Payload...)
		expectRejected(t, f.bound(t, dispatcher.Config{}, signer), inv, "Intent payload is not canonical")
	})
}

func TestTimeChecks(t *testing.T) {
	f := newCredentialFixture(t)
	signer := address(t, codec.VersionContract, 0x33)
	inv := f.sign(t, newIntent(t, signer, intent.AuthModeWebAuthn), "")

	late := dispatcher.New(dispatcher.Config{Now: func() time.Time { return now.Add(time.Hour) }})
	expectRejected(t, late, inv, "Intent expired")

	early := dispatcher.New(dispatcher.Config{Now: func() time.Time { return now.Add(-2 * time.Minute) }})
	expectRejected(t, early, inv, "Intent issued in the future")

	withinTolerance := f.bound(t, dispatcher.Config{Now: func() time.Time { return now.Add(-50 * time.Second) }}, signer)
	sim, err := withinTolerance.Simulate(context.Background(), inv)
	if err != nil || !sim.OK {
		t.Errorf("issue time within tolerance rejected: %+v %v", sim, err)
	}
}

func TestClassicCall(t *testing.T) {
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, _ := codec.EncodeStrKey(codec.VersionAccount, pub)

	policy := vault.DefaultPolicy()
	policy.Password.Iterations = vault.MinPasswordIterations
	v, err := vault.New(vault.NewMemoryStore(), vault.Config{Policy: &policy})
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}
	m := vault.Material{Passphrase: []byte("correct horse")}
	if _, err := v.EncryptAndStore(ctx, "w", priv.Seed(), m); err != nil {
		t.Fatalf("EncryptAndStore failed: %v", err)
	}
	capture := &captureSubmitter{}
	orch, err := orchestrator.New(orchestrator.Config{Secrets: v, Submitter: capture, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := orch.Execute(ctx, newIntent(t, signer, intent.AuthModeClassic), orchestrator.Options{WalletID: "w", Material: m}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	inv := capture.inv

	d := newDispatcher("")
	if _, err := d.Submit(ctx, inv); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	forged := *inv
	forged.ClassicSignature = bytes.Clone(inv.ClassicSignature)
	forged.ClassicSignature[0] ^= 0xff
	expectRejected(t, newDispatcher(""), &forged, "Invalid signature")

	wrongSigner := forged
	wrongSigner.Signer = address(t, codec.VersionAccount, 0x99)
	expectRejected(t, newDispatcher(""), &wrongSigner, "Signer does not match intent")
}
