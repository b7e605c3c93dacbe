package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"flag"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/geolink-authz/codec"
	"github.com/mesmerverse/geolink-authz/config"
	"github.com/mesmerverse/geolink-authz/intent"
	"github.com/mesmerverse/geolink-authz/orchestrator"
	"github.com/mesmerverse/geolink-authz/passkey"
	"github.com/mesmerverse/geolink-authz/passkey/softauth"
	"github.com/mesmerverse/geolink-authz/vault"
)

// transferSchema is the token transfer entry point the demo calls.
var transferSchema = intent.Schema{
	Function: "transfer",
	Params: []intent.Param{
		{Name: "to", Type: intent.KindAddress},
		{Name: "amount", Type: intent.KindI128},
	},
}

// demoAddress derives a stable contract address from a label.
func demoAddress(version codec.VersionByte, label []byte) (string, error) {
	sum := sha256.Sum256(label)
	return codec.EncodeStrKey(version, sum[:])
}

func runDemo(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	amount := fs.String("amount", "100", "Transfer amount")
	to := fs.String("to", "", "Recipient address (default: derived demo account)")
	viaDispatcher := fs.Bool("via-dispatcher", false, "Route the call through the dispatcher contract")
	wait := fs.Bool("wait", true, "Wait for confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Software keys live in this process only, so the demo always uses
	// the local dispatcher.
	a.simulator, a.submitter, a.status = a.dispatcher, a.dispatcher, a.dispatcher

	platform := softauth.New(cfg.RelyingParty.Origin)
	auth, err := passkey.New(platform, a.credentials, passkey.Config{
		RPID:   cfg.RelyingParty.ID,
		RPName: cfg.RelyingParty.Name,
		Origin: cfg.RelyingParty.Origin,
	})
	if err != nil {
		return err
	}

	userID := "demo-" + uuid.NewString()
	reg, err := auth.Register(ctx, userID, true)
	if err != nil {
		return err
	}
	if len(reg.PRFOutput) == 0 {
		return passkey.ErrPRFUnavailable
	}
	fmt.Fprintf(out, "registered passkey for %s\n", userID)

	// Protect a fresh wallet secret with the passkey PRF and read it back
	// through a second assertion.
	walletID := userID
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("failed to generate wallet secret: %w", err)
	}
	defer vault.Zero(secret)
	if _, err := a.vault.EncryptAndStore(ctx, walletID, secret, vault.Material{PRF: reg.PRFOutput}); err != nil {
		return err
	}
	prf, err := auth.DerivePRF(ctx, reg.Credential.ID, nil)
	if err != nil {
		return err
	}
	recovered, err := a.vault.DecryptWallet(ctx, walletID, vault.Material{PRF: prf})
	if err != nil {
		return err
	}
	ok := bytes.Equal(recovered, secret)
	vault.Zero(recovered)
	if !ok {
		return fmt.Errorf("vault round trip returned a different secret")
	}
	fmt.Fprintf(out, "wallet secret sealed under passkey PRF (%s)\n", walletID)

	signer, err := demoAddress(codec.VersionContract, reg.Credential.PublicKey65[:])
	if err != nil {
		return err
	}
	if err := a.dispatcher.BindPasskey(signer, reg.Credential.PublicKey65); err != nil {
		return err
	}

	token, err := demoAddress(codec.VersionContract, []byte("geolink demo token"))
	if err != nil {
		return err
	}
	if *to == "" {
		if *to, err = demoAddress(codec.VersionAccount, []byte("geolink demo recipient")); err != nil {
			return err
		}
	}
	callArgs, err := intent.BuildArgsFromSchema(transferSchema, map[string]string{"to": *to, "amount": *amount})
	if err != nil {
		return err
	}
	in, err := intent.New(intent.Params{
		Network:     cfg.Intent.Network,
		RPCEndpoint: cfg.Intent.RPCEndpoint,
		ContractID:  token,
		Function:    transferSchema.Function,
		Args:        callArgs,
		Signer:      signer,
		AuthMode:    intent.AuthModeWebAuthn,
		TTL:         cfg.IntentTTL(),
	})
	if err != nil {
		return err
	}

	opts := orchestrator.Options{CredentialID: reg.Credential.ID, Simulate: true}
	if *viaDispatcher {
		opts.Dispatcher = cfg.Dispatcher.ContractID
		if opts.Dispatcher == "" {
			if opts.Dispatcher, err = demoAddress(codec.VersionContract, []byte("geolink demo dispatcher")); err != nil {
				return err
			}
		}
	}

	orch, err := a.newOrchestrator(auth)
	if err != nil {
		return err
	}
	res, err := orch.Execute(ctx, in, opts)
	if err != nil {
		return err
	}
	log.Info().
		Str("signer", signer).
		Int("args", len(res.Invocation.Args)).
		Bool("via_dispatcher", res.Invocation.ViaDispatcher).
		Msg("Credential lane completed")
	return report(ctx, a, res, *wait, out)
}
