package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/geolink-authz/codec"
	"github.com/mesmerverse/geolink-authz/config"
	"github.com/mesmerverse/geolink-authz/intent"
	"github.com/mesmerverse/geolink-authz/orchestrator"
	"github.com/mesmerverse/geolink-authz/vault"
)

const defaultPassphraseEnv = "GEOAUTH_PASSPHRASE"

func passphraseFrom(env string) (vault.Material, error) {
	p := os.Getenv(env)
	if p == "" {
		return vault.Material{}, fmt.Errorf("passphrase variable %s is empty", env)
	}
	return vault.Material{Passphrase: []byte(p)}, nil
}

// accountAddress returns the G... address of an Ed25519 wallet secret.
func accountAddress(secret []byte) (string, error) {
	key, err := orchestrator.SigningKey(secret)
	if err != nil {
		return "", err
	}
	defer vault.Zero(key)
	return codec.EncodeStrKey(codec.VersionAccount, key.Public().(ed25519.PublicKey))
}

func runEnroll(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("enroll", flag.ContinueOnError)
	walletID := fs.String("wallet", "", "Wallet ID (default: new UUID)")
	passphraseEnv := fs.String("passphrase-env", defaultPassphraseEnv, "Environment variable holding the passphrase")
	secretEnv := fs.String("secret-env", "", "Environment variable holding an S... secret to import (default: generate)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, err := passphraseFrom(*passphraseEnv)
	if err != nil {
		return err
	}
	if *walletID == "" {
		*walletID = uuid.NewString()
	}

	var secret []byte
	if *secretEnv != "" {
		secret = []byte(os.Getenv(*secretEnv))
		if len(secret) == 0 {
			return fmt.Errorf("secret variable %s is empty", *secretEnv)
		}
	} else {
		secret = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("failed to generate wallet secret: %w", err)
		}
	}
	defer vault.Zero(secret)

	address, err := accountAddress(secret)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.vault.EncryptAndStore(ctx, *walletID, secret, m)
	if err != nil {
		return err
	}
	log.Info().
		Str("wallet_id", *walletID).
		Str("method", string(rec.Metadata.Derivation.Method)).
		Msg("Wallet secret enrolled")
	fmt.Fprintf(out, "wallet  %s\naddress %s\n", *walletID, address)
	return nil
}

func runExecute(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	var callArgs argList
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	walletID := fs.String("wallet", "", "Wallet ID")
	passphraseEnv := fs.String("passphrase-env", defaultPassphraseEnv, "Environment variable holding the passphrase")
	signer := fs.String("signer", "", "Signer address (default: derived from the wallet secret)")
	contractID := fs.String("contract", "", "Target contract address")
	fn := fs.String("fn", "", "Function name")
	ruleBinding := fs.String("rule-binding", "", "Optional rule binding")
	simulate := fs.Bool("simulate", true, "Simulate before submitting")
	wait := fs.Bool("wait", false, "Wait for ledger confirmation")
	fs.Var(&callArgs, "arg", "Call argument name:Kind=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *walletID == "" || *contractID == "" || *fn == "" {
		return fmt.Errorf("-wallet, -contract and -fn are required")
	}

	m, err := passphraseFrom(*passphraseEnv)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if *signer == "" {
		secret, err := a.vault.DecryptWallet(ctx, *walletID, m)
		if err != nil {
			return err
		}
		*signer, err = accountAddress(secret)
		vault.Zero(secret)
		if err != nil {
			return err
		}
	}

	in, err := intent.New(intent.Params{
		Network:     cfg.Intent.Network,
		RPCEndpoint: cfg.Intent.RPCEndpoint,
		ContractID:  *contractID,
		Function:    *fn,
		Args:        callArgs,
		Signer:      *signer,
		RuleBinding: *ruleBinding,
		AuthMode:    intent.AuthModeClassic,
		TTL:         cfg.IntentTTL(),
	})
	if err != nil {
		return err
	}

	orch, err := a.newOrchestrator(nil)
	if err != nil {
		return err
	}
	res, err := orch.Execute(ctx, in, orchestrator.Options{
		WalletID: *walletID,
		Material: m,
		Simulate: *simulate,
	})
	if err != nil {
		return err
	}
	return report(ctx, a, res, *wait, out)
}

func report(ctx context.Context, a *app, res *orchestrator.Result, wait bool, out io.Writer) error {
	if res.Simulation != nil {
		fmt.Fprintf(out, "simulated fee %d\n", res.Simulation.Fee)
	}
	fmt.Fprintf(out, "submitted %s (%s)\n", res.Submission.TxHash, res.Submission.Status)
	if !wait {
		return nil
	}
	st, err := a.waitForConfirmation(ctx, res.Submission.TxHash)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "confirmed in ledger %d\n", st.Ledger)
	return nil
}
