package intent

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mesmerverse/geolink-authz/codec"
)

// ValidationError names one violated rule. It wraps ErrIntentExpired or
// ErrIntentMalformed.
type ValidationError struct {
	Rule   string
	Reason string
	kind   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", e.kind, e.Rule, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.kind
}

func malformed(rule, format string, args ...any) error {
	return &ValidationError{Rule: rule, Reason: fmt.Sprintf(format, args...), kind: ErrIntentMalformed}
}

// invalidText returns the names of text fields that are not valid UTF-8.
// JSON encoding would replace their bytes with U+FFFD, so two distinct
// intents could share one encoding.
func invalidText(in *Intent) []string {
	fields := []struct{ name, value string }{
		{"network", in.Network},
		{"rpc_url", in.RPCEndpoint},
		{"contract_id", in.ContractID},
		{"fn_name", in.Function},
		{"signer", in.Signer},
		{"rule_binding", in.RuleBinding},
		{"nonce", in.Nonce},
		{"auth_mode", string(in.AuthMode)},
	}
	var bad []string
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			bad = append(bad, f.name)
		}
	}
	for _, a := range in.Args {
		if !utf8.ValidString(a.Name) {
			bad = append(bad, "args")
		}
	}
	return bad
}

// Validate checks in against the clock. Every violated rule is reported;
// the result matches errors.Is for each kind present and errors.As yields
// the first *ValidationError.
func Validate(in *Intent, now time.Time, skew time.Duration) error {
	var errs []error

	for _, name := range invalidText(in) {
		errs = append(errs, malformed(name, "not valid UTF-8"))
	}
	if in.Version != CurrentVersion {
		errs = append(errs, malformed("version", "got %d, want %d", in.Version, CurrentVersion))
	}
	if !codec.IsContractAddress(in.ContractID) {
		errs = append(errs, malformed("contract_id", "%q is not a contract address", in.ContractID))
	}
	if !codec.IsAccountAddress(in.Signer) && !codec.IsContractAddress(in.Signer) {
		errs = append(errs, malformed("signer", "%q is not an account or contract address", in.Signer))
	}
	if _, err := Symbol(in.Function); err != nil {
		errs = append(errs, malformed("fn_name", "%q is not a valid function symbol", in.Function))
	}
	if len(in.Nonce) != 2*NonceSize {
		errs = append(errs, malformed("nonce", "length %d, want %d hex characters", len(in.Nonce), 2*NonceSize))
	} else if _, err := hex.DecodeString(in.Nonce); err != nil {
		errs = append(errs, malformed("nonce", "not hex"))
	}
	if !in.AuthMode.Valid() {
		errs = append(errs, malformed("auth_mode", "unknown mode %q", in.AuthMode))
	}
	seen := make(map[string]bool, len(in.Args))
	for _, a := range in.Args {
		switch {
		case a.Name == "":
			errs = append(errs, malformed("args", "argument without a name"))
		case IsProofField(a.Name):
			errs = append(errs, malformed("args", "argument %q is reserved for proof data", a.Name))
		case seen[a.Name]:
			errs = append(errs, malformed("args", "duplicate argument %q", a.Name))
		case !a.Value.Kind().Valid():
			errs = append(errs, malformed("args", "argument %q has no typed value", a.Name))
		default:
			if _, err := a.Value.Wire(); err != nil {
				errs = append(errs, malformed("args", "argument %q: %v", a.Name, err))
			}
		}
		seen[a.Name] = true
	}

	if in.ExpiresAt <= in.IssuedAt {
		errs = append(errs, malformed("exp", "expiry %d is not after issue time %d", in.ExpiresAt, in.IssuedAt))
	}
	if in.IssuedAt > now.Add(skew).Unix() {
		errs = append(errs, malformed("iat", "issued %ds in the future", in.IssuedAt-now.Unix()))
	}
	if now.Unix() >= in.ExpiresAt {
		errs = append(errs, &ValidationError{
			Rule:   "exp",
			Reason: fmt.Sprintf("expired %ds ago", now.Unix()-in.ExpiresAt),
			kind:   ErrIntentExpired,
		})
	}

	return errors.Join(errs...)
}
