package intent

import (
	"errors"
	"testing"

	"github.com/mesmerverse/geolink-authz/codec"
)

func transferSchema() Schema {
	return Schema{
		Function: "transfer",
		Params: []Param{
			{Name: "to", Type: KindAddress},
			{Name: "amount", Type: KindI128},
			{Name: "signature", Type: KindBytes},
			{Name: "authenticator_data", Type: KindBytes},
			{Name: "client_data_json", Type: KindBytes},
			{Name: "signature_payload", Type: KindBytes},
		},
	}
}

func TestBuildArgsFromSchema(t *testing.T) {
	to := testAddress(t, codec.VersionAccount, 1)
	args, err := BuildArgsFromSchema(transferSchema(), map[string]string{"to": to, "amount": "100"})
	if err != nil {
		t.Fatalf("BuildArgsFromSchema failed: %v", err)
	}
	if len(args) != 2 {
		t.Fatalf("got %d args, want 2 (proof parameters excluded)", len(args))
	}
	if args[0].Name != "to" || args[0].Value.Kind() != KindAddress {
		t.Errorf("arg 0 = %s:%s", args[0].Name, args[0].Value.Kind())
	}
	if n, _ := args[1].Value.Int(); n.Int64() != 100 {
		t.Errorf("amount = %s", n)
	}
}

func TestBuildArgsFromSchemaRejects(t *testing.T) {
	to := testAddress(t, codec.VersionAccount, 1)
	cases := map[string]map[string]string{
		"missing":         {"to": to},
		"placeholder":     {"to": "{{destination}}", "amount": "100"},
		"angle":           {"to": to, "amount": "<amount>"},
		"empty":           {"to": to, "amount": ""},
		"undeclared":      {"to": to, "amount": "1", "memo": "x"},
		"bad type":        {"to": to, "amount": "1.5"},
		"proof supplied?": {"to": to, "amount": "1", "signature": "00"},
	}
	for name, values := range cases {
		_, err := BuildArgsFromSchema(transferSchema(), values)
		if name == "proof supplied?" {
			// proof parameters are declared, so a value is tolerated but never embedded
			if err != nil {
				t.Errorf("%s: unexpected error %v", name, err)
			}
			continue
		}
		if !errors.Is(err, ErrIntentMalformed) {
			t.Errorf("%s: got %v, want ErrIntentMalformed", name, err)
		}
	}
}

func TestBuildArgsEmptyString(t *testing.T) {
	s := Schema{Function: "set_memo", Params: []Param{{Name: "memo", Type: KindString}}}
	args, err := BuildArgsFromSchema(s, map[string]string{"memo": ""})
	if err != nil {
		t.Fatalf("empty String rejected: %v", err)
	}
	if len(args) != 1 {
		t.Fatalf("got %d args", len(args))
	}
	if _, err := BuildArgsFromSchema(s, map[string]string{"memo": "{{memo}}"}); !errors.Is(err, ErrIntentMalformed) {
		t.Errorf("String placeholder accepted: %v", err)
	}
}

func TestIsProofField(t *testing.T) {
	for _, n := range []string{"signature", "Signature", "authenticatorData", "authenticator_data", "client-data-json", "signaturePayload", "webauthn_signature"} {
		if !IsProofField(n) {
			t.Errorf("%q not treated as proof field", n)
		}
	}
	for _, n := range []string{"to", "amount", "signer", "data"} {
		if IsProofField(n) {
			t.Errorf("%q treated as proof field", n)
		}
	}
}
