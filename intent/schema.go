package intent

import (
	"fmt"
	"strings"
)

// Param is one declared parameter of a contract function.
type Param struct {
	Name string `json:"name" yaml:"name"`
	Type Kind   `json:"type" yaml:"type"`
}

// Schema is a function's declared parameter list, as reported by contract
// introspection.
type Schema struct {
	Function string  `json:"function" yaml:"function"`
	Params   []Param `json:"params" yaml:"params"`
}

// IsPlaceholder reports whether a user value was never filled in.
func IsPlaceholder(s string) bool {
	t := strings.TrimSpace(s)
	switch {
	case t == "":
		return true
	case strings.HasPrefix(t, "{{") && strings.HasSuffix(t, "}}"):
		return true
	case strings.HasPrefix(t, "<") && strings.HasSuffix(t, ">"):
		return true
	case strings.EqualFold(t, "placeholder"):
		return true
	}
	return false
}

// BuildArgsFromSchema turns user values into typed arguments in schema
// order. Proof parameters are skipped; they are supplied by the signing
// lane. Missing values, placeholders and values for undeclared parameters
// are errors.
func BuildArgsFromSchema(schema Schema, values map[string]string) ([]Arg, error) {
	declared := make(map[string]bool, len(schema.Params))
	args := make([]Arg, 0, len(schema.Params))
	for _, p := range schema.Params {
		declared[p.Name] = true
		if IsProofField(p.Name) {
			continue
		}
		if !p.Type.Valid() {
			return nil, fmt.Errorf("%w: parameter %q has unknown type %q", ErrIntentMalformed, p.Name, p.Type)
		}
		raw, ok := values[p.Name]
		if !ok {
			return nil, fmt.Errorf("%w: missing value for %q", ErrIntentMalformed, p.Name)
		}
		// An empty String is a legitimate value; every other placeholder is not.
		if IsPlaceholder(raw) && !(p.Type == KindString && raw == "") {
			return nil, fmt.Errorf("%w: unresolved placeholder for %q", ErrIntentMalformed, p.Name)
		}
		v, err := ParseValue(p.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		args = append(args, Arg{Name: p.Name, Value: v})
	}
	for name := range values {
		if !declared[name] {
			return nil, fmt.Errorf("%w: %q is not a parameter of %s", ErrIntentMalformed, name, schema.Function)
		}
	}
	return args, nil
}
