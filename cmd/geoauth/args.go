package main

import (
	"fmt"
	"strings"

	"github.com/mesmerverse/geolink-authz/intent"
)

// argList collects repeated -arg name:Kind=value flags in order.
type argList []intent.Arg

func (l *argList) String() string {
	parts := make([]string, 0, len(*l))
	for _, a := range *l {
		parts = append(parts, fmt.Sprintf("%s:%s=%s", a.Name, a.Value.Kind(), a.Value))
	}
	return strings.Join(parts, ",")
}

func (l *argList) Set(s string) error {
	head, value, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("argument %q: want name:Kind=value", s)
	}
	name, kind, ok := strings.Cut(head, ":")
	if !ok || name == "" {
		return fmt.Errorf("argument %q: want name:Kind=value", s)
	}
	v, err := intent.ParseValue(intent.Kind(kind), value)
	if err != nil {
		return fmt.Errorf("argument %q: %w", name, err)
	}
	*l = append(*l, intent.Arg{Name: name, Value: v})
	return nil
}
