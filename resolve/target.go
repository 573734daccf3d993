package resolve

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind tags a Target.
type Kind int

const (
	KindDescription Kind = iota
	KindSelector
	KindRole
)

var kindNames = [...]string{"description", "selector", "role"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for i, n := range kindNames {
		if n == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("resolve: unknown target kind %q", b)
}

// Target says what to act on: a CSS selector, a natural-language
// description, or an ARIA role with an optional accessible name.
type Target struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

func Selector(s string) Target    { return Target{Kind: KindSelector, Value: s} }
func Description(s string) Target { return Target{Kind: KindDescription, Value: s} }
func Role(role, name string) Target {
	return Target{Kind: KindRole, Value: strings.ToLower(role), Name: name}
}

// ParseTarget reads the compact string form:
//
//	css:<selector>, or anything starting with # . [  → selector
//	role:<role>[:<name>]                            → role
//	anything else                                   → description
func ParseTarget(s string) Target {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "css:"):
		return Selector(strings.TrimSpace(s[len("css:"):]))
	case strings.HasPrefix(s, "role:"):
		role, name, _ := strings.Cut(s[len("role:"):], ":")
		return Role(strings.TrimSpace(role), strings.TrimSpace(name))
	case strings.HasPrefix(s, "#"), strings.HasPrefix(s, "."), strings.HasPrefix(s, "["):
		return Selector(s)
	}
	return Description(s)
}

// UnmarshalJSON accepts either the object form or a bare string parsed
// with ParseTarget.
func (t *Target) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = ParseTarget(s)
		return nil
	}
	type plain Target
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("resolve: target: %w", err)
	}
	*t = Target(p)
	if t.Kind == KindRole {
		t.Value = strings.ToLower(t.Value)
	}
	return nil
}

// IsZero reports an empty target.
func (t Target) IsZero() bool { return strings.TrimSpace(t.Value) == "" }

// Key is the stable form used for reinforcement lookups.
func (t Target) Key() string {
	switch t.Kind {
	case KindSelector:
		return "css:" + t.Value
	case KindRole:
		return "role:" + t.Value + ":" + strings.ToLower(t.Name)
	}
	return "desc:" + strings.Join(tokenize(t.Value), " ")
}

func (t Target) String() string {
	switch t.Kind {
	case KindSelector:
		return "css:" + t.Value
	case KindRole:
		if t.Name != "" {
			return "role:" + t.Value + ":" + t.Name
		}
		return "role:" + t.Value
	}
	return t.Value
}
