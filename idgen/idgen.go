// Package idgen produces the identifiers dompilot hands out. Every id is a
// type prefix ("ses_", "act_", "evt_") followed by a UUIDv7, so ids sort by
// creation time and say what they name.
package idgen

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequential returns a Generator of "1", "2", ... for deterministic tests.
func Sequential() Generator {
	var n atomic.Uint64
	return func() string {
		return fmt.Sprint(n.Add(1))
	}
}

// Prefixes for each kind of id.
const (
	SessionPrefix = "ses_"
	ActionPrefix  = "act_"
	EventPrefix   = "evt_"
)

var (
	Session = Prefixed(SessionPrefix, UUIDv7())
	Action  = Prefixed(ActionPrefix, UUIDv7())
	Event   = Prefixed(EventPrefix, UUIDv7())
)

// Parse checks that id is prefix followed by a valid UUID and returns the
// UUID part.
func Parse(prefix, id string) (string, error) {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok {
		return "", fmt.Errorf("idgen: %q lacks prefix %q", id, prefix)
	}
	u, err := uuid.Parse(rest)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid uuid in %q: %w", id, err)
	}
	return u.String(), nil
}
