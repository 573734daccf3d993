package action

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	Exponential BackoffKind = "exponential"
	Fixed       BackoffKind = "fixed"
)

// Backoff computes the wait before a retry.
type Backoff struct {
	Kind BackoffKind
	Base time.Duration // default: 100ms
	Max  time.Duration // default: 5s
}

func (b *Backoff) defaults() {
	if b.Kind == "" {
		b.Kind = Exponential
	}
	if b.Base <= 0 {
		b.Base = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 5 * time.Second
	}
}

// ParseBackoffKind accepts "exponential" or "fixed" ("" is exponential).
func ParseBackoffKind(s string) (BackoffKind, error) {
	switch k := BackoffKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", Exponential:
		return Exponential, nil
	case Fixed:
		return Fixed, nil
	default:
		return "", fmt.Errorf("action: unknown backoff %q", s)
	}
}

// Delay returns the wait before retry number n (n >= 1).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if b.Kind == Fixed {
		return min(b.Base, b.Max)
	}
	d := b.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return min(d, b.Max)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
