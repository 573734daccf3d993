package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/dompilot/page"
)

// Run reaps idle sessions every ReapInterval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Reap(ctx)
		}
	}
}

// Reap tears down sessions idle longer than IdleTimeout. Sessions whose
// lock is held are skipped. It returns how many were reclaimed.
func (c *Coordinator) Reap(ctx context.Context) int {
	now := c.cfg.Now()
	var victims []*Session

	c.mu.Lock()
	for id, s := range c.sessions {
		if now.Sub(s.idleSince()) <= c.cfg.IdleTimeout {
			continue
		}
		select {
		case s.sem <- struct{}{}:
		default:
			continue
		}
		delete(c.sessions, id)
		victims = append(victims, s)
	}
	active := len(c.sessions)
	c.mu.Unlock()

	if len(victims) == 0 {
		return 0
	}
	c.observeSessions(active)

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(4)
	for _, s := range victims {
		s.setState(Releasing)
		g.Go(func() error {
			if err := c.teardown(gctx, s); err != nil {
				c.logger.Warn("session: reap teardown", "session", s.id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := len(victims)
	c.reaped.Add(int64(n))
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveReaped(n)
	}
	c.logger.Info("session: reaped idle sessions", "count", n, "active", active)
	return n
}

// teardown closes the page within ReleaseTimeout and falls back to a
// forced kill. The session is marked closed either way.
func (c *Coordinator) teardown(ctx context.Context, s *Session) error {
	defer func() {
		s.cache.Close()
		s.setState(Closed)
		s.publish()
		close(s.done)
	}()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReleaseTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.page.Close(cctx) }()

	var err error
	select {
	case err = <-done:
	case <-cctx.Done():
		err = cctx.Err()
	}
	if err == nil {
		return nil
	}

	c.logger.Warn("session: graceful close failed, killing", "session", s.id, "error", err)
	k, ok := s.page.(page.Killer)
	if !ok {
		return fmt.Errorf("session: close %s: %w", s.id, err)
	}
	if kerr := k.Kill(); kerr != nil {
		return fmt.Errorf("session: close %s: %w", s.id, errors.Join(err, kerr))
	}
	return nil
}
