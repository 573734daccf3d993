// CLAUDE:SUMMARY Session coordinator: bounded pool of browser sessions, exclusive per-session mutation, copy-on-write snapshots, graceful-then-forced release.
// Package session owns the lifecycle of browser sessions. A Coordinator
// bounds how many pages are open at once, serialises mutations per
// session, publishes lock-free snapshots for health reporting and reclaims
// sessions that sit idle.
//
// Usage:
//
//	c := session.New(factory, session.Config{MaxSessions: 4})
//	go c.Run(ctx)
//	h, err := c.Acquire(ctx)
//	err = c.WithSession(ctx, h.ID, func(s *session.Session) error {
//	    out := executor.Execute(ctx, s.Env(), req)
//	    s.RecordOutcome(out)
//	    return nil
//	})
//	c.Release(ctx, h.ID)
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/dompilot/fault"
	"github.com/hazyhaar/dompilot/idgen"
	"github.com/hazyhaar/dompilot/page"
	"github.com/hazyhaar/dompilot/perception"
	"github.com/hazyhaar/dompilot/perception/cache"
	"github.com/hazyhaar/dompilot/resolve"
)

// Factory opens the page backing a new session.
type Factory interface {
	Open(ctx context.Context) (page.Page, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (page.Page, error)

func (f FactoryFunc) Open(ctx context.Context) (page.Page, error) { return f(ctx) }

// Observer receives pool level events.
type Observer interface {
	ObserveSessions(active int)
	ObserveReaped(n int)
}

// Config parameterises a Coordinator.
type Config struct {
	MaxSessions    int           // default: 8
	IdleTimeout    time.Duration // default: 5m
	ReapInterval   time.Duration // default: 30s
	ReleaseTimeout time.Duration // default: 5s
	HistoryLimit   int           // default: 256 outcomes
	IdentityLimit  int           // default: 32 identities
	DegradedAfter  int           // consecutive failures, default: 3
	Cache          cache.Config
	IDs            idgen.Generator // default: idgen.Session
	Now            func() time.Time
	Logger         *slog.Logger
	Observer       Observer
}

func (c *Config) defaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 8
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 5 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 256
	}
	if c.IdentityLimit <= 0 {
		c.IdentityLimit = 32
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 3
	}
	if c.IDs == nil {
		c.IDs = idgen.Session
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Handle identifies an acquired session.
type Handle struct {
	ID      string    `json:"session_id"`
	Created time.Time `json:"created"`
}

// Totals counts pool events since the coordinator started.
type Totals struct {
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
	Reaped   int64 `json:"reaped"`
	Failed   int64 `json:"failed"`
}

// Coordinator manages the session pool.
type Coordinator struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	pending  int
	closed   bool

	acquired atomic.Int64
	released atomic.Int64
	reaped   atomic.Int64
	failed   atomic.Int64
}

// New creates a Coordinator over factory.
func New(factory Factory, cfg Config) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		cfg:      cfg,
		factory:  factory,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
	}
}

// MaxSessions is the pool bound.
func (c *Coordinator) MaxSessions() int { return c.cfg.MaxSessions }

// Active returns the number of live sessions.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Totals returns the pool counters.
func (c *Coordinator) Totals() Totals {
	return Totals{
		Acquired: c.acquired.Load(),
		Released: c.released.Load(),
		Reaped:   c.reaped.Load(),
		Failed:   c.failed.Load(),
	}
}

// Acquire opens a new session. It fails with ResourceExhausted when the
// pool is full or the factory cannot produce a page.
func (c *Coordinator) Acquire(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.FromContext(ctx, "session: acquire", err, fault.Cancelled)
	}
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, fault.New(fault.ResourceExhausted, "session: acquire", errors.New("coordinator closed"))
	case len(c.sessions)+c.pending >= c.cfg.MaxSessions:
		c.mu.Unlock()
		return nil, fault.Errorf(fault.ResourceExhausted, "session: acquire", "pool full (%d sessions)", c.cfg.MaxSessions)
	}
	c.pending++
	c.mu.Unlock()

	p, err := c.factory.Open(ctx)
	if err != nil {
		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
		c.failed.Add(1)
		if ctx.Err() != nil {
			return nil, fault.FromContext(ctx, "session: acquire", err, fault.ResourceExhausted)
		}
		return nil, fault.New(fault.ResourceExhausted, "session: acquire", err)
	}

	now := c.cfg.Now()
	s := &Session{
		id:         c.cfg.IDs(),
		created:    now,
		page:       p,
		cache:      cache.New(c.cfg.Cache),
		learning:   resolve.NewLearning(),
		sem:        make(chan struct{}, 1),
		done:       make(chan struct{}),
		state:      Healthy,
		tiers:      make(map[perception.Tier]*TierStat),
		maxHistory: c.cfg.HistoryLimit,
		maxIDs:     c.cfg.IdentityLimit,
		degradedAt: c.cfg.DegradedAfter,
	}
	s.touch(now)
	s.publish()

	c.mu.Lock()
	c.pending--
	if c.closed {
		c.mu.Unlock()
		c.teardown(ctx, s)
		return nil, fault.New(fault.ResourceExhausted, "session: acquire", errors.New("coordinator closed"))
	}
	c.sessions[s.id] = s
	active := len(c.sessions)
	c.mu.Unlock()

	c.acquired.Add(1)
	c.observeSessions(active)
	c.logger.Info("session: acquired", "session", s.id, "active", active)
	return &Handle{ID: s.id, Created: now}, nil
}

func (c *Coordinator) lookup(id string) (*Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return nil, fault.Errorf(fault.SessionNotFound, "session: lookup", "no session %q", id)
	}
	return s, nil
}

// WithSession runs fn while holding the session's exclusive lock. At most
// one fn runs per session at any time; the snapshot is republished when
// fn returns.
func (c *Coordinator) WithSession(ctx context.Context, id string, fn func(*Session) error) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	select {
	case s.sem <- struct{}{}:
	case <-s.done:
		return fault.Errorf(fault.SessionNotFound, "session: lock", "session %q released", id)
	case <-ctx.Done():
		return fault.FromContext(ctx, "session: lock", ctx.Err(), fault.Cancelled)
	}
	defer func() { <-s.sem }()

	if !s.live() {
		return fault.Errorf(fault.SessionNotFound, "session: lock", "session %q released", id)
	}

	s.touch(c.cfg.Now())
	defer func() {
		s.touch(c.cfg.Now())
		s.publish()
	}()
	return fn(s)
}

// Snapshot returns the latest published state of a session without
// taking its lock.
func (c *Coordinator) Snapshot(id string) (Snapshot, error) {
	s, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return *s.snap.Load(), nil
}

// Snapshots returns every live session, oldest first.
func (c *Coordinator) Snapshots() []Snapshot {
	c.mu.Lock()
	all := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		all = append(all, s)
	}
	c.mu.Unlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, *s.snap.Load())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Release tears a session down. It waits up to ReleaseTimeout for an
// in-flight holder, closes the page gracefully and kills it if that fails.
func (c *Coordinator) Release(ctx context.Context, id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	active := len(c.sessions)
	c.mu.Unlock()
	if !ok {
		return fault.Errorf(fault.SessionNotFound, "session: release", "no session %q", id)
	}
	c.observeSessions(active)

	s.setState(Releasing)
	s.publish()
	c.wait(ctx, s)
	err := c.teardown(ctx, s)
	c.released.Add(1)
	c.logger.Info("session: released", "session", id, "active", active)
	return err
}

// wait takes the session lock so teardown does not race a holder. It
// gives up after ReleaseTimeout and tears down regardless.
func (c *Coordinator) wait(ctx context.Context, s *Session) {
	t := time.NewTimer(c.cfg.ReleaseTimeout)
	defer t.Stop()
	select {
	case s.sem <- struct{}{}:
	case <-t.C:
		c.logger.Warn("session: holder did not finish, forcing release", "session", s.id)
	case <-ctx.Done():
	}
}

// Close releases every session and refuses further acquisitions.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	all := make([]*Session, 0, len(c.sessions))
	for id, s := range c.sessions {
		all = append(all, s)
		delete(c.sessions, id)
	}
	c.mu.Unlock()
	c.observeSessions(0)

	errs := make([]error, len(all))
	var g errgroup.Group
	g.SetLimit(4)
	for i, s := range all {
		s.setState(Releasing)
		g.Go(func() error {
			c.wait(ctx, s)
			errs[i] = c.teardown(ctx, s)
			c.released.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (c *Coordinator) observeSessions(n int) {
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveSessions(n)
	}
}
