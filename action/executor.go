// CLAUDE:SUMMARY Intelligent action executor: resolving, acting, verifying and retrying state machine with pacing, cache invalidation and reinforcement.
// Package action executes intelligent actions against a page. Each request
// runs through a small state machine:
//
//	Resolving → Acting → Verifying → Succeeded
//	                 ↘ Retrying (backoff) ↗   ↘ Failed
//
// Execute never returns an error: every failure is described by the
// returned Outcome.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/dompilot/fault"
	"github.com/hazyhaar/dompilot/idgen"
	"github.com/hazyhaar/dompilot/page"
	"github.com/hazyhaar/dompilot/perception"
	"github.com/hazyhaar/dompilot/resolve"
)

// Cache is the part of the session cache the executor maintains.
type Cache interface {
	perception.Cache
	Invalidate(id page.Identity) int
	Prune(generation uint64) int
}

// Env is what one execution runs against. The caller holds the session
// lock for the duration of Execute.
type Env struct {
	Page     page.Page
	Cache    Cache
	Learning *resolve.Learning
}

// Config tunes an executor.
type Config struct {
	// DefaultRetries is the attempt budget when a request sets none.
	// Default: 3.
	DefaultRetries int

	Backoff Backoff

	// ActionTimeout bounds each primitive and each verification.
	// Default: 10s.
	ActionTimeout time.Duration

	// Rate paces primitives across all sessions. Default: unlimited.
	Rate  rate.Limit
	Burst int

	Now    func() time.Time
	IDs    idgen.Generator
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.DefaultRetries <= 0 {
		c.DefaultRetries = 3
	}
	c.Backoff.defaults()
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.Rate == 0 {
		c.Rate = rate.Inf
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.IDs == nil {
		c.IDs = idgen.Action
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Executor is safe for concurrent use across sessions.
type Executor struct {
	cfg      Config
	logger   *slog.Logger
	engine   *perception.Engine
	resolver *resolve.Resolver
	limiter  *rate.Limiter
	locks    keyedLocks
}

// New creates an executor.
func New(engine *perception.Engine, resolver *resolve.Resolver, cfg Config) *Executor {
	cfg.defaults()
	return &Executor{
		cfg:      cfg,
		logger:   cfg.Logger,
		engine:   engine,
		resolver: resolver,
		limiter:  rate.NewLimiter(cfg.Rate, cfg.Burst),
	}
}

// attemptResult is an Attempt plus what the executor needs to carry
// between attempts.
type attemptResult struct {
	Attempt
	cand      *resolve.Candidate
	pre, post page.Identity
	immediate bool // retry without backoff
	final     bool // retrying cannot help
	verify    Verification
	data      string
	image     []byte
}

// Execute runs req against env and returns its outcome.
func (x *Executor) Execute(ctx context.Context, env Env, req Request) *Outcome {
	start := x.cfg.Now()
	out := &Outcome{
		ID:           x.cfg.IDs(),
		Type:         req.Type,
		Target:       req.Target.String(),
		State:        Failed,
		StartedAt:    start,
		Verification: Verification{Status: VerifySkipped},
		Log:          []Attempt{},
	}
	defer func() {
		out.Duration = x.cfg.Now().Sub(start)
		x.logger.Info("action: executed",
			"id", out.ID, "type", out.Type, "target", out.Target, "success", out.Success,
			"reason", out.Reason, "attempts", out.Attempts, "duration", out.Duration)
	}()

	if env.Page == nil {
		out.Reason, out.Error = fault.InvalidRequest, "no page"
		return out
	}
	if err := req.Validate(); err != nil {
		out.Reason, out.Error = fault.InvalidRequest, err.Error()
		return out
	}
	budget := req.Retries
	if budget == 0 {
		budget = x.cfg.DefaultRetries
	}

	var (
		last       attemptResult
		resolved   *resolve.Candidate
		resolvedID page.Identity
	)
	for n := 1; n <= budget; n++ {
		if n > 1 && !last.immediate {
			if err := sleep(ctx, x.cfg.Backoff.Delay(n-1)); err != nil {
				out.Reason, out.Error = codeFor(ctx, err, fault.Cancelled), err.Error()
				break
			}
		}
		if err := ctx.Err(); err != nil {
			out.Reason, out.Error = codeFor(ctx, err, fault.Cancelled), err.Error()
			break
		}

		last = x.attempt(ctx, env, req, n)
		out.Log = append(out.Log, last.Attempt)
		out.Attempts = n
		if last.cand != nil {
			resolved, resolvedID = last.cand, last.pre
		}
		if last.verify.Status != "" {
			out.Verification = last.verify
		}
		if last.Reason == "" {
			x.succeed(ctx, env, req, out, last)
			return out
		}
		out.Reason, out.Error = last.Reason, last.Error
		if last.final || last.Reason == fault.Cancelled || ctx.Err() != nil {
			break
		}
		if n < budget {
			x.logger.Debug("action: retrying", "id", out.ID, "attempt", n, "reason", last.Reason, "immediate", last.immediate)
		}
	}

	if resolved != nil {
		el := resolved.Element
		out.Element, out.Strategy, out.Confidence = &el, resolved.Strategy, resolved.Confidence
		env.Learning.Record(resolvedID, req.Target, el.Selector, false, resolved.Confidence)
	}
	out.Identity = x.identity(ctx, env.Page, last.pre)
	return out
}

func (x *Executor) succeed(ctx context.Context, env Env, req Request, out *Outcome, a attemptResult) {
	out.Success, out.State = true, Succeeded
	out.Reason, out.Error = "", ""
	out.Data, out.Image = a.data, a.image
	if a.cand != nil {
		el := a.cand.Element
		out.Element, out.Strategy, out.Confidence = &el, a.cand.Strategy, a.cand.Confidence
		env.Learning.Record(a.pre, req.Target, el.Selector, true, a.cand.Confidence)
	}
	if a.post.URL != "" || a.post.Generation != 0 {
		out.Identity = a.post
	} else {
		out.Identity = x.identity(ctx, env.Page, a.pre)
	}
}

// identity fetches the current identity, falling back to fb.
func (x *Executor) identity(ctx context.Context, p page.Page, fb page.Identity) page.Identity {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.cfg.ActionTimeout)
	defer cancel()
	id, err := p.Identity(c)
	if err != nil {
		return fb
	}
	return id
}

// attempt is one pass through the state machine.
func (x *Executor) attempt(ctx context.Context, env Env, req Request, n int) (res attemptResult) {
	start := x.cfg.Now()
	res.N = n
	defer func() { res.Duration = x.cfg.Now().Sub(start) }()

	fail := func(s State, code fault.Code, err error) attemptResult {
		res.State, res.Reason = s, code
		if err != nil {
			res.Error = err.Error()
		}
		return res
	}

	// Resolving.
	res.State = Resolving
	sel := ""
	if req.needsTarget() {
		cand, id, err := x.resolve(ctx, env, req, n > 1)
		if err != nil {
			return fail(Resolving, codeFor(ctx, err, fault.PerceptionFailed), err)
		}
		res.pre = id
		if cand == nil {
			return fail(Resolving, fault.TargetNotFound, fmt.Errorf("no element matches %s", req.Target))
		}
		res.cand = cand
		sel = cand.Element.Selector
		res.Selector, res.Strategy, res.Confidence = sel, cand.Strategy, cand.Confidence
	} else {
		c, cancel := context.WithTimeout(ctx, x.cfg.ActionTimeout)
		id, err := env.Page.Identity(c)
		cancel()
		if err != nil {
			return fail(Resolving, codeFor(ctx, err, fault.ActionPrimitiveFailed), err)
		}
		res.pre = id
	}

	// Acting.
	res.State = Acting
	if err := ctx.Err(); err != nil {
		return fail(Acting, codeFor(ctx, err, fault.Cancelled), err)
	}
	if err := x.limiter.Wait(ctx); err != nil {
		// Wait refuses early when the next token lands after the deadline.
		code := fault.Cancelled
		if _, ok := ctx.Deadline(); ok {
			code = fault.Timeout
		}
		return fail(Acting, codeFor(ctx, err, code), err)
	}
	if sel != "" {
		unlock := x.locks.lock(fmt.Sprintf("%p|%s", env.Page, sel))
		defer unlock()
	}
	actCtx, cancel := context.WithTimeout(ctx, x.cfg.ActionTimeout)
	err := x.act(actCtx, env.Page, req, sel, &res)
	cancel()
	actedAt := x.cfg.Now()
	if err != nil {
		switch {
		case errors.Is(err, page.ErrDetached):
			res.immediate = true
			return fail(Acting, fault.TargetNotFound, err)
		case errors.Is(err, page.ErrUnsupported):
			res.final = true
			return fail(Acting, fault.ActionPrimitiveFailed, err)
		}
		return fail(Acting, codeFor(ctx, err, fault.ActionPrimitiveFailed), err)
	}
	if req.mutates() && env.Cache != nil {
		env.Cache.Invalidate(res.pre)
		if req.Type == Navigate {
			env.Cache.Prune(res.post.Generation)
		}
	}

	// Verifying.
	if !req.Verify {
		res.State = Succeeded
		res.verify = Verification{Status: VerifySkipped}
		return res
	}
	res.State = Verifying
	v := x.verify(ctx, env.Page, req, res.cand, res.pre, actedAt, &res)
	res.verify = v
	res.Verification = &v
	if v.Status != VerifyPassed {
		if ctx.Err() != nil {
			return fail(Verifying, codeFor(ctx, ctx.Err(), fault.Cancelled), ctx.Err())
		}
		return fail(Verifying, fault.VerificationFailed, fmt.Errorf("%s: %s", v.Status, v.Detail))
	}
	res.State = Succeeded
	return res
}

// resolve perceives the page and picks the best candidate. A nil
// candidate with a nil error means nothing matched.
func (x *Executor) resolve(ctx context.Context, env Env, req Request, fresh bool) (*resolve.Candidate, page.Identity, error) {
	in := resolve.Input{Target: req.Target, Learning: env.Learning}
	var cache perception.Cache
	if env.Cache != nil {
		cache = env.Cache
	}
	result, _, err := x.engine.Perceive(ctx, perception.Request{
		Page:  env.Page,
		Tier:  req.Tier,
		Cache: cache,
		Fresh: fresh,
		Sufficient: func(r *perception.Result) bool {
			probe := in
			probe.Result = r
			cands, _ := x.resolver.Resolve(ctx, probe)
			return len(cands) > 0
		},
	})
	if err != nil {
		return nil, page.Identity{}, fmt.Errorf("action: perceive: %w", err)
	}
	in.Page, in.Result = env.Page, result
	cands, err := x.resolver.Resolve(ctx, in)
	if err != nil {
		return nil, result.Identity, fmt.Errorf("action: resolve: %w", err)
	}
	if len(cands) == 0 {
		return nil, result.Identity, nil
	}
	c := cands[0]
	return &c, result.Identity, nil
}

// act runs the primitive for req.
func (x *Executor) act(ctx context.Context, p page.Page, req Request, sel string, res *attemptResult) error {
	switch req.Type {
	case Click:
		return p.Click(ctx, sel)
	case TypeText:
		return p.Type(ctx, sel, req.Params.Text)
	case Hover:
		return p.Hover(ctx, sel)
	case Select:
		return p.Select(ctx, sel, req.Params.Option)
	case Scroll:
		return p.Scroll(ctx, sel, req.Params.DX, req.Params.DY)
	case Wait:
		if sel != "" {
			return p.WaitVisible(ctx, sel)
		}
		return sleep(ctx, time.Duration(req.Params.WaitMS)*time.Millisecond)
	case Navigate:
		id, err := p.Navigate(ctx, req.Params.URL)
		if err != nil {
			return err
		}
		res.post = id
		return nil
	case Extract:
		text, err := p.Text(ctx, sel)
		if err != nil {
			return err
		}
		if text == "" && res.cand != nil && res.cand.Element.Capabilities.Has(perception.Typable) {
			if text, err = p.Value(ctx, sel); err != nil {
				return err
			}
		}
		res.data = text
		return nil
	case Evaluate:
		out, err := p.Eval(ctx, req.Params.Script)
		if err != nil {
			return err
		}
		res.data = out
		return nil
	case Screenshot:
		img, err := p.Screenshot(ctx)
		if err != nil {
			return err
		}
		res.image = img
		return nil
	}
	return fault.Errorf(fault.InvalidRequest, "action: act", "unknown action type %q", req.Type)
}

func codeFor(ctx context.Context, err error, fallback fault.Code) fault.Code {
	return fault.FromContext(ctx, "", err, fallback).Code
}

// keyedLocks serialises actions on the same element of the same page.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*refLock)
	}
	l, ok := k.m[key]
	if !ok {
		l = &refLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedLocks) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
