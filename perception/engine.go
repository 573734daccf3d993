// CLAUDE:SUMMARY Tiered perception engine: per-call timeouts, cache consultation, fixed-tier fallback, adaptive escalation ladder, budget tracking.
// Package perception turns a live page into structured, actionable data at
// one of four fidelity tiers, or escalates through them adaptively until a
// result is good enough.
//
// The engine never edits a Result after returning it. Callers may cache and
// share results freely.
package perception

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"

	"github.com/hazyhaar/dompilot/fault"
	"github.com/hazyhaar/dompilot/page"
)

// Cache is the slice of the perception cache the engine needs.
type Cache interface {
	Get(id page.Identity, t Tier) (*Result, error)
	Put(r *Result) error
}

// Observer receives engine events, typically a metrics collector.
type Observer interface {
	ObserveCache(t Tier, hit bool)
	ObserveCacheError(err error)
	ObserveTier(t Tier, d time.Duration, exceeded bool)
}

// Config tunes the engine.
type Config struct {
	// CallTimeout bounds every facade call. Default: 5s.
	CallTimeout time.Duration

	// BudgetMultiple is how far past its budget a tier may run before the
	// run is flagged. Default: 3.
	BudgetMultiple float64

	// Threshold is the confidence the default sufficiency predicate
	// requires. Default: 0.5.
	Threshold float64

	// ContentLimit caps the markdown digest, in runes. Default: 2000.
	ContentLimit int

	Now      func() time.Time
	Logger   *slog.Logger
	Observer Observer
}

func (c *Config) defaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.BudgetMultiple <= 0 {
		c.BudgetMultiple = 3
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.5
	}
	if c.ContentLimit <= 0 {
		c.ContentLimit = 2000
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine runs perception tiers against pages. Safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	md     *converter.Converter
}

// New creates an engine.
func New(cfg Config) *Engine {
	cfg.defaults()
	return &Engine{cfg: cfg, logger: cfg.Logger, md: newConverter()}
}

// Threshold returns the configured sufficiency threshold.
func (e *Engine) Threshold() float64 { return e.cfg.Threshold }

// Request describes one perception.
type Request struct {
	Page page.Page
	Tier Tier

	// Cache is consulted before and filled after each tier run. Nil
	// disables caching.
	Cache Cache

	// Fresh bypasses cache lookups. Fresh results are still stored.
	Fresh bool

	// Sufficient decides when Adaptive may stop. Nil uses the default:
	// at least one interactive element and confidence above Threshold.
	Sufficient func(*Result) bool
}

// Perceive runs the requested tier and reports whether the result came
// from the cache.
//
// A fixed tier that fails falls back to lower tiers; only when every tier
// down to Lightning fails does Perceive return an error, with code Timeout,
// Cancelled or PerceptionFailed. Adaptive never returns an error: if every
// rung fails the result is empty and marked Degraded.
func (e *Engine) Perceive(ctx context.Context, req Request) (*Result, bool, error) {
	if req.Page == nil {
		return nil, false, fault.Errorf(fault.InvalidRequest, "perceive", "no page")
	}
	if req.Tier == Adaptive {
		res, hit := e.adaptive(ctx, req)
		return res, hit, nil
	}
	if !req.Tier.Concrete() {
		return nil, false, fault.Errorf(fault.InvalidRequest, "perceive", "unknown tier %d", int(req.Tier))
	}

	var lastErr error
	for t := req.Tier; t >= Lightning; t-- {
		res, hit, err := e.step(ctx, req, t)
		if err == nil {
			if t != req.Tier {
				res = res.withRequested(req.Tier, nil,
					fmt.Sprintf("fell back from %s to %s: %v", req.Tier, t, lastErr))
			}
			return res, hit, nil
		}
		lastErr = err
		e.logger.Warn("perception: tier failed", "tier", t, "requested", req.Tier, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, false, fault.FromContext(ctx, "perceive", lastErr, fault.PerceptionFailed)
}

func (e *Engine) sufficient(req Request) func(*Result) bool {
	if req.Sufficient != nil {
		return req.Sufficient
	}
	return func(r *Result) bool {
		return r.Meta.Interactive > 0 && r.Meta.Confidence >= e.cfg.Threshold
	}
}

func (e *Engine) adaptive(ctx context.Context, req Request) (*Result, bool) {
	enough := e.sufficient(req)
	var (
		tried   []Tier
		last    *Result
		lastHit bool
		lastErr error
	)
	for _, t := range Ladder {
		tried = append(tried, t)
		res, hit, err := e.step(ctx, req, t)
		if err != nil {
			lastErr = err
			e.logger.Warn("perception: adaptive step failed", "tier", t, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		last, lastHit = res, hit
		if enough(res) {
			break
		}
	}
	if last != nil {
		return last.withRequested(Adaptive, tried, ""), lastHit
	}

	// Every rung failed. Report what we can about the page.
	id, _ := req.Page.Identity(context.WithoutCancel(ctx))
	msg := "no tier produced a result"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	e.logger.Error("perception: adaptive degraded", "url", id.URL, "error", lastErr)
	return &Result{
		Tier:      Lightning,
		Requested: Adaptive,
		Identity:  id,
		Timestamp: e.cfg.Now(),
		Elements:  []ElementDescriptor{},
		Meta: Meta{
			Escalation: tried,
			Degraded:   true,
			Error:      msg,
		},
	}, false
}

// withRequested returns a shallow copy carrying the caller's view of the
// run. The receiver may be a shared cached value and is left untouched.
func (r *Result) withRequested(req Tier, escalation []Tier, warning string) *Result {
	cp := *r
	cp.Requested = req
	if escalation != nil {
		cp.Meta.Escalation = append([]Tier(nil), escalation...)
	}
	if warning != "" {
		cp.Meta.Warnings = append(append([]string(nil), r.Meta.Warnings...), warning)
	}
	return &cp
}

// step is one tier run with cache consultation around it.
func (e *Engine) step(ctx context.Context, req Request, t Tier) (*Result, bool, error) {
	var id page.Identity
	err := e.call(ctx, func(c context.Context) (err error) {
		id, err = req.Page.Identity(c)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("perception: identity: %w", err)
	}

	if req.Cache != nil && !req.Fresh {
		cached, err := req.Cache.Get(id, t)
		switch {
		case err != nil:
			e.cacheError(err, t)
		case cached != nil:
			e.observeCache(t, true)
			return cached, true, nil
		default:
			e.observeCache(t, false)
		}
	}

	res, err := e.run(ctx, req.Page, t, id)
	if err != nil {
		return nil, false, err
	}
	if req.Cache != nil {
		if err := req.Cache.Put(res); err != nil {
			e.cacheError(err, t)
		}
	}
	return res, false, nil
}

func (e *Engine) cacheError(err error, t Tier) {
	e.logger.Warn("perception: cache error, rescanning", "tier", t, "error", err)
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveCacheError(err)
	}
}

func (e *Engine) observeCache(t Tier, hit bool) {
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveCache(t, hit)
	}
}

// call runs one facade call under the per-call timeout.
func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return fn(c)
}

// run executes a single concrete tier with no cache involvement.
func (e *Engine) run(ctx context.Context, p page.Page, t Tier, id page.Identity) (*Result, error) {
	spec := Spec(t)
	start := e.cfg.Now()

	var raw []page.Element
	err := e.call(ctx, func(c context.Context) (err error) {
		raw, err = p.Query(c, spec.Selectors, spec.MaxScan)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("perception: %s query: %w", t, err)
	}

	elements, truncated := DescribeVisible(raw, spec.Cap)
	res := &Result{
		Tier:      t,
		Requested: t,
		Identity:  id,
		Elements:  elements,
	}
	res.Meta.Scanned = len(raw)
	res.Meta.Truncated = truncated || (spec.MaxScan > 0 && len(raw) >= spec.MaxScan)
	res.Meta.Budget = spec.Budget
	for _, el := range elements {
		if el.Interactive {
			res.Meta.Interactive++
		}
	}

	// Secondary features degrade to warnings; only cancellation aborts.
	warn := func(err error) error {
		if ctx.Err() != nil {
			return fmt.Errorf("perception: %s: %w", t, ctx.Err())
		}
		res.Meta.Warnings = append(res.Meta.Warnings, err.Error())
		return nil
	}

	title, err := e.title(ctx, p)
	switch {
	case err == nil:
		res.Meta.Title = title
	case errors.Is(err, page.ErrUnsupported):
	default:
		if err := warn(err); err != nil {
			return nil, err
		}
	}
	if spec.Layout {
		l, err := e.layout(ctx, p)
		if err != nil {
			if err = warn(err); err != nil {
				return nil, err
			}
		}
		res.Layout = l
	}
	if spec.FormInventory {
		f, err := e.forms(ctx, p, spec.FormFields)
		if err != nil {
			if err = warn(err); err != nil {
				return nil, err
			}
		}
		res.Forms = f
	}
	if spec.Accessibility {
		ax, err := e.accessibility(ctx, p, spec.MaxScan, elements)
		if err != nil {
			if err = warn(err); err != nil {
				return nil, err
			}
		}
		res.Accessibility = ax
	}
	if spec.Grouping {
		res.Groups = group(elements)
	}
	if spec.Content {
		md, err := e.content(ctx, p)
		if err != nil {
			if err = warn(err); err != nil {
				return nil, err
			}
		}
		res.Content = md
	}

	end := e.cfg.Now()
	res.Timestamp = end
	res.Duration = end.Sub(start)
	res.Meta.BudgetExceeded = float64(res.Duration) > float64(spec.Budget)*e.cfg.BudgetMultiple
	res.Meta.Confidence = confidence(spec, res.Meta)

	if res.Meta.BudgetExceeded {
		e.logger.Warn("perception: budget exceeded",
			"tier", t, "duration", res.Duration, "budget", spec.Budget, "url", id.URL)
	}
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveTier(t, res.Duration, res.Meta.BudgetExceeded)
	}
	return res, nil
}

func (e *Engine) title(ctx context.Context, p page.Page) (string, error) {
	var raw string
	err := e.call(ctx, func(c context.Context) (err error) {
		raw, err = p.Eval(c, "document.title")
		return err
	})
	if err != nil {
		return "", fmt.Errorf("perception: title: %w", err)
	}
	var title string
	if err := json.Unmarshal([]byte(raw), &title); err != nil {
		return "", fmt.Errorf("perception: title decode: %w", err)
	}
	return title, nil
}

// confidence scales the tier's base by what the run found.
func confidence(spec TierSpec, m Meta) float64 {
	c := spec.Base
	if m.Interactive == 0 {
		c *= 0.25
	}
	if m.Truncated {
		c *= 0.9
	}
	return c
}
