// CLAUDE:SUMMARY Pilot façade: wires engine, resolver, executor, session coordinator, metrics and event journal behind session-scoped operations.
// Package pilot is the tool and metrics façade of dompilot. A Pilot owns
// the perception engine, the resolver, the action executor and the session
// coordinator, and exposes them as session-scoped operations. The same
// operations are reachable through a transport-agnostic Router, MCP tools
// and an HTTP surface.
//
// Usage:
//
//	p, err := pilot.New(pilot.DefaultConfig(), pilot.WithLogger(logger))
//	if err := p.Start(ctx); err != nil { ... }
//	defer p.Close(context.Background())
//	h, _ := p.OpenSession(ctx)
//	res, _ := p.Perceive(ctx, h.ID, perception.Adaptive, "https://example.com")
//	out, _ := p.ExecuteAction(ctx, h.ID, action.Request{Type: action.Click, Target: resolve.Description("sign in")})
package pilot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hazyhaar/dompilot/action"
	"github.com/hazyhaar/dompilot/fault"
	"github.com/hazyhaar/dompilot/observability"
	"github.com/hazyhaar/dompilot/page/htmlpage"
	"github.com/hazyhaar/dompilot/page/rodpage"
	"github.com/hazyhaar/dompilot/perception"
	"github.com/hazyhaar/dompilot/resolve"
	"github.com/hazyhaar/dompilot/session"
)

// Version is reported by the MCP server and /healthz.
const Version = "0.3.0"

// PerceiveResult is a perception plus whether it came from the cache.
type PerceiveResult struct {
	Result   *perception.Result `json:"result"`
	CacheHit bool               `json:"cache_hit"`
}

type options struct {
	logger  *slog.Logger
	events  *observability.EventLog
	ranker  resolve.Ranker
	factory session.Factory
	now     func() time.Time
}

// Option configures a Pilot.
type Option func(*options)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEvents journals into an existing event log instead of opening one
// from the observability section. The caller keeps ownership.
func WithEvents(l *observability.EventLog) Option {
	return func(o *options) { o.events = l }
}

// WithRanker plugs an external ranker into resolution.
func WithRanker(r resolve.Ranker) Option {
	return func(o *options) { o.ranker = r }
}

// WithFactory overrides the page factory chosen by browser.engine.
func WithFactory(f session.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithClock replaces time.Now for the session coordinator.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Pilot is the façade. Safe for concurrent use.
type Pilot struct {
	cfg      *Config
	logger   *slog.Logger
	engine   *perception.Engine
	resolver *resolve.Resolver
	executor *action.Executor
	sessions *session.Coordinator
	metrics  *Metrics
	events   *observability.EventLog
	manager  *rodpage.Manager
	started  time.Time

	db        *sql.DB // owned journal database, nil when WithEvents was used
	ownEvents bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Pilot from cfg. Chrome is not launched until Start.
func New(cfg *Config, opts ...Option) (*Pilot, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := options{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}

	p := &Pilot{
		cfg:     cfg,
		logger:  o.logger,
		metrics: NewMetrics(),
		started: time.Now(),
		events:  o.events,
	}
	if p.events == nil {
		db, err := observability.Open(cfg.Observability.Path, observability.WithMkdirAll())
		if err != nil {
			return nil, fmt.Errorf("pilot: open events: %w", err)
		}
		p.db = db
		p.ownEvents = true
		p.events = observability.NewEventLog(db, observability.Config{
			Buffer:        cfg.Observability.Buffer,
			FlushInterval: cfg.Observability.FlushInterval,
			Logger:        o.logger,
		})
	}
	p.metrics.events = p.events

	ecfg := cfg.engineConfig()
	ecfg.Logger = o.logger
	ecfg.Observer = p.metrics
	p.engine = perception.New(ecfg)

	rcfg := cfg.resolverConfig()
	rcfg.Logger = o.logger
	rcfg.Ranker = o.ranker
	p.resolver = resolve.New(rcfg)

	xcfg := cfg.executorConfig()
	xcfg.Logger = o.logger
	p.executor = action.New(p.engine, p.resolver, xcfg)

	factory := o.factory
	if factory == nil {
		factory = p.defaultFactory()
	}
	scfg := cfg.sessionConfig()
	scfg.Logger = o.logger
	scfg.Observer = p.metrics
	scfg.Now = o.now
	scfg.Cache.Logger = o.logger
	p.sessions = session.New(factory, scfg)
	return p, nil
}

func (p *Pilot) defaultFactory() session.Factory {
	if p.cfg.Browser.Engine == "chrome" {
		mcfg := p.cfg.ManagerConfig()
		mcfg.Logger = p.logger
		p.manager = rodpage.NewManager(mcfg)
		return &rodpage.Factory{Manager: p.manager}
	}
	lopts := []htmlpage.LoaderOption{
		htmlpage.WithClient(&http.Client{Timeout: p.cfg.Browser.FetchTimeout}),
		htmlpage.WithLoaderLogger(p.logger),
	}
	if ua := p.cfg.Browser.UserAgent; ua != "" {
		lopts = append(lopts, htmlpage.WithUserAgent(ua))
	}
	return &htmlpage.Factory{Loader: htmlpage.NewHTTPLoader(lopts...), Logger: p.logger}
}

// Start launches Chrome when configured and starts the idle reaper and
// the journal retention loop. Both stop with Close.
func (p *Pilot) Start(ctx context.Context) error {
	if p.manager != nil {
		if err := p.manager.Start(ctx); err != nil {
			return fmt.Errorf("pilot: start browser: %w", err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.sessions.Run(bg)
	}()
	go func() {
		defer p.wg.Done()
		p.retentionLoop(bg)
	}()
	return nil
}

func (p *Pilot) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.events.Cleanup(ctx, p.cfg.Observability.Retention)
			if err != nil {
				p.logger.Warn("pilot: event retention", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Debug("pilot: pruned events", "count", n)
			}
		}
	}
}

// Close releases every session and stops background work.
func (p *Pilot) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()

	var errs []error
	if err := p.sessions.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if p.manager != nil {
		if err := p.manager.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.ownEvents {
		p.events.Close()
		if err := p.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Metrics returns the Prometheus collectors.
func (p *Pilot) Metrics() *Metrics { return p.metrics }

// OpenSession acquires a new browser session.
func (p *Pilot) OpenSession(ctx context.Context) (*session.Handle, error) {
	start := time.Now()
	h, err := p.sessions.Acquire(ctx)
	sid := ""
	if h != nil {
		sid = h.ID
	}
	p.journal(observability.KindSession, sid, "open_session", nil, err, start)
	return h, err
}

// CloseSession releases a session.
func (p *Pilot) CloseSession(ctx context.Context, id string) error {
	start := time.Now()
	err := p.sessions.Release(ctx, id)
	p.journal(observability.KindSession, id, "close_session", nil, err, start)
	return err
}

// Perceive analyses the session's page at tier. A non-empty url navigates
// first; the navigation prunes cached generations.
func (p *Pilot) Perceive(ctx context.Context, id string, tier perception.Tier, url string) (*PerceiveResult, error) {
	start := time.Now()
	var out *PerceiveResult
	err := p.sessions.WithSession(ctx, id, func(s *session.Session) error {
		if url != "" {
			if err := p.navigate(ctx, s, url); err != nil {
				return err
			}
		}
		res, hit, err := p.engine.Perceive(ctx, perception.Request{Page: s.Page(), Tier: tier, Cache: s.Cache()})
		s.RecordPerception(res, hit, err)
		if err != nil {
			return err
		}
		out = &PerceiveResult{Result: res, CacheHit: hit}
		return nil
	})
	detail := map[string]any{"tier": tier.String(), "url": url}
	if out != nil {
		detail["served"] = out.Result.Tier.String()
		detail["cache_hit"] = out.CacheHit
		detail["elements"] = len(out.Result.Elements)
		detail["degraded"] = out.Result.Meta.Degraded
	}
	p.journal(observability.KindPerception, id, "perceive", detail, err, start)
	return out, err
}

func (p *Pilot) navigate(ctx context.Context, s *session.Session, url string) error {
	nctx, cancel := context.WithTimeout(ctx, p.cfg.Actions.Timeout)
	defer cancel()
	nid, err := s.Page().Navigate(nctx, url)
	if err != nil {
		err = fault.FromContext(ctx, "pilot: navigate", err, fault.ActionPrimitiveFailed)
		s.RecordError(err)
		return err
	}
	s.Cache().Prune(nid.Generation)
	s.RecordIdentity(nid)
	return nil
}

// Resolve perceives at tier and maps target onto candidates, best first.
func (p *Pilot) Resolve(ctx context.Context, id string, target resolve.Target, tier perception.Tier) ([]resolve.Candidate, error) {
	if target.IsZero() {
		return nil, fault.Errorf(fault.InvalidRequest, "pilot: resolve", "empty target")
	}
	start := time.Now()
	var cands []resolve.Candidate
	err := p.sessions.WithSession(ctx, id, func(s *session.Session) error {
		res, hit, err := p.engine.Perceive(ctx, perception.Request{Page: s.Page(), Tier: tier, Cache: s.Cache()})
		s.RecordPerception(res, hit, err)
		if err != nil {
			return err
		}
		cands, err = p.resolver.Resolve(ctx, resolve.Input{
			Page:     s.Page(),
			Target:   target,
			Result:   res,
			Learning: s.Learning(),
		})
		if err != nil {
			return fault.FromContext(ctx, "pilot: resolve", err, fault.TargetNotFound)
		}
		return nil
	})
	p.journal(observability.KindPerception, id, "resolve",
		map[string]any{"target": target.String(), "candidates": len(cands)}, err, start)
	return cands, err
}

// ExecuteAction runs req on the session. Failures to act are reported in
// the outcome; only session and resource errors are returned.
func (p *Pilot) ExecuteAction(ctx context.Context, id string, req action.Request) (*action.Outcome, error) {
	start := time.Now()
	var out *action.Outcome
	err := p.sessions.WithSession(ctx, id, func(s *session.Session) error {
		out = p.executor.Execute(ctx, s.Env(), req)
		s.RecordOutcome(out)
		return nil
	})
	if err != nil {
		p.journal(observability.KindAction, id, string(req.Type), nil, err, start)
		return nil, err
	}
	p.metrics.observeOutcome(out)

	e := p.events.NewEvent(observability.KindAction, id, string(req.Type), map[string]any{
		"action_id":    out.ID,
		"target":       out.Target,
		"attempts":     out.Attempts,
		"strategy":     out.Strategy,
		"verification": out.Verification.Status,
	}, nil, out.Duration)
	if !out.Success {
		e.Status = observability.StatusError
		e.Code = string(out.Reason)
		e.Message = out.Error
	}
	p.events.LogAsync(e)
	return out, nil
}

// RecentEvents returns journal entries, newest first.
func (p *Pilot) RecentEvents(ctx context.Context, f observability.Filter) ([]observability.Event, error) {
	return p.events.Recent(ctx, f)
}

func (p *Pilot) journal(kind observability.Kind, sid, op string, detail any, err error, start time.Time) {
	if err != nil {
		p.logger.Warn("pilot: operation failed", "op", op, "session", sid, "error", err)
	}
	p.events.LogAsync(p.events.NewEvent(kind, sid, op, detail, err, time.Since(start)))
}
