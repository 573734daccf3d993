// CLAUDE:SUMMARY Transport-agnostic dispatcher: named operations over JSON payloads, middleware chain, {ok,data,error} envelope with typed codes.
package pilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/dompilot/action"
	"github.com/hazyhaar/dompilot/fault"
	"github.com/hazyhaar/dompilot/observability"
	"github.com/hazyhaar/dompilot/perception"
	"github.com/hazyhaar/dompilot/resolve"
)

// CodeInternal classifies errors that carry no fault code.
const CodeInternal fault.Code = "internal"

// Handler runs one operation: JSON arguments in, a value to encode out.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Middleware wraps a Handler without changing its signature.
type Middleware func(next Handler) Handler

// Chain composes middlewares; the first is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Envelope is the wire shape of every dispatched call. OK is false only
// when the operation could not run; an action whose post-condition failed
// is still OK with success=false in its data.
type Envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *EnvelopeError  `json:"error,omitempty"`
}

// EnvelopeError is the typed failure of an envelope.
type EnvelopeError struct {
	Code    fault.Code `json:"code"`
	Message string     `json:"message"`
}

// Router dispatches named operations. Safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	mws      []Middleware
	logger   *slog.Logger
	onFail   func(op string, code fault.Code)
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets a custom logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithMiddleware appends middlewares applied to every handler.
func WithMiddleware(mws ...Middleware) RouterOption {
	return func(r *Router) { r.mws = append(r.mws, mws...) }
}

// WithFailureHook is called for every envelope with ok=false.
func WithFailureHook(fn func(op string, code fault.Code)) RouterOption {
	return func(r *Router) { r.onFail = fn }
}

// NewRouter creates an empty Router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{handlers: make(map[string]Handler), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle registers h under op, replacing any previous handler.
func (r *Router) Handle(op string, h Handler) {
	if len(r.mws) > 0 {
		h = Chain(r.mws...)(h)
	}
	r.mu.Lock()
	r.handlers[op] = h
	r.mu.Unlock()
}

// Ops lists the registered operations, sorted.
func (r *Router) Ops() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Call runs op and always returns an encoded Envelope.
func (r *Router) Call(ctx context.Context, op string, payload []byte) []byte {
	r.mu.RLock()
	h, ok := r.handlers[op]
	r.mu.RUnlock()
	if !ok {
		return r.fail(op, fault.Errorf(fault.InvalidRequest, "pilot: dispatch", "unknown operation %q", op))
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	out, err := h(ctx, payload)
	if err != nil {
		return r.fail(op, err)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return r.fail(op, fmt.Errorf("pilot: encode %s: %w", op, err))
	}
	env, _ := json.Marshal(Envelope{OK: true, Data: data})
	return env
}

func (r *Router) fail(op string, err error) []byte {
	code := fault.CodeOf(err)
	if code == "" {
		code = CodeInternal
	}
	if r.onFail != nil {
		r.onFail(op, code)
	}
	r.logger.Debug("pilot: dispatch failed", "op", op, "code", code, "error", err)
	env, _ := json.Marshal(Envelope{Error: &EnvelopeError{Code: code, Message: err.Error()}})
	return env
}

// Logging logs every call with its duration.
func Logging(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload json.RawMessage) (any, error) {
			start := time.Now()
			out, err := next(ctx, payload)
			if err != nil {
				logger.InfoContext(ctx, "pilot: call failed",
					"duration_ms", time.Since(start).Milliseconds(), "error", err)
			} else {
				logger.DebugContext(ctx, "pilot: call ok",
					"duration_ms", time.Since(start).Milliseconds(), "payload_bytes", len(payload))
			}
			return out, err
		}
	}
}

// Timeout bounds every call.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload json.RawMessage) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, payload)
		}
	}
}

// Recovery turns a handler panic into an internal error.
func Recovery(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload json.RawMessage) (out any, err error) {
			defer func() {
				if v := recover(); v != nil {
					logger.ErrorContext(ctx, "pilot: handler panic recovered",
						"panic", v, "stack", string(debug.Stack()))
					err = fault.New(CodeInternal, "pilot: dispatch", fmt.Errorf("panic: %v", v))
				}
			}()
			return next(ctx, payload)
		}
	}
}

// Operation arguments shared by the router, MCP tools and HTTP.

type sessionArgs struct {
	SessionID string `json:"session_id"`
}

type perceiveArgs struct {
	SessionID string          `json:"session_id"`
	Tier      perception.Tier `json:"tier,omitempty"`
	URL       string          `json:"url,omitempty"`
}

type resolveArgs struct {
	SessionID string          `json:"session_id"`
	Target    resolve.Target  `json:"target"`
	Tier      perception.Tier `json:"tier,omitempty"`
}

type executeArgs struct {
	SessionID string `json:"session_id"`
	action.Request
}

type eventsArgs struct {
	observability.Filter
}

func decode[T any](payload json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fault.New(fault.InvalidRequest, "pilot: decode", err)
	}
	return &v, nil
}

func needSession(id string) error {
	if id == "" {
		return fault.Errorf(fault.InvalidRequest, "pilot: decode", "session_id is required")
	}
	return nil
}

// Operation names.
const (
	OpOpenSession   = "open_session"
	OpCloseSession  = "close_session"
	OpPerceive      = "perceive"
	OpResolve       = "resolve"
	OpExecuteAction = "execute_action"
	OpSessionHealth = "session_health"
	OpSystemHealth  = "system_health"
	OpEvents        = "events"
)

// Router builds a dispatcher over every façade operation.
func (p *Pilot) Router(opts ...RouterOption) *Router {
	base := []RouterOption{
		WithRouterLogger(p.logger),
		WithMiddleware(Recovery(p.logger), Logging(p.logger)),
		WithFailureHook(p.metrics.observeDispatchFailure),
	}
	r := NewRouter(append(base, opts...)...)

	r.Handle(OpOpenSession, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return p.OpenSession(ctx)
	})
	r.Handle(OpCloseSession, func(ctx context.Context, raw json.RawMessage) (any, error) {
		a, err := decode[sessionArgs](raw)
		if err != nil {
			return nil, err
		}
		if err := needSession(a.SessionID); err != nil {
			return nil, err
		}
		if err := p.CloseSession(ctx, a.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{"session_id": a.SessionID, "closed": true}, nil
	})
	r.Handle(OpPerceive, func(ctx context.Context, raw json.RawMessage) (any, error) {
		a, err := decode[perceiveArgs](raw)
		if err != nil {
			return nil, err
		}
		if err := needSession(a.SessionID); err != nil {
			return nil, err
		}
		return p.Perceive(ctx, a.SessionID, a.Tier, a.URL)
	})
	r.Handle(OpResolve, func(ctx context.Context, raw json.RawMessage) (any, error) {
		a, err := decode[resolveArgs](raw)
		if err != nil {
			return nil, err
		}
		if err := needSession(a.SessionID); err != nil {
			return nil, err
		}
		cands, err := p.Resolve(ctx, a.SessionID, a.Target, a.Tier)
		if err != nil {
			return nil, err
		}
		if cands == nil {
			cands = []resolve.Candidate{}
		}
		return map[string]any{"candidates": cands}, nil
	})
	r.Handle(OpExecuteAction, func(ctx context.Context, raw json.RawMessage) (any, error) {
		a, err := decode[executeArgs](raw)
		if err != nil {
			return nil, err
		}
		if err := needSession(a.SessionID); err != nil {
			return nil, err
		}
		return p.ExecuteAction(ctx, a.SessionID, a.Request)
	})
	r.Handle(OpSessionHealth, func(ctx context.Context, raw json.RawMessage) (any, error) {
		a, err := decode[sessionArgs](raw)
		if err != nil {
			return nil, err
		}
		if err := needSession(a.SessionID); err != nil {
			return nil, err
		}
		return p.SessionHealth(ctx, a.SessionID)
	})
	r.Handle(OpSystemHealth, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return p.SystemHealth(ctx), nil
	})
	r.Handle(OpEvents, func(ctx context.Context, raw json.RawMessage) (any, error) {
		a, err := decode[eventsArgs](raw)
		if err != nil {
			return nil, err
		}
		evs, err := p.RecentEvents(ctx, a.Filter)
		if err != nil {
			return nil, err
		}
		if evs == nil {
			evs = []observability.Event{}
		}
		return map[string]any{"events": evs}, nil
	})
	return r
}
