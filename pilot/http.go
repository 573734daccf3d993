package pilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/dompilot/fault"
)

const maxBody = 1 << 20

// HTTPHandler mounts the façade on a chi router:
//
//	POST /v1/{op}  router operation, JSON envelope out
//	GET  /v1/ops   registered operations
//	GET  /healthz  system health
//	GET  /metrics  Prometheus
//	/mcp           MCP streamable HTTP
func (p *Pilot) HTTPHandler() http.Handler {
	router := p.Router()
	mcpSrv := p.NewMCPServer()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h := p.SystemHealth(req.Context())
		status := http.StatusOK
		if h.Status == "saturated" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	})
	r.Handle("/metrics", p.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ops", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"ops": router.Ops()})
		})
		r.Post("/{op}", func(w http.ResponseWriter, req *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBody))
			if err != nil {
				writeJSON(w, http.StatusRequestEntityTooLarge, Envelope{Error: &EnvelopeError{
					Code: fault.InvalidRequest, Message: err.Error(),
				}})
				return
			}
			out := router.Call(req.Context(), chi.URLParam(req, "op"), body)
			var env Envelope
			_ = json.Unmarshal(out, &env)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(envelopeStatus(env))
			w.Write(out)
		})
	})

	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	return r
}

// envelopeStatus maps an envelope onto an HTTP status.
func envelopeStatus(env Envelope) int {
	if env.OK || env.Error == nil {
		return http.StatusOK
	}
	switch env.Error.Code {
	case fault.InvalidRequest:
		return http.StatusBadRequest
	case fault.SessionNotFound:
		return http.StatusNotFound
	case fault.ResourceExhausted:
		return http.StatusTooManyRequests
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.Cancelled:
		return 499
	case fault.TargetNotFound:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// Serve listens on the configured address until ctx is done, then shuts
// down gracefully.
func (p *Pilot) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("pilot: listen: %w", err)
	}
	return p.serve(ctx, ln)
}

func (p *Pilot) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           p.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       p.cfg.HTTP.ReadTimeout,
		WriteTimeout:      p.cfg.HTTP.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	p.logger.Info("pilot: http listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("pilot: serve: %w", err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("pilot: shutdown: %w", err)
	}
	<-errCh
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
