// CLAUDE:SUMMARY CLI entry point for dompilot: MCP over stdio, HTTP server, and one-shot perceive/act modes.
// Command dompilot drives browser pages through tiered perception and
// verified actions.
//
// Usage:
//
//	dompilot                                         # MCP tools over stdio
//	dompilot -mode http -config dompilot.yaml        # HTTP + MCP streamable server
//	dompilot -mode perceive -url https://example.com -tier standard
//	dompilot -mode act -url https://example.com/login -action click -target "sign in"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hazyhaar/dompilot/action"
	"github.com/hazyhaar/dompilot/perception"
	"github.com/hazyhaar/dompilot/pilot"
	"github.com/hazyhaar/dompilot/resolve"
)

type flags struct {
	config   string
	mode     string
	engine   string
	url      string
	tier     string
	action   string
	target   string
	text     string
	verify   bool
	logLevel string
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "path to dompilot.yaml config file")
	flag.StringVar(&f.mode, "mode", "mcp", "mcp | http | perceive | act")
	flag.StringVar(&f.engine, "engine", "", "override browser.engine: static | chrome")
	flag.StringVar(&f.url, "url", "", "page to open (perceive, act)")
	flag.StringVar(&f.tier, "tier", "", "perception tier: lightning, quick, standard, deep (default adaptive)")
	flag.StringVar(&f.action, "action", "click", "action type (act)")
	flag.StringVar(&f.target, "target", "", `element target: description, "css:<selector>" or "role:<role>:<name>"`)
	flag.StringVar(&f.text, "text", "", "text for type actions")
	flag.BoolVar(&f.verify, "verify", true, "verify the action post-condition")
	flag.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch f.logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// stdout carries MCP frames and results; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, f); err != nil {
		logger.Error("dompilot: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, f flags) error {
	cfg := pilot.DefaultConfig()
	if f.config != "" {
		var err error
		if cfg, err = pilot.LoadConfigFile(f.config); err != nil {
			return err
		}
	}
	if f.engine != "" {
		cfg.Browser.Engine = f.engine
	}
	tier, err := perception.ParseTier(f.tier)
	if err != nil {
		return err
	}

	p, err := pilot.New(cfg, pilot.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		p.Close(context.Background())
		return err
	}
	defer func() {
		if err := p.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("dompilot: close", "error", err)
		}
	}()

	switch f.mode {
	case "mcp":
		return p.ServeStdio(ctx)
	case "http":
		return p.Serve(ctx)
	case "perceive":
		return runPerceive(ctx, p, f, tier)
	case "act":
		return runAct(ctx, p, f, tier)
	}
	return fmt.Errorf("unknown mode %q (want mcp, http, perceive or act)", f.mode)
}

func runPerceive(ctx context.Context, p *pilot.Pilot, f flags, tier perception.Tier) error {
	if f.url == "" {
		return fmt.Errorf("perceive: -url is required")
	}
	h, err := p.OpenSession(ctx)
	if err != nil {
		return err
	}
	defer p.CloseSession(context.WithoutCancel(ctx), h.ID)

	res, err := p.Perceive(ctx, h.ID, tier, f.url)
	if err != nil {
		return err
	}
	return printJSON(res.Result)
}

func runAct(ctx context.Context, p *pilot.Pilot, f flags, tier perception.Tier) error {
	if f.url == "" {
		return fmt.Errorf("act: -url is required")
	}
	h, err := p.OpenSession(ctx)
	if err != nil {
		return err
	}
	defer p.CloseSession(context.WithoutCancel(ctx), h.ID)

	if _, err := p.Perceive(ctx, h.ID, tier, f.url); err != nil {
		return err
	}
	req := action.Request{
		Type:   action.Type(f.action),
		Params: action.Params{Text: f.text},
		Verify: f.verify,
		Tier:   tier,
	}
	if f.target != "" {
		req.Target = resolve.ParseTarget(f.target)
	}
	out, err := p.ExecuteAction(ctx, h.ID, req)
	if err != nil {
		return err
	}
	if err := printJSON(out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("act: %s", out)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
