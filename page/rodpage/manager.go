// CLAUDE:SUMMARY Manages the Chrome lifecycle behind rod pages: launch or connect, memory and age based recycling deferred while tabs are open.
// Package rodpage implements page.Page on top of Chrome through go-rod.
// A Manager owns the browser process; Factory opens one stealth tab per
// session.
package rodpage

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Mode selects how Chrome is run.
type Mode int

const (
	ModeHeadless Mode = iota // headless shell
	ModeHeadful              // real window on an Xvfb display
)

// ParseMode maps "headless"/"headful" to a Mode. Unknown values are headless.
func ParseMode(s string) Mode {
	if s == "headful" {
		return ModeHeadful
	}
	return ModeHeadless
}

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// MemoryLimit in bytes of JS heap before Chrome is recycled. Default: 1GB.
	MemoryLimit int64

	// RecycleInterval is the maximum lifetime of a Chrome process. Default: 4h.
	RecycleInterval time.Duration

	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string

	Mode Mode

	// Stealth applies go-rod/stealth evasions to every tab.
	Stealth bool

	// XvfbDisplay for headful mode. Default: ":99".
	XvfbDisplay string

	// CallTimeout bounds each CDP call on a tab when the caller's context
	// has no earlier deadline. Default: 30s.
	CallTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager manages Chrome lifecycle. Recycling kills every tab, so it is
// deferred while tabs are open and retried on the next monitor tick.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	xvfb    *exec.Cmd
	startAt time.Time
	closed  bool
	tabs    int
	pending bool // recycle requested while tabs were open
}

// NewManager creates a browser Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start launches Chrome (or connects to a remote instance) and starts the
// memory monitor goroutine, which stops with ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("rodpage: manager is closed")
	}

	b, err := m.launch()
	if err != nil {
		return err
	}
	m.browser = b
	m.startAt = time.Now()

	go m.monitorLoop(ctx)
	return nil
}

// Browser returns the current Rod browser handle. Thread-safe.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Recycle restarts Chrome when no tab is open; otherwise it marks the
// recycle as pending and returns false.
func (m *Manager) Recycle() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, fmt.Errorf("rodpage: manager is closed")
	}
	if m.tabs > 0 {
		m.pending = true
		return false, nil
	}
	return true, m.recycleLocked()
}

// Close shuts down Chrome and Xvfb.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.cleanup()
}

func (m *Manager) tabOpened() {
	m.mu.Lock()
	m.tabs++
	m.mu.Unlock()
}

func (m *Manager) tabClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tabs > 0 {
		m.tabs--
	}
	if m.tabs == 0 && m.pending && !m.closed {
		m.pending = false
		if err := m.recycleLocked(); err != nil {
			m.cfg.Logger.Error("rodpage: deferred recycle failed", "error", err)
		}
	}
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	if m.cfg.Mode == ModeHeadful {
		if err := m.startXvfb(); err != nil {
			return nil, fmt.Errorf("rodpage: xvfb: %w", err)
		}
	}

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("rodpage: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New()
		if m.cfg.Mode == ModeHeadful {
			l = l.Headless(false).Env("DISPLAY", m.cfg.XvfbDisplay)
		} else {
			l = l.Headless(true)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("rodpage: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("rodpage: launched local chrome", "url", wsURL, "mode", m.cfg.Mode, "stealth", m.cfg.Stealth)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("rodpage: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("rodpage: ignore cert errors failed", "error", err)
	}
	return b, nil
}

func (m *Manager) recycleLocked() error {
	log := m.cfg.Logger
	log.Info("rodpage: recycling", "uptime", time.Since(m.startAt))

	if err := m.cleanup(); err != nil {
		log.Warn("rodpage: cleanup during recycle", "error", err)
	}
	b, err := m.launch()
	if err != nil {
		return fmt.Errorf("rodpage: relaunch: %w", err)
	}
	m.browser = b
	m.startAt = time.Now()
	log.Info("rodpage: recycled")
	return nil
}

func (m *Manager) cleanup() error {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
	return nil
}

func (m *Manager) monitorLoop(ctx context.Context) {
	log := m.cfg.Logger
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		if m.closed || m.browser == nil {
			m.mu.RUnlock()
			return
		}
		startAt, b := m.startAt, m.browser
		m.mu.RUnlock()

		reason := ""
		if time.Since(startAt) > m.cfg.RecycleInterval {
			reason = "interval"
		} else if used, err := jsHeapUsage(ctx, b); err != nil {
			log.Debug("rodpage: heap check failed", "error", err)
		} else if used > m.cfg.MemoryLimit {
			reason = "memory"
			log.Info("rodpage: memory limit exceeded", "used", used, "limit", m.cfg.MemoryLimit)
		}
		if reason == "" {
			continue
		}
		done, err := m.Recycle()
		switch {
		case err != nil:
			log.Error("rodpage: recycle failed", "reason", reason, "error", err)
		case !done:
			log.Info("rodpage: recycle deferred until tabs close", "reason", reason)
		}
	}
}

// jsHeapUsage sums performance.memory across open pages.
func jsHeapUsage(ctx context.Context, b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil {
		return 0, fmt.Errorf("rodpage: list pages: %w", err)
	}
	var total int64
	for _, p := range pages {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		res, err := p.Context(cctx).Eval(`() => performance.memory ? performance.memory.usedJSHeapSize : 0`)
		cancel()
		if err != nil {
			continue
		}
		total += int64(res.Value.Int())
	}
	return total, nil
}
