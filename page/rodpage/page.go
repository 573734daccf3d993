package rodpage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/dompilot/page"
)

func (m Mode) String() string {
	if m == ModeHeadful {
		return "headful"
	}
	return "headless"
}

// Page is a Chrome tab. The generation advances on Navigate and whenever
// Identity observes a URL the tab did not navigate to itself (link clicks,
// script redirects).
type Page struct {
	mgr    *Manager
	tab    *rod.Page
	hijack *rod.HijackRouter

	mu      sync.Mutex
	gen     uint64
	lastURL string
	closed  bool
	release sync.Once
}

func (p *Page) released() { p.release.Do(p.mgr.tabClosed) }

// Open creates a new blank tab on the manager's browser.
func Open(ctx context.Context, mgr *Manager) (*Page, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("rodpage: no active browser")
	}
	b = b.Context(ctx)

	var (
		tab *rod.Page
		err error
	)
	if mgr.cfg.Stealth {
		tab, err = stealth.Page(b)
	} else {
		tab, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return nil, fmt.Errorf("rodpage: create tab: %w", err)
	}
	// Drop the creation context so later calls use their own.
	tab = tab.Context(context.Background())

	p := &Page{mgr: mgr, tab: tab, lastURL: "about:blank"}
	if len(mgr.cfg.ResourceBlocking) > 0 {
		router, err := blockResources(tab, mgr.cfg.ResourceBlocking)
		if err != nil {
			mgr.cfg.Logger.Warn("rodpage: resource blocking failed", "error", err)
		}
		p.hijack = router
	}
	mgr.tabOpened()
	return p, nil
}

// callContext bounds one CDP call by d unless ctx already ends sooner.
func callContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// on returns the tab bound to ctx and the per-call timeout. The caller
// must call cancel once the CDP call returns.
func (p *Page) on(ctx context.Context) (*rod.Page, context.CancelFunc, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, nil, errClosed
	}
	c, cancel := callContext(ctx, p.mgr.cfg.CallTimeout)
	return p.tab.Context(c), cancel, nil
}

// element returns the first match without waiting; a missing element is
// reported as page.ErrDetached.
func (p *Page) element(ctx context.Context, selector string) (*rod.Element, context.CancelFunc, error) {
	tab, cancel, err := p.on(ctx)
	if err != nil {
		return nil, nil, err
	}
	has, el, err := tab.Has(selector)
	if err != nil {
		cancel()
		return nil, nil, detached("find", selector, err)
	}
	if !has {
		cancel()
		return nil, nil, fmt.Errorf("rodpage: %s: %w", selector, page.ErrDetached)
	}
	return el, cancel, nil
}

var errClosed = errors.New("rodpage: page closed")

// detached maps rod's "node gone" and "not interactable" failures onto
// page.ErrDetached so the target is resolved again. The latter keep rod's
// error in the chain.
func detached(op, selector string, err error) error {
	var (
		objectGone   *rod.ObjectNotFoundError
		elementGone  *rod.ElementNotFoundError
		invisible    *rod.InvisibleShapeError
		covered      *rod.CoveredError
		noPointer    *rod.NoPointerEventsError
		interactable *rod.NotInteractableError
	)
	switch {
	case errors.As(err, &objectGone), errors.As(err, &elementGone):
		return fmt.Errorf("rodpage: %s %s: %w", op, selector, page.ErrDetached)
	case errors.As(err, &invisible), errors.As(err, &covered),
		errors.As(err, &noPointer), errors.As(err, &interactable):
		return fmt.Errorf("rodpage: %s %s: not interactable: %w: %w", op, selector, page.ErrDetached, err)
	}
	return fmt.Errorf("rodpage: %s %s: %w", op, selector, err)
}

type docSnapshot struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

func snapshot(tab *rod.Page) (docSnapshot, error) {
	var snap docSnapshot
	res, err := tab.Eval(identityJS)
	if err != nil {
		return snap, fmt.Errorf("rodpage: identity: %w", err)
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &snap); err != nil {
		return snap, fmt.Errorf("rodpage: identity decode: %w", err)
	}
	return snap, nil
}

func (p *Page) Identity(ctx context.Context) (page.Identity, error) {
	tab, cancel, err := p.on(ctx)
	if err != nil {
		return page.Identity{}, err
	}
	defer cancel()
	snap, err := snapshot(tab)
	if err != nil {
		return page.Identity{}, err
	}

	p.mu.Lock()
	if snap.URL != p.lastURL {
		p.gen++
		p.lastURL = snap.URL
	}
	gen := p.gen
	p.mu.Unlock()

	return page.Identity{URL: snap.URL, Generation: gen, Fingerprint: page.Fingerprint([]byte(snap.HTML))}, nil
}

func (p *Page) Query(ctx context.Context, selectors []string, maxScan int) ([]page.Element, error) {
	tab, cancel, err := p.on(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	res, err := tab.Eval(queryJS, selectors, maxScan, page.TrackedAttrs)
	if err != nil {
		return nil, fmt.Errorf("rodpage: query: %w", err)
	}
	var out []page.Element
	if err := json.Unmarshal([]byte(res.Value.Str()), &out); err != nil {
		return nil, fmt.Errorf("rodpage: query decode: %w", err)
	}
	return out, nil
}

func (p *Page) Count(ctx context.Context, selector string) (int, error) {
	tab, cancel, err := p.on(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	res, err := tab.Eval(countJS, selector)
	if err != nil {
		return 0, fmt.Errorf("rodpage: count %s: %w", selector, err)
	}
	return res.Value.Int(), nil
}

func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return "", err
	}
	defer cancel()
	txt, err := el.Text()
	if err != nil {
		return "", detached("text", selector, err)
	}
	return txt, nil
}

func (p *Page) Value(ctx context.Context, selector string) (string, error) {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return "", err
	}
	defer cancel()
	v, err := el.Property("value")
	if err != nil {
		return "", detached("value", selector, err)
	}
	if v.Nil() {
		txt, err := el.Text()
		if err != nil {
			return "", detached("value", selector, err)
		}
		return txt, nil
	}
	return v.Str(), nil
}

func (p *Page) HTML(ctx context.Context, selector string) ([]byte, error) {
	tab, cancel, err := p.on(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	res, err := tab.Eval(outerHTMLJS, selector)
	if err != nil {
		return nil, fmt.Errorf("rodpage: html: %w", err)
	}
	if res.Value.Nil() {
		return nil, fmt.Errorf("rodpage: html %s: %w", selector, page.ErrDetached)
	}
	return []byte(res.Value.Str()), nil
}

func (p *Page) Eval(ctx context.Context, script string) (string, error) {
	tab, cancel, err := p.on(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	res, err := tab.Eval(evalJS, script)
	if err != nil {
		return "", fmt.Errorf("rodpage: eval: %w", err)
	}
	return res.Value.Str(), nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return detached("click", selector, err)
	}
	return nil
}

func (p *Page) Type(ctx context.Context, selector, text string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	if err := el.SelectAllText(); err != nil {
		return detached("type", selector, err)
	}
	if err := el.Input(text); err != nil {
		return detached("type", selector, err)
	}
	return nil
}

func (p *Page) Hover(ctx context.Context, selector string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	if err := el.Hover(); err != nil {
		return detached("hover", selector, err)
	}
	return nil
}

func (p *Page) Select(ctx context.Context, selector, option string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	byValue := fmt.Sprintf("option[value=%q]", option)
	if err := el.Select([]string{byValue}, true, rod.SelectorTypeCSSSector); err == nil {
		return nil
	}
	if err := el.Select([]string{option}, true, rod.SelectorTypeText); err != nil {
		return detached("select", selector, err)
	}
	return nil
}

func (p *Page) Scroll(ctx context.Context, selector string, dx, dy float64) error {
	if selector == "" {
		tab, cancel, err := p.on(ctx)
		if err != nil {
			return err
		}
		defer cancel()
		if _, err := tab.Eval(scrollByJS, dx, dy); err != nil {
			return fmt.Errorf("rodpage: scroll: %w", err)
		}
		return nil
	}
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	if err := el.ScrollIntoView(); err != nil {
		return detached("scroll", selector, err)
	}
	return nil
}

func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	tab, cancel, err := p.on(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	el, err := tab.Element(selector)
	if err != nil {
		return fmt.Errorf("rodpage: wait %s: %w", selector, err)
	}
	if err := el.WaitVisible(); err != nil {
		return detached("wait visible", selector, err)
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) (page.Identity, error) {
	tab, cancel, err := p.on(ctx)
	if err != nil {
		return page.Identity{}, err
	}
	defer cancel()
	if err := tab.Navigate(url); err != nil {
		return page.Identity{}, fmt.Errorf("rodpage: navigate %s: %w", url, err)
	}
	if err := tab.WaitLoad(); err != nil {
		p.mgr.cfg.Logger.Warn("rodpage: wait load", "url", url, "error", err)
	}
	snap, err := snapshot(tab)
	if err != nil {
		return page.Identity{}, err
	}

	p.mu.Lock()
	p.gen++
	p.lastURL = snap.URL
	gen := p.gen
	p.mu.Unlock()

	return page.Identity{URL: snap.URL, Generation: gen, Fingerprint: page.Fingerprint([]byte(snap.HTML))}, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	tab, cancel, err := p.on(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	img, err := tab.Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("rodpage: screenshot: %w", err)
	}
	return img, nil
}

// Close closes the tab, giving up when ctx is done so the caller can Kill.
func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		if p.hijack != nil {
			p.hijack.Stop()
		}
		done <- p.tab.Close()
	}()
	select {
	case err := <-done:
		p.released()
		if err != nil {
			return fmt.Errorf("rodpage: close: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rodpage: close: %w", ctx.Err())
	}
}

// Kill closes the CDP target directly through the browser connection,
// bypassing the tab's own session.
func (p *Page) Kill() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	defer p.released()

	b := p.mgr.Browser()
	if b == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := b.Call(ctx, "", "Target.closeTarget", map[string]any{"targetId": p.tab.TargetID})
	if err != nil {
		return fmt.Errorf("rodpage: kill: %w", err)
	}
	return nil
}

// Factory opens one tab per session.
type Factory struct {
	Manager *Manager
}

func (f *Factory) Open(ctx context.Context) (page.Page, error) {
	return Open(ctx, f.Manager)
}

var (
	_ page.Page   = (*Page)(nil)
	_ page.Killer = (*Page)(nil)
)
