// CLAUDE:SUMMARY Static Page Access Facade over goquery: element queries with synthetic geometry, form-value primitives, loader-backed navigation.
// Package htmlpage implements page.Page over a static HTML document. No
// JavaScript runs; geometry is synthesised from document order. It backs
// the HTTP-only browsing mode and gives tests a deterministic page.
package htmlpage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/hazyhaar/dompilot/page"
)

const blankURL = "about:blank"

// Page is a static page. Safe for concurrent use.
type Page struct {
	mu     sync.Mutex
	loader Loader
	logger *slog.Logger
	url    string
	gen    uint64
	doc    *goquery.Document
	lay    *layout
	closed bool
}

// Option configures a Page.
type Option func(*Page)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Page) { p.logger = l }
}

// New creates a blank page that navigates through loader.
func New(loader Loader, opts ...Option) *Page {
	p := &Page{loader: loader, logger: slog.Default(), url: blankURL}
	for _, o := range opts {
		o(p)
	}
	p.setDocument(`<html><head></head><body></body></html>`)
	return p
}

// SetHTML replaces the current document without navigating: the URL and
// generation stay, the fingerprint follows the new structure. It simulates
// script-driven DOM updates.
func (p *Page) SetHTML(doc string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}
	return p.setDocument(doc)
}

var errClosed = fmt.Errorf("htmlpage: page closed")

func (p *Page) setDocument(doc string) error {
	gq, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return fmt.Errorf("htmlpage: parse: %w", err)
	}
	p.doc = gq
	p.lay = buildLayout(gq)
	return nil
}

// relayout must be called after in-place mutations that change text.
func (p *Page) relayout() { p.lay = buildLayout(p.doc) }

func (p *Page) render() []byte {
	var buf bytes.Buffer
	if len(p.doc.Nodes) > 0 {
		html.Render(&buf, p.doc.Nodes[0])
	}
	return buf.Bytes()
}

func (p *Page) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.closed {
		return errClosed
	}
	return nil
}

func (p *Page) identity() page.Identity {
	return page.Identity{URL: p.url, Generation: p.gen, Fingerprint: page.Fingerprint(p.render())}
}

func (p *Page) Identity(ctx context.Context) (page.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return page.Identity{}, err
	}
	return p.identity(), nil
}

func (p *Page) Query(ctx context.Context, selectors []string, maxScan int) ([]page.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	seen := make(map[*html.Node]bool)
	var out []page.Element
	for _, sel := range selectors {
		for _, n := range p.doc.Find(sel).Nodes {
			if seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, p.lay.element(n))
			if maxScan > 0 && len(out) >= maxScan {
				return out, nil
			}
		}
	}
	return out, nil
}

func (p *Page) Count(ctx context.Context, selector string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return 0, err
	}
	return p.doc.Find(selector).Length(), nil
}

// first returns the first node matching selector or a wrapped ErrDetached.
func (p *Page) first(selector string) (*html.Node, error) {
	s := p.doc.Find(selector).First()
	if s.Length() == 0 {
		return nil, fmt.Errorf("htmlpage: %s: %w", selector, page.ErrDetached)
	}
	return s.Nodes[0], nil
}

func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return "", err
	}
	n, err := p.first(selector)
	if err != nil {
		return "", err
	}
	return nodeText(n), nil
}

func (p *Page) Value(ctx context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return "", err
	}
	n, err := p.first(selector)
	if err != nil {
		return "", err
	}
	switch n.Data {
	case "textarea":
		return nodeText(n), nil
	case "select":
		var val string
		for i, o := range goquery.NewDocumentFromNode(n).Find("option").Nodes {
			if i == 0 {
				val = optionValue(o)
			}
			if hasAttr(o, "selected") {
				return optionValue(o), nil
			}
		}
		return val, nil
	}
	if hasAttr(n, "contenteditable") {
		return nodeText(n), nil
	}
	return attr(n, "value"), nil
}

func optionValue(o *html.Node) string {
	if hasAttr(o, "value") {
		return attr(o, "value")
	}
	return nodeText(o)
}

func (p *Page) HTML(ctx context.Context, selector string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	if selector == "" {
		return p.render(), nil
	}
	n, err := p.first(selector)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return nil, fmt.Errorf("htmlpage: render: %w", err)
	}
	return buf.Bytes(), nil
}

// Eval understands a handful of read-only expressions; anything else is
// unsupported without a script engine.
func (p *Page) Eval(ctx context.Context, script string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return "", err
	}
	var v any
	switch strings.TrimSuffix(strings.TrimSpace(script), ";") {
	case "document.title":
		v = strings.TrimSpace(p.doc.Find("title").First().Text())
	case "location.href", "window.location.href", "document.URL":
		v = p.url
	case "document.readyState":
		v = "complete"
	default:
		return "", fmt.Errorf("htmlpage: eval %q: %w", script, page.ErrUnsupported)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("htmlpage: eval: %w", err)
	}
	return string(b), nil
}

// Click follows links and submits forms with an action; other clicks on
// an attached, enabled element succeed without effect.
func (p *Page) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}
	n, err := p.first(selector)
	if err != nil {
		return err
	}
	if hasAttr(n, "disabled") {
		return fmt.Errorf("htmlpage: click %s: element disabled", selector)
	}
	if p.lay.hidden[n] {
		return fmt.Errorf("htmlpage: click %s: element not visible", selector)
	}

	var target string
	for x := n; x != nil && target == ""; x = x.Parent {
		if x.Type == html.ElementNode && x.Data == "a" && hasAttr(x, "href") {
			target = attr(x, "href")
		}
	}
	if target == "" && isSubmit(n) {
		for f := n.Parent; f != nil; f = f.Parent {
			if f.Type == html.ElementNode && f.Data == "form" {
				target = attr(f, "action")
				break
			}
		}
	}
	if target == "" || strings.HasPrefix(target, "#") || strings.HasPrefix(target, "javascript:") {
		return nil
	}
	abs, err := p.resolve(target)
	if err != nil {
		return err
	}
	_, err = p.navigateLocked(ctx, abs)
	return err
}

func isSubmit(n *html.Node) bool {
	t := strings.ToLower(attr(n, "type"))
	switch n.Data {
	case "button":
		return t == "" || t == "submit"
	case "input":
		return t == "submit" || t == "image"
	}
	return false
}

func (p *Page) resolve(ref string) (string, error) {
	base, err := url.Parse(p.url)
	if err != nil {
		return "", fmt.Errorf("htmlpage: base url: %w", err)
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("htmlpage: resolve %q: %w", ref, err)
	}
	return u.String(), nil
}

func (p *Page) Type(ctx context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}
	n, err := p.first(selector)
	if err != nil {
		return err
	}
	if hasAttr(n, "disabled") || hasAttr(n, "readonly") {
		return fmt.Errorf("htmlpage: type %s: element not editable", selector)
	}
	switch {
	case n.Data == "textarea" || hasAttr(n, "contenteditable"):
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
		p.relayout()
	case n.Data == "input":
		setAttr(n, "value", text)
	default:
		return fmt.Errorf("htmlpage: type %s: <%s> is not typable", selector, n.Data)
	}
	return nil
}

func (p *Page) Select(ctx context.Context, selector, option string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}
	n, err := p.first(selector)
	if err != nil {
		return err
	}
	if n.Data != "select" {
		return fmt.Errorf("htmlpage: select %s: <%s> is not a select", selector, n.Data)
	}
	opts := goquery.NewDocumentFromNode(n).Find("option").Nodes
	var chosen *html.Node
	for _, o := range opts {
		if optionValue(o) == option || nodeText(o) == option {
			chosen = o
			break
		}
	}
	if chosen == nil {
		return fmt.Errorf("htmlpage: select %s: no option %q", selector, option)
	}
	for _, o := range opts {
		removeAttr(o, "selected")
	}
	setAttr(chosen, "selected", "selected")
	return nil
}

func (p *Page) Hover(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}
	_, err := p.first(selector)
	return err
}

func (p *Page) Scroll(ctx context.Context, selector string, dx, dy float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}
	if selector == "" {
		return nil
	}
	_, err := p.first(selector)
	return err
}

// WaitVisible polls the document until the element is visible. The
// document only changes through SetHTML, Type or navigation.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		err := p.check(ctx)
		var visible bool
		if err == nil {
			if n, ferr := p.first(selector); ferr == nil {
				visible = !p.lay.hidden[n] && !p.lay.boxes[n].Empty()
			}
		}
		p.mu.Unlock()
		if err != nil {
			return err
		}
		if visible {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("htmlpage: wait visible %s: %w", selector, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *Page) Navigate(ctx context.Context, rawURL string) (page.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return page.Identity{}, err
	}
	return p.navigateLocked(ctx, rawURL)
}

func (p *Page) navigateLocked(ctx context.Context, rawURL string) (page.Identity, error) {
	final, body, err := p.loader.Load(ctx, rawURL)
	if err != nil {
		return page.Identity{}, fmt.Errorf("htmlpage: navigate %s: %w", rawURL, err)
	}
	if err := p.setDocument(string(body)); err != nil {
		return page.Identity{}, err
	}
	p.url = final
	p.gen++
	p.logger.Debug("htmlpage: navigated", "url", final, "generation", p.gen)
	return p.identity(), nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	return nil, fmt.Errorf("htmlpage: screenshot: %w", page.ErrUnsupported)
}

func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Factory opens blank static pages sharing one loader.
type Factory struct {
	Loader Loader
	Logger *slog.Logger
}

// Open returns a new blank page.
func (f *Factory) Open(ctx context.Context) (page.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lg := f.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return New(f.Loader, WithLogger(lg)), nil
}

var _ page.Page = (*Page)(nil)
