package htmlpage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Loader fetches the document behind a URL. It returns the final URL
// (after redirects) and the raw HTML.
type Loader interface {
	Load(ctx context.Context, url string) (string, []byte, error)
}

// MapLoader serves fixed documents keyed by URL.
type MapLoader map[string]string

func (m MapLoader) Load(ctx context.Context, url string) (string, []byte, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	doc, ok := m[url]
	if !ok {
		return "", nil, fmt.Errorf("htmlpage: no document for %s", url)
	}
	return url, []byte(doc), nil
}

// HTTPLoader performs plain HTTP GETs. No JavaScript runs, so script-rendered
// pages come back as empty shells; Load logs a warning when it sees one.
type HTTPLoader struct {
	client *http.Client
	ua     string
	max    int64
	logger *slog.Logger
}

// LoaderOption configures an HTTPLoader.
type LoaderOption func(*HTTPLoader)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) LoaderOption {
	return func(l *HTTPLoader) { l.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) LoaderOption {
	return func(l *HTTPLoader) { l.ua = ua }
}

// WithLoaderLogger sets a custom logger.
func WithLoaderLogger(lg *slog.Logger) LoaderOption {
	return func(l *HTTPLoader) { l.logger = lg }
}

// NewHTTPLoader creates an HTTPLoader with a 30s client timeout and a 10MB
// body cap.
func NewHTTPLoader(opts ...LoaderOption) *HTTPLoader {
	l := &HTTPLoader{
		client: &http.Client{Timeout: 30 * time.Second},
		ua:     "Mozilla/5.0 (compatible; dompilot/1.0)",
		max:    10 << 20,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *HTTPLoader) Load(ctx context.Context, url string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("htmlpage: new request: %w", err)
	}
	req.Header.Set("User-Agent", l.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("htmlpage: get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", nil, fmt.Errorf("htmlpage: get %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, l.max))
	if err != nil {
		return "", nil, fmt.Errorf("htmlpage: read body: %w", err)
	}

	final := url
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	if LooksScriptRendered(body) {
		l.logger.Warn("htmlpage: document looks script-rendered, perception will be sparse",
			"url", final, "size", len(body))
	}
	l.logger.Debug("htmlpage: loaded", "url", final, "status", resp.StatusCode, "size", len(body))
	return final, body, nil
}

var shellMarkers = []string{
	`<div id="root"></div>`,
	`<div id="app"></div>`,
	`<div id="__next"></div>`,
	"<noscript>you need to enable javascript",
	"<noscript>enable javascript",
}

// LooksScriptRendered reports whether doc is probably an SPA shell: a known
// empty mount point, or no controls and little visible text for its size.
func LooksScriptRendered(doc []byte) bool {
	lower := strings.ToLower(string(doc))
	for _, m := range shellMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	gq, err := goquery.NewDocumentFromReader(strings.NewReader(string(doc)))
	if err != nil {
		return false
	}
	gq.Find("script, style, noscript, template").Remove()
	body := gq.Find("body")
	if body.Find("a[href], button, input, select, textarea, form").Length() > 0 {
		return false
	}
	text := len(strings.Join(strings.Fields(body.Text()), " "))
	if len(doc) < 256 {
		return text == 0
	}
	return text < 200 && float64(text)/float64(len(doc)) < 0.10
}
