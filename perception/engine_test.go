package perception

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/dompilot/fault"
	"github.com/hazyhaar/dompilot/page"
	"github.com/hazyhaar/dompilot/page/htmlpage"
)

const buttonAndLink = `<html><head><title>Tiny</title></head><body>
<p>Hello</p>
<button id="go">Go</button>
<a href="/about">About</a>
</body></html>`

const formPage = `<!DOCTYPE html>
<html><head><title>Login</title></head>
<body>
<header><nav><a href="/home">Home</a></nav></header>
<main>
<h1>Sign in</h1>
<form id="login" action="/done" method="post">
  <label for="user">Username</label>
  <input id="user" name="user" type="text" required>
  <input type="hidden" name="csrf" value="x">
  <select name="lang"><option value="en">English</option><option value="fr">French</option></select>
  <textarea name="bio"></textarea>
  <button type="submit">Submit</button>
  <button type="button">Cancel</button>
</form>
</main>
<footer><p>Fine print</p></footer>
</body></html>`

const textOnly = `<html><head><title>Essay</title></head><body>
<p>Just words.</p><p>More words.</p>
</body></html>`

func openPage(t testing.TB, doc string) *htmlpage.Page {
	t.Helper()
	p := htmlpage.New(htmlpage.MapLoader{"https://example.com/": doc})
	if _, err := p.Navigate(context.Background(), "https://example.com/"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	return p
}

type memCache struct {
	mu   sync.Mutex
	m    map[string]*Result
	gets int
}

func newMemCache() *memCache { return &memCache{m: make(map[string]*Result)} }

func (c *memCache) key(id page.Identity, t Tier) string { return id.String() + "|" + t.String() }

func (c *memCache) Get(id page.Identity, t Tier) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	return c.m[c.key(id, t)], nil
}

func (c *memCache) Put(r *Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[c.key(r.Identity, r.Tier)] = r
	return nil
}

type brokenCache struct{}

func (brokenCache) Get(page.Identity, Tier) (*Result, error) {
	return nil, fault.Errorf(fault.CacheUnavailable, "cache: get", "corrupt entry")
}
func (brokenCache) Put(*Result) error { return nil }

type recorder struct {
	mu        sync.Mutex
	hits      int
	misses    int
	cacheErrs int
	tiers     []Tier
	exceeded  int
}

func (r *recorder) ObserveCache(_ Tier, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func (r *recorder) ObserveCacheError(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheErrs++
}

func (r *recorder) ObserveTier(t Tier, _ time.Duration, exceeded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers = append(r.tiers, t)
	if exceeded {
		r.exceeded++
	}
}

// flakyPage fails Query when asked for more selector groups than limit,
// and Identity entirely when identityErr is set.
type flakyPage struct {
	page.Page
	limit       int
	identityErr error
}

func (f *flakyPage) Query(ctx context.Context, sel []string, maxScan int) ([]page.Element, error) {
	if f.limit >= 0 && len(sel) > f.limit {
		return nil, fmt.Errorf("flaky: too many selectors: %w", page.ErrDetached)
	}
	return f.Page.Query(ctx, sel, maxScan)
}

func (f *flakyPage) Identity(ctx context.Context) (page.Identity, error) {
	if f.identityErr != nil {
		return page.Identity{}, f.identityErr
	}
	return f.Page.Identity(ctx)
}

func TestLightning_ButtonAndLink(t *testing.T) {
	e := New(Config{})
	p := openPage(t, buttonAndLink)
	cache := newMemCache()

	res, hit, err := e.Perceive(context.Background(), Request{Page: p, Tier: Lightning, Cache: cache})
	if err != nil {
		t.Fatalf("perceive: %v", err)
	}
	if hit {
		t.Fatal("first call should miss")
	}
	if got := len(res.Clickable()); got != 2 {
		t.Fatalf("clickable = %d, want 2 (%+v)", got, res.Elements)
	}
	if res.Layout != nil || res.Forms != nil {
		t.Error("lightning should not classify layout or forms")
	}
	if res.Meta.Title != "Tiny" {
		t.Errorf("title = %q", res.Meta.Title)
	}
	if res.Identity.URL != "https://example.com/" {
		t.Errorf("identity url = %q", res.Identity.URL)
	}

	again, hit, err := e.Perceive(context.Background(), Request{Page: p, Tier: Lightning, Cache: cache})
	if err != nil {
		t.Fatalf("second perceive: %v", err)
	}
	if !hit {
		t.Fatal("second call should hit the cache")
	}
	if again != res {
		t.Error("cache hit should return the stored result")
	}
}

func TestQuick_LayoutAndFormInventory(t *testing.T) {
	e := New(Config{})
	res, _, err := e.Perceive(context.Background(), Request{Page: openPage(t, formPage), Tier: Quick})
	if err != nil {
		t.Fatalf("perceive: %v", err)
	}
	l := res.Layout
	if l == nil {
		t.Fatal("quick should classify layout")
	}
	if !l.Header || !l.Nav || !l.Footer || !l.Main || l.Sidebar {
		t.Errorf("layout = %+v", l)
	}
	if l.Kind != "form" {
		t.Errorf("kind = %q, want form", l.Kind)
	}
	if len(res.Forms) != 1 {
		t.Fatalf("forms = %+v", res.Forms)
	}
	f := res.Forms[0]
	if f.Selector != "#login" || f.Method != "post" || f.Action != "/done" {
		t.Errorf("form = %+v", f)
	}
	if f.FieldCount != 3 {
		t.Errorf("field count = %d, want 3", f.FieldCount)
	}
	if f.Fields != nil {
		t.Error("quick should not list nested fields")
	}
	if res.Accessibility != nil || res.Content != "" {
		t.Error("quick should not run accessibility or content")
	}
}

func TestStandard_FieldsAccessibilityContent(t *testing.T) {
	e := New(Config{})
	res, _, err := e.Perceive(context.Background(), Request{Page: openPage(t, formPage), Tier: Standard})
	if err != nil {
		t.Fatalf("perceive: %v", err)
	}
	if len(res.Forms) != 1 || len(res.Forms[0].Fields) != 3 {
		t.Fatalf("forms = %+v", res.Forms)
	}
	user := res.Forms[0].Fields[0]
	if user.Name != "user" || user.Type != "text" || user.Label != "Username" || !user.Required {
		t.Errorf("user field = %+v", user)
	}
	var heading *AXNode
	for i := range res.Accessibility {
		if res.Accessibility[i].Role == "heading" {
			heading = &res.Accessibility[i]
		}
	}
	if heading == nil || heading.Level != 1 || heading.Name != "Sign in" {
		t.Errorf("heading = %+v", heading)
	}
	if !strings.Contains(res.Content, "Sign in") {
		t.Errorf("content = %q", res.Content)
	}
	if res.Groups != nil {
		t.Error("standard should not group")
	}
}

func TestDeep_Grouping(t *testing.T) {
	e := New(Config{})
	res, _, err := e.Perceive(context.Background(), Request{Page: openPage(t, formPage), Tier: Deep})
	if err != nil {
		t.Fatalf("perceive: %v", err)
	}
	kinds := map[string]Group{}
	for _, g := range res.Groups {
		kinds[g.Kind+":"+g.Name] = g
	}
	form, ok := kinds["form:#login"]
	if !ok {
		t.Fatalf("no form group in %+v", res.Groups)
	}
	if !containsStr(form.Members, "#user") {
		t.Errorf("form group members = %v", form.Members)
	}
	if _, ok := kinds["landmark:nav"]; !ok {
		t.Errorf("no nav group in %+v", res.Groups)
	}
}

func containsStr(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func TestAdaptive_StopsAtFirstSufficientTier(t *testing.T) {
	e := New(Config{})
	res, _, err := e.Perceive(context.Background(), Request{Page: openPage(t, buttonAndLink), Tier: Adaptive})
	if err != nil {
		t.Fatalf("perceive: %v", err)
	}
	if res.Tier != Lightning || res.Requested != Adaptive {
		t.Errorf("tier = %s requested = %s", res.Tier, res.Requested)
	}
	if len(res.Meta.Escalation) != 1 {
		t.Errorf("escalation = %v", res.Meta.Escalation)
	}
}

func TestAdaptive_ZeroInteractiveReturnsDeep(t *testing.T) {
	e := New(Config{})
	res, _, err := e.Perceive(context.Background(), Request{Page: openPage(t, textOnly), Tier: Adaptive})
	if err != nil {
		t.Fatalf("perceive: %v", err)
	}
	if res == nil {
		t.Fatal("nil result")
	}
	if res.Tier != Deep {
		t.Errorf("tier = %s, want deep", res.Tier)
	}
	if got := res.Meta.Escalation; len(got) != 4 {
		t.Errorf("escalation = %v", got)
	}
	if res.Meta.Interactive != 0 || res.Meta.Degraded {
		t.Errorf("meta = %+v", res.Meta)
	}
}

func TestAdaptive_CustomPredicate(t *testing.T) {
	e := New(Config{})
	calls := 0
	res, _, err := e.Perceive(context.Background(), Request{
		Page: openPage(t, formPage),
		Tier: Adaptive,
		Sufficient: func(r *Result) bool {
			calls++
			return r.Tier == Standard
		},
	})
	if err != nil {
		t.Fatalf("perceive: %v", err)
	}
	if res.Tier != Standard || calls != 3 {
		t.Errorf("tier = %s after %d calls", res.Tier, calls)
	}
}

func TestAdaptive_AllFailDegrades(t *testing.T) {
	e := New(Config{})
	p := &flakyPage{Page: openPage(t, formPage), limit: 0}
	res, hit, err := e.Perceive(context.Background(), Request{Page: p, Tier: Adaptive})
	if err != nil {
		t.Fatalf("adaptive must not error: %v", err)
	}
	if hit {
		t.Error("degraded result is never a hit")
	}
	if !res.Meta.Degraded || res.Meta.Error == "" {
		t.Errorf("meta = %+v", res.Meta)
	}
	if len(res.Meta.Escalation) != 4 || len(res.Elements) != 0 {
		t.Errorf("escalation = %v elements = %d", res.Meta.Escalation, len(res.Elements))
	}
	if res.Identity.URL != "https://example.com/" {
		t.Errorf("identity = %+v", res.Identity)
	}
}

func TestFixedTier_FallsBackToLowerTier(t *testing.T) {
	e := New(Config{})
	p := &flakyPage{Page: openPage(t, formPage), limit: len(Spec(Quick).Selectors)}
	res, _, err := e.Perceive(context.Background(), Request{Page: p, Tier: Deep})
	if err != nil {
		t.Fatalf("perceive: %v", err)
	}
	if res.Tier != Quick || res.Requested != Deep {
		t.Errorf("tier = %s requested = %s", res.Tier, res.Requested)
	}
	if len(res.Meta.Warnings) == 0 || !strings.Contains(res.Meta.Warnings[len(res.Meta.Warnings)-1], "fell back") {
		t.Errorf("warnings = %v", res.Meta.Warnings)
	}
}

func TestFixedTier_TotalFailure(t *testing.T) {
	e := New(Config{})
	p := &flakyPage{Page: openPage(t, formPage), limit: 0}
	_, _, err := e.Perceive(context.Background(), Request{Page: p, Tier: Standard})
	if !fault.Has(err, fault.PerceptionFailed) {
		t.Fatalf("err = %v, want perception_failed", err)
	}
	if !errors.Is(err, page.ErrDetached) {
		t.Errorf("cause lost: %v", err)
	}
}

func TestPerceive_Cancelled(t *testing.T) {
	e := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := e.Perceive(ctx, Request{Page: openPage(t, formPage), Tier: Quick})
	if !fault.Has(err, fault.Cancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
}

func TestPerceive_InvalidRequest(t *testing.T) {
	e := New(Config{})
	if _, _, err := e.Perceive(context.Background(), Request{Tier: Quick}); !fault.Has(err, fault.InvalidRequest) {
		t.Errorf("nil page: %v", err)
	}
	p := openPage(t, formPage)
	if _, _, err := e.Perceive(context.Background(), Request{Page: p, Tier: Tier(42)}); !fault.Has(err, fault.InvalidRequest) {
		t.Errorf("bad tier: %v", err)
	}
}

func TestPerceive_CacheErrorIsAMiss(t *testing.T) {
	rec := &recorder{}
	e := New(Config{Observer: rec})
	res, hit, err := e.Perceive(context.Background(), Request{
		Page: openPage(t, buttonAndLink), Tier: Lightning, Cache: brokenCache{},
	})
	if err != nil {
		t.Fatalf("cache error must not propagate: %v", err)
	}
	if hit || len(res.Elements) != 2 {
		t.Errorf("hit = %v elements = %d", hit, len(res.Elements))
	}
	if rec.cacheErrs != 1 || rec.hits != 0 {
		t.Errorf("recorder = %+v", rec)
	}
}

func TestPerceive_FreshBypassesLookup(t *testing.T) {
	e := New(Config{})
	p := openPage(t, buttonAndLink)
	cache := newMemCache()
	if _, _, err := e.Perceive(context.Background(), Request{Page: p, Tier: Lightning, Cache: cache}); err != nil {
		t.Fatal(err)
	}
	_, hit, err := e.Perceive(context.Background(), Request{Page: p, Tier: Lightning, Cache: cache, Fresh: true})
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("fresh perception reported a hit")
	}
	if cache.gets != 1 {
		t.Errorf("gets = %d, want 1", cache.gets)
	}
}

func TestPerceive_BudgetExceeded(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	rec := &recorder{}
	e := New(Config{Now: clock, Observer: rec})
	res, _, err := e.Perceive(context.Background(), Request{Page: openPage(t, buttonAndLink), Tier: Lightning})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Meta.BudgetExceeded {
		t.Errorf("duration %v over budget %v not flagged", res.Duration, res.Meta.Budget)
	}
	if rec.exceeded != 1 {
		t.Errorf("observer exceeded = %d", rec.exceeded)
	}
}

func TestPerceive_PageChangeMissesCache(t *testing.T) {
	e := New(Config{})
	p := openPage(t, buttonAndLink)
	cache := newMemCache()
	first, _, err := e.Perceive(context.Background(), Request{Page: p, Tier: Lightning, Cache: cache})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SetHTML(formPage); err != nil {
		t.Fatal(err)
	}
	second, hit, err := e.Perceive(context.Background(), Request{Page: p, Tier: Lightning, Cache: cache})
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("changed DOM must not hit the cache")
	}
	if first.Identity.Equal(second.Identity) {
		t.Error("identity should change with the DOM")
	}
}

func TestConfidence(t *testing.T) {
	s := Spec(Quick)
	if got := confidence(s, Meta{Interactive: 3}); got != s.Base {
		t.Errorf("full = %v", got)
	}
	if got := confidence(s, Meta{}); got >= 0.5 {
		t.Errorf("empty page confidence %v should fail the default threshold", got)
	}
	if got := confidence(s, Meta{Interactive: 1, Truncated: true}); got >= s.Base {
		t.Errorf("truncated = %v", got)
	}
}

func TestLayoutKind(t *testing.T) {
	cases := []struct {
		counts map[string]int
		want   string
	}{
		{map[string]int{}, "document"},
		{map[string]int{"form": 1}, "form"},
		{map[string]int{"article": 1, "form": 1}, "article"},
		{map[string]int{"article": 4}, "listing"},
		{map[string]int{"listitem": 25}, "listing"},
		{map[string]int{"button": 20, "article": 1}, "app"},
		{map[string]int{"application": 1}, "app"},
	}
	for _, c := range cases {
		if got := layoutKind(c.counts); got != c.want {
			t.Errorf("layoutKind(%v) = %q, want %q", c.counts, got, c.want)
		}
	}
}

func TestGroup_SplitsOnGap(t *testing.T) {
	mk := func(sel string, y float64) ElementDescriptor {
		return ElementDescriptor{Selector: sel, Interactive: true, Box: page.BoundingBox{X: 0, Y: y, Width: 50, Height: 20}}
	}
	gs := group([]ElementDescriptor{mk("a", 0), mk("b", 30), mk("c", 600), {Selector: "p"}})
	if len(gs) != 2 {
		t.Fatalf("groups = %+v", gs)
	}
	if len(gs[0].Members) != 2 || gs[1].Members[0] != "c" {
		t.Errorf("groups = %+v", gs)
	}
	if gs[0].Box.Height != 50 {
		t.Errorf("box = %+v", gs[0].Box)
	}
	if gs[1].Name != "page#2" {
		t.Errorf("second name = %q", gs[1].Name)
	}
}
