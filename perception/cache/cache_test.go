package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/hazyhaar/dompilot/fault"
	"github.com/hazyhaar/dompilot/page"
	"github.com/hazyhaar/dompilot/perception"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func result(url string, gen uint64, print string, t perception.Tier) *perception.Result {
	return &perception.Result{
		Tier:      t,
		Requested: t,
		Identity:  page.Identity{URL: url, Generation: gen, Fingerprint: print},
		Timestamp: time.Unix(1700000000, 0),
		Elements: []perception.ElementDescriptor{{
			Selector:     "#go",
			Tag:          "button",
			Role:         "button",
			Text:         "Go",
			Interactive:  true,
			Capabilities: perception.Clickable,
			Box:          page.BoundingBox{Width: 80, Height: 24},
		}},
		Meta: perception.Meta{Confidence: 0.6, Interactive: 1, Scanned: 1},
	}
}

func TestRoundTripAndInvalidate(t *testing.T) {
	c := New(Config{})
	res := result("https://a/", 1, "f1", perception.Quick)
	if err := c.Put(res); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := c.Get(res.Identity, perception.Quick)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(res, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if n := c.Invalidate(res.Identity); n != 1 {
		t.Errorf("invalidated %d", n)
	}
	got, err = c.Get(res.Identity, perception.Quick)
	if err != nil || got != nil {
		t.Errorf("after invalidate: %v, %v", got, err)
	}
	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Size != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestExactIdentityMatch(t *testing.T) {
	c := New(Config{})
	res := result("https://a/", 2, "f1", perception.Lightning)
	_ = c.Put(res)
	cases := []page.Identity{
		{URL: "https://b/", Generation: 2, Fingerprint: "f1"},
		{URL: "https://a/", Generation: 3, Fingerprint: "f1"},
		{URL: "https://a/", Generation: 2, Fingerprint: "f2"},
	}
	for _, id := range cases {
		if got, _ := c.Get(id, perception.Lightning); got != nil {
			t.Errorf("%s should miss", id)
		}
	}
	if got, _ := c.Get(res.Identity, perception.Quick); got != nil {
		t.Error("different tier should miss")
	}
}

func TestTTLExpiry(t *testing.T) {
	clk := newClock()
	c := New(Config{TTL: time.Second, Now: clk.now})
	res := result("https://a/", 1, "f", perception.Deep)
	_ = c.Put(res)
	clk.advance(500 * time.Millisecond)
	if got, _ := c.Get(res.Identity, perception.Deep); got == nil {
		t.Fatal("entry expired early")
	}
	clk.advance(time.Second)
	if got, _ := c.Get(res.Identity, perception.Deep); got != nil {
		t.Fatal("entry outlived its ttl")
	}
	if s := c.Stats(); s.Expirations != 1 || s.Size != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestLRUEviction(t *testing.T) {
	clk := newClock()
	c := New(Config{Capacity: 2, Now: clk.now})
	a := result("https://a/", 1, "f", perception.Lightning)
	b := result("https://b/", 1, "f", perception.Lightning)
	d := result("https://d/", 1, "f", perception.Lightning)
	_ = c.Put(a)
	_ = c.Put(b)
	if got, _ := c.Get(a.Identity, perception.Lightning); got == nil {
		t.Fatal("a missing")
	}
	_ = c.Put(d) // evicts b, the least recently used
	if got, _ := c.Get(b.Identity, perception.Lightning); got != nil {
		t.Error("b should have been evicted")
	}
	if got, _ := c.Get(a.Identity, perception.Lightning); got == nil {
		t.Error("a should survive")
	}
	s := c.Stats()
	if s.Evictions != 1 || s.Size != 2 {
		t.Errorf("stats = %+v", s)
	}
	entries := c.Entries()
	if len(entries) != 2 || entries[0].Identity.URL != "https://a/" || entries[0].Hits != 2 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestPruneOlderGenerations(t *testing.T) {
	c := New(Config{})
	for gen := uint64(1); gen <= 3; gen++ {
		_ = c.Put(result("https://a/", gen, "f", perception.Quick))
		_ = c.Put(result("https://a/", gen, "f", perception.Deep))
	}
	if n := c.Prune(3); n != 4 {
		t.Errorf("pruned %d, want 4", n)
	}
	if s := c.Stats(); s.Size != 2 {
		t.Errorf("size = %d", s.Size)
	}
}

func TestInvalidateIgnoresFingerprint(t *testing.T) {
	c := New(Config{})
	_ = c.Put(result("https://a/", 1, "before", perception.Quick))
	_ = c.Put(result("https://a/", 1, "before", perception.Lightning))
	_ = c.Put(result("https://a/", 2, "before", perception.Quick))
	if n := c.Invalidate(page.Identity{URL: "https://a/", Generation: 1, Fingerprint: "after"}); n != 2 {
		t.Errorf("invalidated %d, want 2", n)
	}
}

func TestCorruptEntry(t *testing.T) {
	c := New(Config{})
	res := result("https://a/", 1, "f", perception.Quick)
	id := res.Identity
	_ = c.Put(res)
	res.Identity.Fingerprint = "tampered"

	got, err := c.Get(id, perception.Quick)
	if got != nil || !fault.Has(err, fault.CacheUnavailable) {
		t.Fatalf("got %v, %v; want cache_unavailable", got, err)
	}
	if s := c.Stats(); s.Errors != 1 || s.Size != 0 {
		t.Errorf("stats = %+v", s)
	}
	if got, err := c.Get(id, perception.Quick); got != nil || err != nil {
		t.Errorf("corrupt entry not removed: %v, %v", got, err)
	}
}

func TestClosed(t *testing.T) {
	c := New(Config{})
	_ = c.Put(result("https://a/", 1, "f", perception.Quick))
	c.Close()
	if _, err := c.Get(page.Identity{URL: "https://a/", Generation: 1, Fingerprint: "f"}, perception.Quick); !fault.Has(err, fault.CacheUnavailable) {
		t.Errorf("get after close: %v", err)
	}
	if err := c.Put(result("https://a/", 1, "f", perception.Quick)); !fault.Has(err, fault.CacheUnavailable) {
		t.Errorf("put after close: %v", err)
	}
}

func TestHitRate(t *testing.T) {
	if r := (Stats{}).HitRate(); r != 0 {
		t.Errorf("empty = %v", r)
	}
	if r := (Stats{Hits: 3, Misses: 1}).HitRate(); r != 0.75 {
		t.Errorf("rate = %v", r)
	}
}

func TestProperty_RoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		c := New(Config{Capacity: 64})
		n := rapid.IntRange(1, 40).Draw(rt, "n")
		stored := make([]*perception.Result, 0, n)
		for i := 0; i < n; i++ {
			url := fmt.Sprintf("https://s/%d", rapid.IntRange(0, 5).Draw(rt, "url"))
			gen := rapid.Uint64Range(1, 4).Draw(rt, "gen")
			tier := rapid.SampledFrom(perception.Ladder).Draw(rt, "tier")
			res := result(url, gen, "f", tier)
			if err := c.Put(res); err != nil {
				rt.Fatal(err)
			}
			stored = append(stored, res)
		}
		// The last Put for each key wins.
		latest := map[string]*perception.Result{}
		for _, r := range stored {
			latest[r.Identity.String()+r.Tier.String()] = r
		}
		for _, want := range latest {
			got, err := c.Get(want.Identity, want.Tier)
			if err != nil {
				rt.Fatal(err)
			}
			if got != want {
				rt.Fatalf("get %s/%s returned a different result", want.Identity, want.Tier)
			}
		}
		for _, r := range latest {
			c.Invalidate(r.Identity)
			if got, _ := c.Get(r.Identity, r.Tier); got != nil {
				rt.Fatalf("%s/%s survived invalidate", r.Identity, r.Tier)
			}
		}
	})
}
