package perception

import (
	"context"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

var fragments = []string{
	`<button>Save</button>`,
	`<a href="/next">Next</a>`,
	`<a>No href</a>`,
	`<input type="text" name="q">`,
	`<input type="checkbox" name="c">`,
	`<input type="hidden" name="h" value="1">`,
	`<select name="s"><option>One</option><option>Two</option></select>`,
	`<textarea name="t"></textarea>`,
	`<div role="button">Role</div>`,
	`<div hidden><button>Hidden</button></div>`,
	`<p>Paragraph</p>`,
	`<h2>Heading</h2>`,
	`<ul><li>Item</li></ul>`,
	`<span onclick="x()">Clicky</span>`,
	`<form><input name="f"><button type="submit">Send</button></form>`,
	`<nav><a href="/n">Nav</a></nav>`,
}

func drawDocument(t *rapid.T) string {
	parts := rapid.SliceOfN(rapid.SampledFrom(fragments), 0, 60).Draw(t, "fragments")
	return "<html><head><title>Gen</title></head><body>" + strings.Join(parts, "\n") + "</body></html>"
}

func selectors(r *Result) []string {
	out := make([]string, len(r.Elements))
	for i, e := range r.Elements {
		out[i] = e.Selector
	}
	return out
}

// Each tier's element list starts with the previous tier's.
func TestProperty_MonotonicCoverage(t *testing.T) {
	e := New(Config{})
	rapid.Check(t, func(rt *rapid.T) {
		p := openPage(t, drawDocument(rt))
		var prev *Result
		for _, tier := range Ladder {
			res, _, err := e.Perceive(context.Background(), Request{Page: p, Tier: tier})
			if err != nil {
				rt.Fatalf("%s: %v", tier, err)
			}
			if prev != nil {
				low, high := selectors(prev), selectors(res)
				if len(low) > len(high) {
					rt.Fatalf("%s has %d elements, %s has %d", prev.Tier, len(low), tier, len(high))
				}
				for i := range low {
					if low[i] != high[i] {
						rt.Fatalf("%s[%d] = %s, %s[%d] = %s", prev.Tier, i, low[i], tier, i, high[i])
					}
				}
			}
			prev = res
		}
	})
}

func TestProperty_Idempotent(t *testing.T) {
	e := New(Config{})
	rapid.Check(t, func(rt *rapid.T) {
		p := openPage(t, drawDocument(rt))
		tier := rapid.SampledFrom(Ladder).Draw(rt, "tier")
		a, _, err := e.Perceive(context.Background(), Request{Page: p, Tier: tier})
		if err != nil {
			rt.Fatal(err)
		}
		b, _, err := e.Perceive(context.Background(), Request{Page: p, Tier: tier, Fresh: true})
		if err != nil {
			rt.Fatal(err)
		}
		if len(a.Elements) != len(b.Elements) || a.Meta.Interactive != b.Meta.Interactive {
			rt.Fatalf("counts differ: %d/%d vs %d/%d", len(a.Elements), a.Meta.Interactive, len(b.Elements), b.Meta.Interactive)
		}
		for i := range a.Elements {
			if a.Elements[i].Capabilities != b.Elements[i].Capabilities {
				rt.Fatalf("element %d capabilities %s vs %s", i, a.Elements[i].Capabilities, b.Elements[i].Capabilities)
			}
		}
		if !a.Identity.Equal(b.Identity) {
			rt.Fatalf("identity drifted: %s vs %s", a.Identity, b.Identity)
		}
	})
}

func TestProperty_AdaptiveBounded(t *testing.T) {
	e := New(Config{})
	rapid.Check(t, func(rt *rapid.T) {
		p := openPage(t, drawDocument(rt))
		res, _, err := e.Perceive(context.Background(), Request{Page: p, Tier: Adaptive})
		if err != nil {
			rt.Fatalf("adaptive returned error: %v", err)
		}
		if res == nil {
			rt.Fatal("adaptive returned nil")
		}
		n := len(res.Meta.Escalation)
		if n == 0 || n > len(Ladder) {
			rt.Fatalf("escalation = %v", res.Meta.Escalation)
		}
		if res.Meta.Escalation[n-1] != res.Tier {
			rt.Fatalf("result tier %s is not the last step of %v", res.Tier, res.Meta.Escalation)
		}
		if res.Meta.Interactive == 0 && res.Tier != Deep {
			rt.Fatalf("empty page stopped at %s", res.Tier)
		}
	})
}
