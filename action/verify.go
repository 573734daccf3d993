package action

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/dompilot/page"
	"github.com/hazyhaar/dompilot/perception"
	"github.com/hazyhaar/dompilot/resolve"
)

// verify checks the post-condition of req. The snapshot it judges must be
// strictly newer than the action, otherwise the check is inconclusive.
func (x *Executor) verify(ctx context.Context, p page.Page, req Request, cand *resolve.Candidate, pre page.Identity, actedAt time.Time, res *attemptResult) Verification {
	ctx, cancel := context.WithTimeout(ctx, x.cfg.ActionTimeout)
	defer cancel()

	snap, _, err := x.engine.Perceive(ctx, perception.Request{Page: p, Tier: perception.Lightning, Fresh: true})
	if err != nil {
		return Verification{Status: VerifyInconclusive, Detail: "snapshot failed: " + err.Error()}
	}
	if !snap.Timestamp.After(actedAt) {
		return Verification{Status: VerifyInconclusive, Detail: "snapshot not newer than action"}
	}
	res.post = snap.Identity

	sel := ""
	if cand != nil {
		sel = cand.Element.Selector
	}
	pass := func(format string, a ...any) Verification {
		return Verification{Status: VerifyPassed, Detail: fmt.Sprintf(format, a...)}
	}
	failed := func(format string, a ...any) Verification {
		return Verification{Status: VerifyFailed, Detail: fmt.Sprintf(format, a...)}
	}

	switch req.Type {
	case Navigate:
		now := snap.Identity
		if now.Generation <= pre.Generation {
			return failed("generation did not advance (%d)", now.Generation)
		}
		if now.URL != pre.URL || sameURL(now.URL, req.Params.URL) {
			return pass("at %s, generation %d", now.URL, now.Generation)
		}
		return failed("still at %s", now.URL)

	case TypeText:
		v, err := p.Value(ctx, sel)
		if err != nil {
			return failed("read value: %v", err)
		}
		if v != req.Params.Text {
			return failed("value is %q, want %q", v, req.Params.Text)
		}
		return pass("value set")

	case Select:
		v, err := p.Value(ctx, sel)
		if err != nil {
			return failed("read value: %v", err)
		}
		if v == req.Params.Option {
			return pass("option %q selected", v)
		}
		if t, err := p.Text(ctx, sel+" option:checked"); err == nil && strings.TrimSpace(t) == req.Params.Option {
			return pass("option %q selected", t)
		}
		return failed("selected value is %q, want %q", v, req.Params.Option)

	case Click:
		if !snap.Identity.Equal(pre) {
			return pass("page changed to %s", snap.Identity)
		}
		els, err := p.Query(ctx, []string{sel}, 1)
		if err != nil {
			return failed("re-query: %v", err)
		}
		if len(els) == 0 || !els[0].Visible {
			return pass("element gone")
		}
		if changed(cand.Element, perception.Describe(els[0])) {
			return pass("element changed")
		}
		return failed("no observable effect")

	case Hover, Scroll, Wait:
		if sel == "" {
			return pass("no element post-condition")
		}
		els, err := p.Query(ctx, []string{sel}, 1)
		if err != nil {
			return failed("re-query: %v", err)
		}
		if len(els) == 0 || !els[0].Visible {
			return failed("element not visible")
		}
		return pass("element visible")

	case Extract, Evaluate:
		if res.data == "" {
			return failed("no payload")
		}
		return pass("%d bytes", len(res.data))

	case Screenshot:
		if len(res.image) == 0 {
			return failed("empty image")
		}
		return pass("%d bytes", len(res.image))
	}
	return failed("no post-condition for %s", req.Type)
}

func changed(before, after perception.ElementDescriptor) bool {
	return before.Text != after.Text ||
		before.Disabled != after.Disabled ||
		before.Attr("value") != after.Attr("value") ||
		before.Box != after.Box
}

// sameURL compares two URLs ignoring a trailing slash and the fragment.
func sameURL(a, b string) bool {
	norm := func(s string) string {
		u, err := url.Parse(s)
		if err != nil {
			return strings.TrimSuffix(s, "/")
		}
		u.Fragment = ""
		return strings.TrimSuffix(u.String(), "/")
	}
	return b != "" && norm(a) == norm(b)
}
