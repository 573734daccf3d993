package action

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
	"pgregory.net/rapid"

	"github.com/hazyhaar/dompilot/fault"
	"github.com/hazyhaar/dompilot/page"
	"github.com/hazyhaar/dompilot/page/htmlpage"
	"github.com/hazyhaar/dompilot/perception"
	"github.com/hazyhaar/dompilot/perception/cache"
	"github.com/hazyhaar/dompilot/resolve"
)

const loginPage = `<!DOCTYPE html>
<html><head><title>Login</title></head>
<body>
<header><nav><a href="/home">Home</a></nav></header>
<main>
<h1>Sign in</h1>
<form id="login" action="/done" method="post">
  <label for="user">Username</label>
  <input id="user" name="user" type="text">
  <select id="lang" name="lang"><option value="en">English</option><option value="fr">French</option></select>
  <button type="button">Cancel</button>
  <button type="submit">Submit</button>
</form>
</main>
</body></html>`

func newExecutor(cfg Config) *Executor {
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = Backoff{Kind: Fixed, Base: time.Millisecond}
	}
	return New(perception.New(perception.Config{}), resolve.New(resolve.Config{}), cfg)
}

func newEnv(t *testing.T) (Env, *htmlpage.Page, *cache.Cache) {
	t.Helper()
	p := htmlpage.New(htmlpage.MapLoader{
		"https://example.com/login": loginPage,
		"https://example.com/home":  `<html><head><title>Home</title></head><body><h1>Home</h1><a href="/login">Back</a></body></html>`,
		"https://example.com/done":  `<html><body><p>Welcome</p></body></html>`,
	})
	if _, err := p.Navigate(context.Background(), "https://example.com/login"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	c := cache.New(cache.Config{})
	return Env{Page: p, Cache: c, Learning: resolve.NewLearning()}, p, c
}

func TestExecute_NonExistentTarget(t *testing.T) {
	x := newExecutor(Config{})
	env, _, _ := newEnv(t)
	out := x.Execute(context.Background(), env, Request{
		Type:    Click,
		Target:  resolve.Description("non-existent-element"),
		Retries: 2,
	})
	if out.Success || out.State != Failed {
		t.Fatalf("outcome = %s", out)
	}
	if out.Reason != fault.TargetNotFound {
		t.Errorf("reason = %s", out.Reason)
	}
	if out.Attempts != 2 || len(out.Log) != 2 {
		t.Errorf("attempts = %d log = %d", out.Attempts, len(out.Log))
	}
	for i, a := range out.Log {
		if a.N != i+1 || a.State != Resolving || a.Reason != fault.TargetNotFound {
			t.Errorf("log[%d] = %+v", i, a)
		}
	}
	if env.Learning.Len() != 0 {
		t.Error("unresolved failure should not reinforce")
	}
}

func TestExecute_TypeVerified(t *testing.T) {
	x := newExecutor(Config{})
	env, p, _ := newEnv(t)
	out := x.Execute(context.Background(), env, Request{
		Type:   TypeText,
		Target: resolve.Description("username field"),
		Params: Params{Text: "alice"},
		Verify: true,
	})
	if !out.Success {
		t.Fatalf("outcome = %s (%s) log=%+v", out, out.Error, out.Log)
	}
	if out.Verification.Status != VerifyPassed {
		t.Errorf("verification = %+v", out.Verification)
	}
	if out.Element == nil || out.Element.Selector != "#user" {
		t.Errorf("element = %+v", out.Element)
	}
	if v, _ := p.Value(context.Background(), "#user"); v != "alice" {
		t.Errorf("value = %q", v)
	}
	if env.Learning.Len() != 1 {
		t.Errorf("learning entries = %d", env.Learning.Len())
	}
	if x.locks.held() != 0 {
		t.Error("element lock leaked")
	}
}

func TestExecute_ClickLinkNavigates(t *testing.T) {
	x := newExecutor(Config{})
	env, _, c := newEnv(t)
	out := x.Execute(context.Background(), env, Request{
		Type:   Click,
		Target: resolve.Role("link", "Home"),
		Verify: true,
	})
	if !out.Success {
		t.Fatalf("outcome = %s (%s)", out, out.Error)
	}
	if out.Identity.URL != "https://example.com/home" || out.Identity.Generation != 2 {
		t.Errorf("identity = %s", out.Identity)
	}
	for _, e := range c.Entries() {
		if e.Identity.URL == "https://example.com/login" && e.Identity.Generation == 1 {
			t.Errorf("stale entry survived the click: %s/%s", e.Identity, e.Tier)
		}
	}
}

func TestExecute_NavigatePrunes(t *testing.T) {
	x := newExecutor(Config{})
	env, p, c := newEnv(t)
	eng := perception.New(perception.Config{})
	if _, _, err := eng.Perceive(context.Background(), perception.Request{Page: p, Tier: perception.Quick, Cache: c}); err != nil {
		t.Fatal(err)
	}
	out := x.Execute(context.Background(), env, Request{
		Type:   Navigate,
		Params: Params{URL: "https://example.com/home"},
		Verify: true,
	})
	if !out.Success {
		t.Fatalf("outcome = %s (%s)", out, out.Error)
	}
	if out.Element != nil {
		t.Error("navigate resolves no element")
	}
	if s := c.Stats(); s.Size != 0 {
		t.Errorf("cache size after navigate = %d", s.Size)
	}
	if out.Identity.Generation != 2 {
		t.Errorf("generation = %d", out.Identity.Generation)
	}
}

func TestExecute_VerificationFailed(t *testing.T) {
	x := newExecutor(Config{})
	env, _, _ := newEnv(t)
	out := x.Execute(context.Background(), env, Request{
		Type:    Click,
		Target:  resolve.Role("button", "Cancel"),
		Verify:  true,
		Retries: 1,
	})
	if out.Success || out.Reason != fault.VerificationFailed {
		t.Fatalf("outcome = %s", out)
	}
	if out.Verification.Status != VerifyFailed {
		t.Errorf("verification = %+v", out.Verification)
	}
	if out.Element == nil || out.Element.Text != "Cancel" {
		t.Errorf("element = %+v", out.Element)
	}
	if env.Learning.Len() != 1 {
		t.Error("resolved failure should record a penalty")
	}
}

func TestExecute_StaleSnapshotInconclusive(t *testing.T) {
	frozen := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	engine := perception.New(perception.Config{Now: func() time.Time { return frozen }})
	x := New(engine, resolve.New(resolve.Config{}), Config{Backoff: Backoff{Kind: Fixed, Base: time.Millisecond}})
	env, _, _ := newEnv(t)
	out := x.Execute(context.Background(), env, Request{
		Type:    TypeText,
		Target:  resolve.Description("username field"),
		Params:  Params{Text: "alice"},
		Verify:  true,
		Retries: 1,
	})
	if out.Success || out.Reason != fault.VerificationFailed {
		t.Fatalf("outcome = %s", out)
	}
	if out.Verification.Status != VerifyInconclusive {
		t.Errorf("verification = %+v", out.Verification)
	}
	if out.Log[0].State != Verifying {
		t.Errorf("failed in %s", out.Log[0].State)
	}
}

func TestExecute_RateLimitDeadlineIsTimeout(t *testing.T) {
	x := newExecutor(Config{Rate: rate.Limit(0.01), Burst: 1})
	env, _, _ := newEnv(t)
	req := Request{Type: TypeText, Target: resolve.Description("username field"), Params: Params{Text: "alice"}, Retries: 1}
	if out := x.Execute(context.Background(), env, req); !out.Success {
		t.Fatalf("first action = %s", out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := x.Execute(ctx, env, req)
	if out.Success || out.Reason != fault.Timeout {
		t.Fatalf("outcome = %s (%s)", out, out.Error)
	}
	if out.Log[0].State != Acting {
		t.Errorf("failed in %s", out.Log[0].State)
	}
	if ctx.Err() != nil {
		t.Error("limiter should refuse before the deadline passes")
	}
}

func TestExecute_SelectAndExtract(t *testing.T) {
	x := newExecutor(Config{})
	env, _, _ := newEnv(t)
	out := x.Execute(context.Background(), env, Request{
		Type:   Select,
		Target: resolve.Selector("#lang"),
		Params: Params{Option: "fr"},
		Verify: true,
	})
	if !out.Success {
		t.Fatalf("select = %s (%s)", out, out.Error)
	}

	out = x.Execute(context.Background(), env, Request{
		Type:   Extract,
		Target: resolve.Description("sign in"),
		Verify: true,
	})
	if !out.Success || out.Data != "Sign in" {
		t.Fatalf("extract = %s data=%q (%s)", out, out.Data, out.Error)
	}

	out = x.Execute(context.Background(), env, Request{
		Type:   Evaluate,
		Params: Params{Script: "document.title"},
	})
	if !out.Success || out.Data != `"Login"` {
		t.Fatalf("evaluate = %s data=%q", out, out.Data)
	}
}

func TestExecute_UnsupportedIsFinal(t *testing.T) {
	x := newExecutor(Config{})
	env, _, _ := newEnv(t)
	out := x.Execute(context.Background(), env, Request{Type: Screenshot, Retries: 3})
	if out.Success || out.Reason != fault.ActionPrimitiveFailed {
		t.Fatalf("outcome = %s", out)
	}
	if out.Attempts != 1 {
		t.Errorf("unsupported primitive retried: %d attempts", out.Attempts)
	}
}

func TestExecute_InvalidRequest(t *testing.T) {
	x := newExecutor(Config{})
	env, _, _ := newEnv(t)
	cases := []Request{
		{Type: "dance"},
		{Type: Navigate},
		{Type: Click},
		{Type: Wait},
		{Type: Click, Target: resolve.Description("x"), Retries: -1},
	}
	for _, req := range cases {
		out := x.Execute(context.Background(), env, req)
		if out.Reason != fault.InvalidRequest || out.Attempts != 0 {
			t.Errorf("%+v: outcome = %s", req, out)
		}
	}
	if out := x.Execute(context.Background(), Env{}, Request{Type: Navigate, Params: Params{URL: "x"}}); out.Reason != fault.InvalidRequest {
		t.Errorf("nil page: %s", out)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	x := newExecutor(Config{})
	env, _, _ := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := x.Execute(ctx, env, Request{Type: Click, Target: resolve.Description("submit")})
	if out.Success || out.Reason != fault.Cancelled {
		t.Fatalf("outcome = %s", out)
	}
	if out.Attempts != 0 {
		t.Errorf("attempts = %d", out.Attempts)
	}
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	x := newExecutor(Config{Backoff: Backoff{Kind: Fixed, Base: time.Hour, Max: time.Hour}})
	env, _, _ := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	out := x.Execute(ctx, env, Request{Type: Click, Target: resolve.Description("nothing like this"), Retries: 3})
	if out.Attempts != 1 {
		t.Errorf("attempts = %d", out.Attempts)
	}
	if out.Reason != fault.Timeout {
		t.Errorf("reason = %s", out.Reason)
	}
}

// detachOnce fails the first click with ErrDetached.
type detachOnce struct {
	page.Page
	clicks atomic.Int32
}

func (d *detachOnce) Click(ctx context.Context, sel string) error {
	if d.clicks.Add(1) == 1 {
		return fmt.Errorf("stale node: %w", page.ErrDetached)
	}
	return d.Page.Click(ctx, sel)
}

func TestExecute_DetachedRetriesWithoutBackoff(t *testing.T) {
	x := newExecutor(Config{Backoff: Backoff{Kind: Fixed, Base: time.Hour, Max: time.Hour}})
	env, p, _ := newEnv(t)
	d := &detachOnce{Page: p}
	env.Page = d
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := x.Execute(ctx, env, Request{Type: Click, Target: resolve.Role("button", "Cancel")})
	if !out.Success {
		t.Fatalf("outcome = %s (%s)", out, out.Error)
	}
	if out.Attempts != 2 || out.Log[0].Reason != fault.TargetNotFound || out.Log[0].State != Acting {
		t.Errorf("log = %+v", out.Log)
	}
}

// failingPage fails every click with a plain error.
type failingPage struct{ page.Page }

var errBoom = errors.New("boom")

func (failingPage) Click(context.Context, string) error { return errBoom }

func TestExecute_PrimitiveFailure(t *testing.T) {
	x := newExecutor(Config{})
	env, p, _ := newEnv(t)
	env.Page = failingPage{p}
	out := x.Execute(context.Background(), env, Request{Type: Click, Target: resolve.Role("button", "Submit"), Retries: 2})
	if out.Reason != fault.ActionPrimitiveFailed || out.Attempts != 2 {
		t.Fatalf("outcome = %s", out)
	}
	if out.Error != errBoom.Error() {
		t.Errorf("error = %q", out.Error)
	}
}

func TestProperty_RetryBudget(t *testing.T) {
	x := newExecutor(Config{Backoff: Backoff{Kind: Fixed, Base: time.Microsecond}})
	rapid.Check(t, func(rt *rapid.T) {
		env, _, _ := newEnv(t)
		n := rapid.IntRange(1, 5).Draw(rt, "retries")
		out := x.Execute(context.Background(), env, Request{
			Type:    rapid.SampledFrom([]Type{Click, Hover, TypeText, Extract}).Draw(rt, "type"),
			Target:  resolve.Description("zzqx nowhere"),
			Params:  Params{Text: "x"},
			Retries: n,
		})
		if out.Success {
			rt.Fatal("impossible target succeeded")
		}
		if out.Attempts > n || len(out.Log) != out.Attempts {
			rt.Fatalf("retries=%d attempts=%d log=%d", n, out.Attempts, len(out.Log))
		}
		if out.Attempts != n {
			rt.Fatalf("budget not exhausted: %d of %d", out.Attempts, n)
		}
		if out.Reason != out.Log[len(out.Log)-1].Reason {
			rt.Fatalf("reason %s is not the last attempt's %s", out.Reason, out.Log[len(out.Log)-1].Reason)
		}
	})
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{}
	b.defaults()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := b.Delay(20); got != 5*time.Second {
		t.Errorf("Delay(20) = %v, want cap", got)
	}
	f := Backoff{Kind: Fixed, Base: 300 * time.Millisecond}
	f.defaults()
	if f.Delay(1) != f.Delay(4) {
		t.Error("fixed backoff grew")
	}
	if _, err := ParseBackoffKind("linear"); err == nil {
		t.Error("unknown kind accepted")
	}
}
