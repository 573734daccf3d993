package htmlpage

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/dompilot/page"
)

const formPage = `<!DOCTYPE html>
<html><head><title>Login</title></head>
<body>
<header><nav><a href="/home">Home</a></nav></header>
<main>
<form id="login" action="/done" method="post">
  <label for="user">Username</label>
  <input id="user" name="user" type="text">
  <input type="hidden" name="csrf" value="x">
  <select name="lang"><option value="en">English</option><option value="fr">French</option></select>
  <textarea name="bio"></textarea>
  <button type="submit">Submit</button>
  <button type="button">Cancel</button>
</form>
<div style="display: none"><button>Ghost</button></div>
</main>
</body></html>`

func newFormPage(t *testing.T) *Page {
	t.Helper()
	p := New(MapLoader{
		"https://example.com/login": formPage,
		"https://example.com/home":  `<html><body><h1>Home</h1></body></html>`,
		"https://example.com/done":  `<html><body><p>Welcome</p></body></html>`,
	})
	if _, err := p.Navigate(context.Background(), "https://example.com/login"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	return p
}

func TestQuery_OrderAndDedup(t *testing.T) {
	p := newFormPage(t)
	ctx := context.Background()

	els, err := p.Query(ctx, []string{"button[type=submit]", "button", "a[href]"}, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var texts []string
	for _, e := range els {
		texts = append(texts, e.Text)
	}
	want := []string{"Submit", "Cancel", "Ghost", "Home"}
	if len(texts) != len(want) {
		t.Fatalf("texts = %v, want %v", texts, want)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("texts[%d] = %q, want %q", i, texts[i], want[i])
		}
	}
	if els[2].Visible {
		t.Error("button inside display:none should not be visible")
	}
	if !els[0].Visible || els[0].Box.Empty() {
		t.Error("submit button should be visible with a box")
	}
	if els[0].Form != "#login" {
		t.Errorf("form = %q, want #login", els[0].Form)
	}
	if els[3].Landmark != "nav" {
		t.Errorf("landmark = %q, want nav", els[3].Landmark)
	}

	capped, _ := p.Query(ctx, []string{"button", "a[href]"}, 2)
	if len(capped) != 2 {
		t.Errorf("maxScan not honoured: %d", len(capped))
	}
}

func TestQuery_SelectorsAreUnique(t *testing.T) {
	p := newFormPage(t)
	ctx := context.Background()
	els, err := p.Query(ctx, []string{"input", "select", "textarea", "button", "a"}, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, e := range els {
		n, err := p.Count(ctx, e.Selector)
		if err != nil {
			t.Fatalf("count %s: %v", e.Selector, err)
		}
		if n != 1 {
			t.Errorf("selector %q matches %d elements", e.Selector, n)
		}
	}
}

func TestLabelAndHidden(t *testing.T) {
	p := newFormPage(t)
	els, _ := p.Query(context.Background(), []string{"input"}, 0)
	if len(els) != 2 {
		t.Fatalf("inputs = %d, want 2", len(els))
	}
	if els[0].Label != "Username" {
		t.Errorf("label = %q, want Username", els[0].Label)
	}
	if els[1].Visible {
		t.Error("hidden input should not be visible")
	}
}

func TestClickLinkNavigates(t *testing.T) {
	p := newFormPage(t)
	ctx := context.Background()
	before, _ := p.Identity(ctx)

	if err := p.Click(ctx, "a"); err != nil {
		t.Fatalf("click: %v", err)
	}
	after, _ := p.Identity(ctx)
	if after.URL != "https://example.com/home" {
		t.Errorf("url = %s", after.URL)
	}
	if after.Generation <= before.Generation {
		t.Error("navigation must advance the generation")
	}
}

func TestClickSubmitFollowsFormAction(t *testing.T) {
	p := newFormPage(t)
	ctx := context.Background()
	if err := p.Click(ctx, "#login > button:nth-of-type(1)"); err != nil {
		t.Fatalf("click: %v", err)
	}
	id, _ := p.Identity(ctx)
	if id.URL != "https://example.com/done" {
		t.Errorf("url = %s, want /done", id.URL)
	}
}

func TestClickMissingIsDetached(t *testing.T) {
	p := newFormPage(t)
	err := p.Click(context.Background(), "#nope")
	if !errors.Is(err, page.ErrDetached) {
		t.Errorf("err = %v, want ErrDetached", err)
	}
}

func TestTypeAndSelect(t *testing.T) {
	p := newFormPage(t)
	ctx := context.Background()

	if err := p.Type(ctx, "#user", "alice"); err != nil {
		t.Fatalf("type: %v", err)
	}
	if v, _ := p.Value(ctx, "#user"); v != "alice" {
		t.Errorf("value = %q", v)
	}
	if err := p.Type(ctx, "textarea", "hello"); err != nil {
		t.Fatalf("type textarea: %v", err)
	}
	if v, _ := p.Value(ctx, "textarea"); v != "hello" {
		t.Errorf("textarea = %q", v)
	}

	if v, _ := p.Value(ctx, "select"); v != "en" {
		t.Errorf("default select = %q", v)
	}
	if err := p.Select(ctx, "select", "French"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if v, _ := p.Value(ctx, "select"); v != "fr" {
		t.Errorf("select = %q, want fr", v)
	}
	if err := p.Select(ctx, "select", "German"); err == nil {
		t.Error("unknown option should fail")
	}
}

func TestIdentity_SetHTMLChangesFingerprintOnly(t *testing.T) {
	p := newFormPage(t)
	ctx := context.Background()
	a, _ := p.Identity(ctx)
	if err := p.SetHTML(`<html><body><p>changed</p></body></html>`); err != nil {
		t.Fatal(err)
	}
	b, _ := p.Identity(ctx)
	if a.URL != b.URL || a.Generation != b.Generation {
		t.Error("SetHTML must not navigate")
	}
	if a.Fingerprint == b.Fingerprint {
		t.Error("structural change should change fingerprint")
	}
}

func TestEval(t *testing.T) {
	p := newFormPage(t)
	ctx := context.Background()
	got, err := p.Eval(ctx, "document.title")
	if err != nil || got != `"Login"` {
		t.Errorf("title = %s, %v", got, err)
	}
	if _, err := p.Eval(ctx, "1+1"); !errors.Is(err, page.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestClosed(t *testing.T) {
	p := newFormPage(t)
	ctx := context.Background()
	p.Close(ctx)
	if _, err := p.Identity(ctx); err == nil {
		t.Error("closed page should fail")
	}
}

func TestLooksScriptRendered(t *testing.T) {
	shell := []byte(`<!DOCTYPE html><html><head><title>App</title></head><body><div id="root"></div><script src="/main.js"></script></body></html>`)
	if !LooksScriptRendered(shell) {
		t.Error("SPA shell not detected")
	}
	if LooksScriptRendered([]byte(formPage)) {
		t.Error("form page misdetected as shell")
	}
}
