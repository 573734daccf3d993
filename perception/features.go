package perception

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/hazyhaar/dompilot/page"
)

// landmarkQueries are counted once per run, independent of element caps.
var landmarkQueries = []struct{ name, sel string }{
	{"header", "header, [role=banner]"},
	{"nav", "nav, [role=navigation]"},
	{"sidebar", "aside, [role=complementary]"},
	{"footer", "footer, [role=contentinfo]"},
	{"main", "main, [role=main]"},
	{"article", "article"},
	{"form", "form"},
	{"listitem", "ul > li, ol > li"},
	{"button", "button, [role=button], input[type=submit], input[type=button]"},
	{"application", "[role=application]"},
}

func (e *Engine) layout(ctx context.Context, p page.Page) (*Layout, error) {
	counts := make(map[string]int, len(landmarkQueries))
	for _, q := range landmarkQueries {
		var n int
		err := e.call(ctx, func(c context.Context) (err error) {
			n, err = p.Count(c, q.sel)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("perception: layout %s: %w", q.name, err)
		}
		counts[q.name] = n
	}
	l := &Layout{
		Header:  counts["header"] > 0,
		Nav:     counts["nav"] > 0,
		Sidebar: counts["sidebar"] > 0,
		Footer:  counts["footer"] > 0,
		Main:    counts["main"] > 0,
		Counts:  counts,
	}
	l.Kind = layoutKind(counts)
	return l, nil
}

func layoutKind(c map[string]int) string {
	switch {
	case c["application"] > 0 || c["button"] >= 15:
		return "app"
	case c["article"] >= 3 || c["listitem"] >= 20:
		return "listing"
	case c["article"] > 0:
		return "article"
	case c["form"] > 0:
		return "form"
	}
	return "document"
}

func fieldSelector(form string) string {
	return fmt.Sprintf("%[1]s input:not([type=hidden]), %[1]s select, %[1]s textarea", form)
}

func (e *Engine) forms(ctx context.Context, p page.Page, withFields bool) ([]Form, error) {
	var raw []page.Element
	err := e.call(ctx, func(c context.Context) (err error) {
		raw, err = p.Query(c, []string{"form"}, 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("perception: forms: %w", err)
	}
	out := make([]Form, 0, len(raw))
	for _, f := range raw {
		form := Form{
			Selector: f.Selector,
			Action:   f.Attr("action"),
			Method:   strings.ToLower(f.Attr("method")),
		}
		if form.Method == "" {
			form.Method = "get"
		}
		if !withFields {
			err := e.call(ctx, func(c context.Context) (err error) {
				form.FieldCount, err = p.Count(c, fieldSelector(f.Selector))
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("perception: form %s: %w", f.Selector, err)
			}
			out = append(out, form)
			continue
		}
		var fields []page.Element
		err := e.call(ctx, func(c context.Context) (err error) {
			fields, err = p.Query(c, []string{fieldSelector(f.Selector)}, 0)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("perception: form %s fields: %w", f.Selector, err)
		}
		for _, fe := range fields {
			typ := strings.ToLower(fe.Attr("type"))
			if typ == "" {
				typ = fe.Tag
				if fe.Tag == "input" {
					typ = "text"
				}
			}
			_, required := fe.Attrs["required"]
			form.Fields = append(form.Fields, Field{
				Selector: fe.Selector,
				Name:     fe.Attr("name"),
				Type:     typ,
				Label:    fe.Label,
				Required: required,
			})
		}
		form.FieldCount = len(form.Fields)
		out = append(out, form)
	}
	return out, nil
}

var axSelectors = []string{
	"main", "nav", "header", "footer", "aside", "form",
	"h1", "h2", "h3", "h4", "h5", "h6", "[role]", "[aria-label]",
}

func (e *Engine) accessibility(ctx context.Context, p page.Page, maxScan int, elements []ElementDescriptor) ([]AXNode, error) {
	var raw []page.Element
	err := e.call(ctx, func(c context.Context) (err error) {
		raw, err = p.Query(c, axSelectors, maxScan)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("perception: accessibility: %w", err)
	}
	seen := make(map[string]bool)
	var nodes []AXNode
	add := func(role, name, sel, tag string) {
		if role == "" || seen[sel] {
			return
		}
		seen[sel] = true
		n := AXNode{Role: role, Name: truncate(name, 80), Selector: sel}
		if role == "heading" && len(tag) == 2 && tag[0] == 'h' {
			n.Level, _ = strconv.Atoi(tag[1:])
		}
		nodes = append(nodes, n)
	}
	for _, el := range raw {
		if !el.Visible {
			continue
		}
		add(ImplicitRole(el), accessibleName(el.Attr("aria-label"), el.Label, el.Text), el.Selector, el.Tag)
	}
	for _, d := range elements {
		add(d.Role, accessibleName(d.Attr("aria-label"), d.Label, d.Text), d.Selector, d.Tag)
	}
	return nodes, nil
}

func accessibleName(candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

// Attr returns the named attribute or "".
func (d ElementDescriptor) Attr(name string) string {
	if d.Attrs == nil {
		return ""
	}
	return d.Attrs[name]
}

const groupGap = 200.0

// group clusters interactive elements by enclosing form, then landmark,
// then splits clusters on vertical gaps wider than groupGap.
func group(elements []ElementDescriptor) []Group {
	type bucket struct {
		name, kind string
		members    []ElementDescriptor
	}
	var order []string
	buckets := make(map[string]*bucket)
	for _, d := range elements {
		if !d.Interactive {
			continue
		}
		key, name, kind := "page", "page", "region"
		switch {
		case d.Form != "":
			key, name, kind = "form:"+d.Form, d.Form, "form"
		case d.Landmark != "":
			key, name, kind = "landmark:"+d.Landmark, d.Landmark, "landmark"
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{name: name, kind: kind}
			buckets[key] = b
			order = append(order, key)
		}
		b.members = append(b.members, d)
	}

	var out []Group
	for _, key := range order {
		b := buckets[key]
		sort.SliceStable(b.members, func(i, j int) bool { return b.members[i].Box.Y < b.members[j].Box.Y })
		part := 1
		cur := Group{Name: b.name, Kind: b.kind}
		bottom := 0.0
		for i, m := range b.members {
			if i > 0 && m.Box.Y-bottom > groupGap {
				out = append(out, cur)
				part++
				cur = Group{Name: fmt.Sprintf("%s#%d", b.name, part), Kind: b.kind}
			}
			cur.Members = append(cur.Members, m.Selector)
			cur.Box = union(cur.Box, m.Box, len(cur.Members) == 1)
			if end := m.Box.Y + m.Box.Height; end > bottom || i == 0 {
				bottom = end
			}
		}
		out = append(out, cur)
	}
	return out
}

func union(a, b page.BoundingBox, first bool) page.BoundingBox {
	if first {
		return b
	}
	x0, y0 := min(a.X, b.X), min(a.Y, b.Y)
	x1 := max(a.X+a.Width, b.X+b.Width)
	y1 := max(a.Y+a.Height, b.Y+b.Height)
	return page.BoundingBox{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

var contentRoots = []string{"main", "[role=main]", "article", "body"}

func (e *Engine) content(ctx context.Context, p page.Page) (string, error) {
	var raw []byte
	var err error
	for _, sel := range contentRoots {
		err = e.call(ctx, func(c context.Context) (err error) {
			raw, err = p.HTML(c, sel)
			return err
		})
		if err == nil {
			break
		}
		if !errors.Is(err, page.ErrDetached) {
			return "", fmt.Errorf("perception: content html: %w", err)
		}
	}
	if err != nil {
		return "", nil
	}
	md, err := e.md.ConvertString(string(raw))
	if err != nil {
		return "", fmt.Errorf("perception: content markdown: %w", err)
	}
	return truncate(strings.TrimSpace(md), e.cfg.ContentLimit), nil
}

// newConverter is shared by every run; html-to-markdown converters are
// safe for concurrent use.
func newConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
}
