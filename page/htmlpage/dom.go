package htmlpage

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/hazyhaar/dompilot/page"
)

// layout holds per-document derived data: synthetic geometry, document
// order and id uniqueness. It is rebuilt whenever the document changes.
type layout struct {
	boxes  map[*html.Node]page.BoundingBox
	hidden map[*html.Node]bool
	order  map[*html.Node]int
	ids    map[string]int
}

// Synthetic geometry: a single column of blocks flowing top to bottom,
// indented by depth. Leaves advance the cursor; containers span their
// children. Hidden subtrees take no space.
const (
	viewportWidth = 1280
	rowGap        = 8
	indent        = 16
)

func buildLayout(doc *goquery.Document) *layout {
	l := &layout{
		boxes:  make(map[*html.Node]page.BoundingBox),
		hidden: make(map[*html.Node]bool),
		order:  make(map[*html.Node]int),
		ids:    make(map[string]int),
	}
	if len(doc.Nodes) == 0 {
		return l
	}
	n := 0
	var index func(*html.Node)
	index = func(x *html.Node) {
		if x.Type == html.ElementNode {
			l.order[x] = n
			n++
			if id := attr(x, "id"); id != "" {
				l.ids[id]++
			}
		}
		for c := x.FirstChild; c != nil; c = c.NextSibling {
			index(c)
		}
	}
	index(doc.Nodes[0])

	cursor := 0.0
	var flow func(x *html.Node, depth int, hidden bool)
	flow = func(x *html.Node, depth int, hidden bool) {
		if x.Type != html.ElementNode {
			for c := x.FirstChild; c != nil; c = c.NextSibling {
				flow(c, depth, hidden)
			}
			return
		}
		hidden = hidden || hiddenSelf(x)
		if hidden {
			l.hidden[x] = true
			for c := x.FirstChild; c != nil; c = c.NextSibling {
				flow(c, depth+1, true)
			}
			return
		}

		start := cursor
		if w, h, leaf := leafSize(x); leaf {
			if h > 0 {
				l.boxes[x] = page.BoundingBox{X: float64(indent * depth), Y: cursor, Width: w, Height: h}
				cursor += h + rowGap
			}
			return
		}
		for c := x.FirstChild; c != nil; c = c.NextSibling {
			flow(c, depth+1, false)
		}
		if cursor == start {
			// Container without element children: size from its own text.
			if t := nodeText(x); t != "" {
				w := textWidth(t)
				l.boxes[x] = page.BoundingBox{X: float64(indent * depth), Y: cursor, Width: w, Height: 20}
				cursor += 20 + rowGap
			}
			return
		}
		l.boxes[x] = page.BoundingBox{
			X:      float64(indent * depth),
			Y:      start,
			Width:  float64(viewportWidth - 2*indent*depth),
			Height: cursor - start - rowGap,
		}
	}
	flow(doc.Nodes[0], 0, false)
	return l
}

func hiddenSelf(n *html.Node) bool {
	switch n.Data {
	case "head", "script", "style", "template", "noscript", "meta", "link", "title":
		return true
	}
	if hasAttr(n, "hidden") {
		return true
	}
	if n.Data == "input" && strings.EqualFold(attr(n, "type"), "hidden") {
		return true
	}
	if strings.EqualFold(attr(n, "aria-hidden"), "true") && n.Data != "body" {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(attr(n, "style")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

// leafSize returns the synthetic size of elements that behave as leaves
// (form controls, media, and anything without element children).
func leafSize(n *html.Node) (w, h float64, leaf bool) {
	switch n.Data {
	case "input":
		if t := strings.ToLower(attr(n, "type")); t == "checkbox" || t == "radio" {
			return 16, 16, true
		}
		if t := strings.ToLower(attr(n, "type")); t == "submit" || t == "button" || t == "reset" {
			return buttonWidth(attr(n, "value")), 32, true
		}
		return 200, 32, true
	case "textarea":
		return 300, 80, true
	case "select":
		return 200, 32, true
	case "img":
		return 100, 100, true
	case "iframe":
		return 300, 150, true
	case "br", "hr", "wbr":
		return 0, 0, true
	case "button":
		return buttonWidth(nodeText(n)), 32, true
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return 0, 0, false
		}
	}
	t := nodeText(n)
	if t == "" {
		return 0, 0, true
	}
	return textWidth(t), 20, true
}

func buttonWidth(label string) float64 {
	w := textWidth(label) + 24
	if w < 40 {
		w = 40
	}
	return w
}

func textWidth(t string) float64 {
	w := float64(8 * utf8.RuneCountInString(t))
	if w > viewportWidth {
		w = viewportWidth
	}
	return w
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(x *html.Node) {
		if x.Type == html.TextNode {
			b.WriteString(x.Data)
			b.WriteByte(' ')
		}
		if x.Type == html.ElementNode && (x.Data == "script" || x.Data == "style") {
			return
		}
		for c := x.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, name, val string) {
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: val})
}

func removeAttr(n *html.Node, name string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != name {
			out = append(out, a)
		}
	}
	n.Attr = out
}

// cssPath builds the selector both facades agree on: "#id" when the id is
// unique, else "tag" or "tag:nth-of-type(n)" steps joined by " > ".
func (l *layout) cssPath(n *html.Node) string {
	var parts []string
	for c := n; c != nil && c.Type == html.ElementNode; c = c.Parent {
		if id := attr(c, "id"); id != "" && l.ids[id] == 1 {
			if sel := page.IDSelector(id); sel != "" {
				parts = append(parts, sel)
				break
			}
		}
		if c.Data == "html" {
			parts = append(parts, "html")
			break
		}
		parts = append(parts, step(c))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func step(n *html.Node) string {
	idx, total := 0, 0
	for s := n.Parent.FirstChild; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode && s.Data == n.Data {
			total++
			if s == n {
				idx = total
			}
		}
	}
	if total <= 1 {
		return n.Data
	}
	return fmt.Sprintf("%s:nth-of-type(%d)", n.Data, idx)
}

var landmarkTags = map[string]bool{
	"main": true, "nav": true, "header": true, "footer": true,
	"aside": true, "article": true, "section": true,
}

var landmarkRoles = map[string]bool{
	"main": true, "navigation": true, "banner": true, "contentinfo": true,
	"complementary": true, "region": true, "search": true, "form": true,
}

func (l *layout) element(n *html.Node) page.Element {
	e := page.Element{
		Selector: l.cssPath(n),
		Tag:      n.Data,
		Role:     strings.ToLower(attr(n, "role")),
		Box:      l.boxes[n],
		Order:    l.order[n],
		Attrs:    make(map[string]string),
	}
	for _, name := range page.TrackedAttrs {
		if hasAttr(n, name) {
			e.Attrs[name] = attr(n, name)
		}
	}
	switch n.Data {
	case "input", "select":
	case "textarea":
		e.Attrs["value"] = nodeText(n)
	default:
		e.Text = nodeText(n)
	}
	e.Visible = !l.hidden[n] && !e.Box.Empty()
	e.Disabled = hasAttr(n, "disabled") || strings.EqualFold(attr(n, "aria-disabled"), "true")
	e.Label = l.label(n)

	for p := n.Parent; p != nil && p.Type == html.ElementNode; p = p.Parent {
		if e.Form == "" && p.Data == "form" {
			e.Form = l.cssPath(p)
		}
		if e.Landmark == "" {
			if landmarkTags[p.Data] {
				e.Landmark = p.Data
			} else if r := strings.ToLower(attr(p, "role")); landmarkRoles[r] {
				e.Landmark = r
			}
		}
	}
	return e
}

// label returns the accessible label: aria-label, an associated <label>,
// then the placeholder.
func (l *layout) label(n *html.Node) string {
	if v := attr(n, "aria-label"); v != "" {
		return v
	}
	if id := attr(n, "id"); id != "" {
		var found string
		var walk func(*html.Node) bool
		walk = func(x *html.Node) bool {
			if x.Type == html.ElementNode && x.Data == "label" && attr(x, "for") == id {
				found = nodeText(x)
				return true
			}
			for c := x.FirstChild; c != nil; c = c.NextSibling {
				if walk(c) {
					return true
				}
			}
			return false
		}
		root := n
		for root.Parent != nil {
			root = root.Parent
		}
		if walk(root) {
			return found
		}
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "label" {
			return nodeText(p)
		}
	}
	return attr(n, "placeholder")
}
