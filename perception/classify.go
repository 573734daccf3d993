package perception

import (
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/dompilot/page"
)

const textSampleRunes = 100

var textInputTypes = map[string]bool{
	"": true, "text": true, "email": true, "search": true, "password": true, "tel": true,
	"url": true, "number": true, "date": true, "datetime-local": true, "month": true,
	"week": true, "time": true,
}

var buttonInputTypes = map[string]bool{"submit": true, "button": true, "image": true, "reset": true}

var clickRoles = map[string]bool{
	"button": true, "link": true, "tab": true, "menuitem": true, "menuitemcheckbox": true,
	"menuitemradio": true, "checkbox": true, "radio": true, "switch": true, "option": true,
	"treeitem": true,
}

var typeRoles = map[string]bool{"textbox": true, "searchbox": true, "combobox": true, "spinbutton": true}

var selectRoles = map[string]bool{
	"listbox": true, "option": true, "combobox": true, "checkbox": true, "radio": true, "switch": true,
}

// ImplicitRole returns the explicit role or the one implied by the tag.
func ImplicitRole(e page.Element) string {
	if e.Role != "" {
		return e.Role
	}
	typ := strings.ToLower(e.Attr("type"))
	switch e.Tag {
	case "a":
		if e.Attr("href") != "" {
			return "link"
		}
	case "button", "summary":
		return "button"
	case "input":
		switch {
		case buttonInputTypes[typ]:
			return "button"
		case typ == "checkbox":
			return "checkbox"
		case typ == "radio":
			return "radio"
		case typ == "search":
			return "searchbox"
		case typ == "range":
			return "slider"
		case textInputTypes[typ]:
			return "textbox"
		}
	case "textarea":
		return "textbox"
	case "select":
		return "combobox"
	case "option":
		return "option"
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return "heading"
	case "img":
		return "img"
	case "li":
		return "listitem"
	case "td":
		return "cell"
	case "th":
		return "columnheader"
	case "nav":
		return "navigation"
	case "main":
		return "main"
	case "header":
		return "banner"
	case "footer":
		return "contentinfo"
	case "aside":
		return "complementary"
	case "form":
		return "form"
	case "iframe":
		return "document"
	}
	return ""
}

// Capabilities classifies an element by tag and role.
func Capabilities(e page.Element) Capability {
	var c Capability
	role := ImplicitRole(e)
	typ := strings.ToLower(e.Attr("type"))

	switch e.Tag {
	case "a":
		if e.Attr("href") != "" {
			c |= Clickable
		}
	case "button", "summary":
		c |= Clickable
	case "input":
		switch {
		case buttonInputTypes[typ]:
			c |= Clickable
		case typ == "checkbox" || typ == "radio":
			c |= Clickable | Selectable
		case typ == "hidden":
		case textInputTypes[typ]:
			c |= Typable
		default:
			c |= Clickable
		}
	case "textarea":
		c |= Typable
	case "select":
		c |= Selectable
	case "option":
		c |= Selectable
	}
	if clickRoles[role] {
		c |= Clickable
	}
	if typeRoles[role] {
		c |= Typable
	}
	if selectRoles[role] && e.Tag != "input" {
		c |= Selectable
	}
	if _, ok := e.Attrs["contenteditable"]; ok {
		c |= Typable
	}
	if _, ok := e.Attrs["onclick"]; ok {
		c |= Clickable
	}
	return c
}

// Describe converts a facade element into a descriptor.
func Describe(e page.Element) ElementDescriptor {
	caps := Capabilities(e)
	return ElementDescriptor{
		Selector:     e.Selector,
		Tag:          e.Tag,
		Role:         ImplicitRole(e),
		Box:          e.Box,
		Text:         truncate(e.Text, textSampleRunes),
		Label:        e.Label,
		Attrs:        e.Attrs,
		Interactive:  caps != 0,
		Capabilities: caps,
		Disabled:     e.Disabled,
		Form:         e.Form,
		Landmark:     e.Landmark,
		Order:        e.Order,
	}
}

// DescribeVisible keeps visible elements, in order, up to limit (<= 0 for
// no limit). It reports whether elements were dropped by the limit.
func DescribeVisible(els []page.Element, limit int) ([]ElementDescriptor, bool) {
	out := make([]ElementDescriptor, 0, len(els))
	for _, e := range els {
		if !e.Visible || e.Box.Empty() {
			continue
		}
		if limit > 0 && len(out) >= limit {
			return out, true
		}
		out = append(out, Describe(e))
	}
	return out, false
}

// Prominence scores how noticeable an element is: visible +50, enabled +30,
// a reasonable size +10, inside the first screenful below the header +10.
func Prominence(d ElementDescriptor) float64 {
	score := 0.0
	if !d.Box.Empty() {
		score += 50
	}
	if !d.Disabled {
		score += 30
	}
	if a := d.Box.Area(); a > 100 && a < 100000 {
		score += 10
	}
	if d.Box.Y > 100 && d.Box.Y < 800 {
		score += 10
	}
	return score
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
