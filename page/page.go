// CLAUDE:SUMMARY Page Access Facade contract: element queries, geometry, text, script evaluation, action primitives, navigation identity.
// Package page defines the contract dompilot expects from a rendering
// engine. Implementations live in subpackages: rodpage drives Chrome over
// CDP, htmlpage serves static HTML through goquery.
//
// Every method may block on the engine. Callers apply their own timeout
// through ctx; implementations must honour ctx cancellation.
package page

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrDetached reports that the element an action targeted is no longer
// attached to the document (or never matched). The executor treats it as
// a structural failure and re-resolves.
var ErrDetached = errors.New("page: element detached")

// ErrUnsupported reports a primitive the facade cannot perform.
var ErrUnsupported = errors.New("page: unsupported")

// Page is the Page Access Facade.
type Page interface {
	// Identity returns the current URL, navigation generation and
	// structural fingerprint.
	Identity(ctx context.Context) (Identity, error)

	// Query enumerates elements matching each selector group in order.
	// Within a group elements come in document order; an element matched
	// by an earlier group is not repeated. At most maxScan elements are
	// returned (maxScan <= 0 means no limit).
	Query(ctx context.Context, selectors []string, maxScan int) ([]Element, error)

	// Count returns the number of elements matching selector.
	Count(ctx context.Context, selector string) (int, error)

	// Text returns the visible text of the first element matching selector.
	Text(ctx context.Context, selector string) (string, error)

	// Value returns the form value of the first element matching selector.
	Value(ctx context.Context, selector string) (string, error)

	// HTML returns the outer HTML of the first element matching selector,
	// or of the whole document when selector is empty.
	HTML(ctx context.Context, selector string) ([]byte, error)

	// Eval evaluates a script in the page and returns its JSON-encoded result.
	Eval(ctx context.Context, script string) (string, error)

	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Hover(ctx context.Context, selector string) error
	Select(ctx context.Context, selector, option string) error

	// Scroll scrolls the element into view, or the viewport by (dx, dy)
	// when selector is empty.
	Scroll(ctx context.Context, selector string, dx, dy float64) error

	// WaitVisible blocks until the element is visible or ctx is done.
	WaitVisible(ctx context.Context, selector string) error

	// Navigate loads url and returns the identity of the new document.
	// The returned generation is always greater than any previous one.
	Navigate(ctx context.Context, url string) (Identity, error)

	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)

	// Close releases the page gracefully.
	Close(ctx context.Context) error
}

// Killer is implemented by pages that support forced teardown when Close
// hangs or fails.
type Killer interface {
	Kill() error
}

// BoundingBox is an element's rectangle in CSS pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns Width*Height.
func (b BoundingBox) Area() float64 { return b.Width * b.Height }

// Empty reports a zero-sized box.
func (b BoundingBox) Empty() bool { return b.Width <= 0 || b.Height <= 0 }

// Element is one raw element as reported by the facade.
type Element struct {
	Selector string            `json:"selector"`
	Tag      string            `json:"tag"`
	Role     string            `json:"role,omitempty"`
	Text     string            `json:"text,omitempty"`
	Label    string            `json:"label,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Box      BoundingBox       `json:"box"`
	Visible  bool              `json:"visible"`
	Disabled bool              `json:"disabled,omitempty"`
	Form     string            `json:"form,omitempty"`
	Landmark string            `json:"landmark,omitempty"`
	Order    int               `json:"order"`
}

// Attr returns the named attribute or "".
func (e Element) Attr(name string) string {
	if e.Attrs == nil {
		return ""
	}
	return e.Attrs[name]
}

// TrackedAttrs lists the attributes facades report in Element.Attrs.
var TrackedAttrs = []string{
	"id", "name", "type", "placeholder", "aria-label", "title", "href", "value", "alt",
	"required", "action", "method", "contenteditable", "onclick",
}

// Identity identifies one rendered state of a page.
type Identity struct {
	URL         string `json:"url"`
	Generation  uint64 `json:"generation"`
	Fingerprint string `json:"fingerprint"`
}

// Equal reports whether two identities denote the same rendered state.
func (id Identity) Equal(o Identity) bool {
	return id.URL == o.URL && id.Generation == o.Generation && id.Fingerprint == o.Fingerprint
}

// Shape keys the page by URL and structure, ignoring the generation, so
// the same page reached by two navigations shares one key.
func (id Identity) Shape() string {
	return id.URL + "#" + id.Fingerprint
}

func (id Identity) String() string {
	return fmt.Sprintf("%s@%d/%s", id.URL, id.Generation, id.Fingerprint)
}

// RoleSelector returns a selector matching an explicit ARIA role.
func RoleSelector(role string) string {
	return fmt.Sprintf("[role=%q]", strings.ToLower(role))
}

var cssIdent = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// IDSelector returns "#id" when id is a plain CSS identifier, else "".
func IDSelector(id string) string {
	if !cssIdent.MatchString(id) {
		return ""
	}
	return "#" + id
}
