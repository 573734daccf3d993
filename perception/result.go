package perception

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/dompilot/page"
)

// Result is one perception of a page. Results are immutable once returned:
// a newer perception supersedes an older one, nothing edits it in place.
type Result struct {
	Tier          Tier                `json:"tier"`
	Requested     Tier                `json:"requested"`
	Identity      page.Identity       `json:"identity"`
	Timestamp     time.Time           `json:"timestamp"`
	Duration      time.Duration       `json:"duration"`
	Elements      []ElementDescriptor `json:"elements"`
	Layout        *Layout             `json:"layout,omitempty"`
	Forms         []Form              `json:"forms,omitempty"`
	Accessibility []AXNode            `json:"accessibility,omitempty"`
	Groups        []Group             `json:"groups,omitempty"`
	Content       string              `json:"content,omitempty"`
	Meta          Meta                `json:"meta"`
}

// Meta carries confidence and diagnostic data about a run.
type Meta struct {
	Confidence     float64       `json:"confidence"`
	Interactive    int           `json:"interactive"`
	Scanned        int           `json:"scanned"`
	Truncated      bool          `json:"truncated,omitempty"`
	Budget         time.Duration `json:"budget"`
	BudgetExceeded bool          `json:"budget_exceeded,omitempty"`
	Escalation     []Tier        `json:"escalation,omitempty"`
	Title          string        `json:"title,omitempty"`
	Degraded       bool          `json:"degraded,omitempty"`
	Error          string        `json:"error,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// Capability is a bit set of what an element accepts.
type Capability uint8

const (
	Clickable Capability = 1 << iota
	Typable
	Selectable
)

var capNames = []struct {
	c Capability
	n string
}{{Clickable, "clickable"}, {Typable, "typable"}, {Selectable, "selectable"}}

// Has reports whether all bits of o are set.
func (c Capability) Has(o Capability) bool { return c&o == o && o != 0 }

// Names lists the set capabilities.
func (c Capability) Names() []string {
	out := []string{}
	for _, cn := range capNames {
		if c&cn.c != 0 {
			out = append(out, cn.n)
		}
	}
	return out
}

func (c Capability) String() string { return strings.Join(c.Names(), "|") }

func (c Capability) MarshalJSON() ([]byte, error) { return json.Marshal(c.Names()) }

func (c *Capability) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	*c = 0
	for _, n := range names {
		found := false
		for _, cn := range capNames {
			if cn.n == n {
				*c |= cn.c
				found = true
			}
		}
		if !found {
			return fmt.Errorf("perception: unknown capability %q", n)
		}
	}
	return nil
}

// ElementDescriptor summarises one element.
type ElementDescriptor struct {
	Selector     string            `json:"selector"`
	Tag          string            `json:"tag"`
	Role         string            `json:"role,omitempty"`
	Box          page.BoundingBox  `json:"box"`
	Text         string            `json:"text,omitempty"`
	Label        string            `json:"label,omitempty"`
	Attrs        map[string]string `json:"attrs,omitempty"`
	Interactive  bool              `json:"interactive"`
	Capabilities Capability        `json:"capabilities"`
	Disabled     bool              `json:"disabled,omitempty"`
	Form         string            `json:"form,omitempty"`
	Landmark     string            `json:"landmark,omitempty"`
	Order        int               `json:"order"`
}

// Layout is the landmark-based page classification.
type Layout struct {
	Header  bool           `json:"header"`
	Nav     bool           `json:"nav"`
	Sidebar bool           `json:"sidebar"`
	Footer  bool           `json:"footer"`
	Main    bool           `json:"main"`
	Kind    string         `json:"kind"`
	Counts  map[string]int `json:"counts"`
}

// Form summarises a form; Fields is filled from Standard up.
type Form struct {
	Selector   string  `json:"selector"`
	Action     string  `json:"action,omitempty"`
	Method     string  `json:"method,omitempty"`
	FieldCount int     `json:"field_count"`
	Fields     []Field `json:"fields,omitempty"`
}

// Field is one control inside a form.
type Field struct {
	Selector string `json:"selector"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type"`
	Label    string `json:"label,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// AXNode is one node of the flattened accessibility view.
type AXNode struct {
	Role     string `json:"role"`
	Name     string `json:"name,omitempty"`
	Selector string `json:"selector"`
	Level    int    `json:"level,omitempty"`
}

// Group clusters related controls.
type Group struct {
	Name    string           `json:"name"`
	Kind    string           `json:"kind"` // form, landmark, region
	Members []string         `json:"members"`
	Box     page.BoundingBox `json:"box"`
}

// Find returns the descriptor with the given selector.
func (r *Result) Find(selector string) (ElementDescriptor, bool) {
	for _, e := range r.Elements {
		if e.Selector == selector {
			return e, true
		}
	}
	return ElementDescriptor{}, false
}

// Clickable returns the elements tagged clickable.
func (r *Result) Clickable() []ElementDescriptor {
	var out []ElementDescriptor
	for _, e := range r.Elements {
		if e.Capabilities.Has(Clickable) {
			out = append(out, e)
		}
	}
	return out
}
