package perception

import (
	"fmt"
	"strings"
	"time"
)

// Tier names a perception strategy. The zero value is Adaptive.
type Tier int

const (
	Adaptive Tier = iota
	Lightning
	Quick
	Standard
	Deep
)

var tierNames = [...]string{"adaptive", "lightning", "quick", "standard", "deep"}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTier maps a name to a Tier. The empty string is Adaptive.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Adaptive, nil
	}
	for i, n := range tierNames {
		if n == s {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("perception: unknown tier %q", s)
}

// Concrete reports whether t runs a fixed strategy (everything but Adaptive).
func (t Tier) Concrete() bool { return t >= Lightning && t <= Deep }

// Ladder is the adaptive escalation order.
var Ladder = []Tier{Lightning, Quick, Standard, Deep}

// TierSpec declares what a tier inspects and how fast it should be.
type TierSpec struct {
	Tier      Tier
	Budget    time.Duration
	Cap       int // elements kept after the visibility filter
	MaxScan   int // elements pulled from the facade
	Selectors []string

	Layout        bool
	FormInventory bool
	FormFields    bool
	Accessibility bool
	Grouping      bool
	Content       bool
	Base          float64 // confidence ceiling for the tier
}

// Selector groups are cumulative: every tier scans the previous tier's
// groups first, in the same order, then its own additions. Together with
// first-match dedup this makes each tier's element list extend the
// previous one.
var (
	lightningSelectors = []string{
		"button[type=submit]", "input[type=submit]", "input[type=image]",
		"button", "[role=button]", "input[type=button]",
		"a[href]",
		"input:not([type])", "input[type=text]", "input[type=email]", "input[type=search]",
		"input[type=password]", "input[type=tel]", "input[type=url]", "textarea",
	}
	quickSelectors = extend(lightningSelectors,
		"select", "input:not([type=hidden])",
		"[role=link]", "[role=checkbox]", "[role=radio]", "[role=tab]", "[role=menuitem]",
		"[role=switch]", "[role=combobox]", "[role=textbox]", "[role=searchbox]",
		"[onclick]", "summary", "label",
	)
	standardSelectors = extend(quickSelectors,
		"[tabindex]:not([tabindex='-1'])", "[contenteditable]", "option", "iframe",
		"h1", "h2", "h3", "img[alt]",
	)
	deepSelectors = extend(standardSelectors,
		"h4", "h5", "h6", "li", "th", "td", "[aria-label]", "[aria-describedby]", "[role]",
	)
)

func extend(base []string, more ...string) []string {
	out := make([]string, 0, len(base)+len(more))
	out = append(out, base...)
	return append(out, more...)
}

var specs = map[Tier]TierSpec{
	Lightning: {
		Tier: Lightning, Budget: 50 * time.Millisecond, Cap: 10, MaxScan: 100,
		Selectors: lightningSelectors, Base: 0.6,
	},
	Quick: {
		Tier: Quick, Budget: 200 * time.Millisecond, Cap: 30, MaxScan: 300,
		Selectors: quickSelectors, Layout: true, FormInventory: true, Base: 0.75,
	},
	Standard: {
		Tier: Standard, Budget: 500 * time.Millisecond, Cap: 200, MaxScan: 1500,
		Selectors: standardSelectors, Layout: true, FormInventory: true, FormFields: true,
		Accessibility: true, Content: true, Base: 0.85,
	},
	Deep: {
		Tier: Deep, Budget: 1000 * time.Millisecond, Cap: 500, MaxScan: 5000,
		Selectors: deepSelectors, Layout: true, FormInventory: true, FormFields: true,
		Accessibility: true, Grouping: true, Content: true, Base: 0.95,
	},
}

// Spec returns the declaration of a concrete tier. Adaptive has no spec of
// its own and returns Deep's, the furthest it can escalate.
func Spec(t Tier) TierSpec {
	if s, ok := specs[t]; ok {
		return s
	}
	return specs[Deep]
}
