package resolve

import (
	"strings"
	"unicode"

	"github.com/hazyhaar/dompilot/perception"
)

// Scoring weights.
const (
	textWeight   = 0.6
	phraseWeight = 0.2
	roleWeight   = 0.25
	prefixCredit = 0.5
	minPrefix    = 3
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "to": true, "on": true, "in": true, "of": true,
	"for": true, "and": true, "with": true, "this": true, "that": true, "click": true,
	"press": true,
}

// roleWords maps words in a description to the roles they name.
var roleWords = map[string][]string{
	"button":   {"button"},
	"btn":      {"button"},
	"link":     {"link"},
	"field":    {"textbox", "searchbox", "combobox"},
	"input":    {"textbox", "searchbox", "combobox"},
	"textbox":  {"textbox"},
	"box":      {"textbox", "searchbox", "checkbox"},
	"search":   {"searchbox"},
	"checkbox": {"checkbox"},
	"radio":    {"radio"},
	"dropdown": {"combobox", "listbox"},
	"select":   {"combobox", "listbox"},
	"tab":      {"tab"},
	"menu":     {"menuitem"},
	"heading":  {"heading"},
	"image":    {"img"},
}

func tokenize(s string) []string {
	f := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := f[:0]
	for _, w := range f {
		if !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

// query is a parsed description: content words plus the roles its role
// words named. "search" counts as both.
type query struct {
	words  []string
	phrase string
	roles  map[string]bool
}

func parseQuery(desc string) query {
	q := query{roles: map[string]bool{}}
	for _, w := range tokenize(desc) {
		roles, isRole := roleWords[w]
		for _, r := range roles {
			q.roles[r] = true
		}
		if !isRole || w == "search" {
			q.words = append(q.words, w)
		}
	}
	q.phrase = strings.Join(q.words, " ")
	return q
}

func haystack(d perception.ElementDescriptor) []string {
	parts := []string{d.Text, d.Label}
	for _, a := range []string{"aria-label", "name", "id", "placeholder", "title", "value", "alt"} {
		parts = append(parts, d.Attr(a))
	}
	return tokenize(strings.Join(parts, " "))
}

// scoreDescription rates how well d matches q, in [0, 1] before
// reinforcement.
func scoreDescription(d perception.ElementDescriptor, q query) float64 {
	roleHit := len(q.roles) > 0 && q.roles[d.Role]
	if len(q.words) == 0 {
		// A bare role word ("the button") matches on role alone.
		if roleHit {
			return textWeight + roleWeight
		}
		return 0
	}

	hay := haystack(d)
	credit := 0.0
	for _, w := range q.words {
		credit += wordCredit(w, hay)
	}
	s := textWeight * credit / float64(len(q.words))

	if q.phrase != "" {
		text := strings.Join(tokenize(d.Text+" "+d.Label), " ")
		if text == q.phrase || strings.Contains(" "+text+" ", " "+q.phrase+" ") {
			s += phraseWeight
		}
	}
	if roleHit {
		s += roleWeight
	}
	return s
}

func wordCredit(w string, hay []string) float64 {
	best := 0.0
	for _, h := range hay {
		if h == w {
			return 1
		}
		if len(w) >= minPrefix && len(h) >= minPrefix && (strings.HasPrefix(h, w) || strings.HasPrefix(w, h)) {
			best = prefixCredit
		}
	}
	return best
}

// scoreRole rates a role target: the role must match; the name, when
// given, is scored like a description.
func scoreRole(d perception.ElementDescriptor, role, name string) float64 {
	if d.Role != role {
		return 0
	}
	if strings.TrimSpace(name) == "" {
		return textWeight + roleWeight
	}
	q := parseQuery(name)
	if len(q.words) == 0 {
		return textWeight + roleWeight
	}
	q.roles = map[string]bool{role: true}
	return scoreDescription(d, q)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
