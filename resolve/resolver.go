// CLAUDE:SUMMARY Element resolver: exact selector/id match, description and role scoring with reinforcement, live re-query fallback, optional external ranker.
// Package resolve maps a Target onto concrete elements of a perceived page.
// Resolution tries the cheap path first (exact match in the perception
// result), then scores every element, and only re-queries the live page
// when nothing clears the confidence threshold.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/dompilot/page"
	"github.com/hazyhaar/dompilot/perception"
)

// Strategies reported on candidates.
const (
	StrategyExact    = "exact"
	StrategySelector = "selector-live"
	StrategyScored   = "scored"
	StrategyLive     = "live"
)

// Candidate is one possible element for a target.
type Candidate struct {
	Element    perception.ElementDescriptor `json:"element"`
	Confidence float64                      `json:"confidence"`
	Strategy   string                       `json:"strategy"`
}

// Ranker reorders the top candidates, for example with a language model.
type Ranker interface {
	Rank(ctx context.Context, t Target, cands []Candidate) ([]Candidate, error)
}

// Config tunes a resolver.
type Config struct {
	Threshold     float64       // default: 0.5
	MaxCandidates int           // default: 5
	CallTimeout   time.Duration // default: 5s
	Ranker        Ranker
	Logger        *slog.Logger
}

func (c *Config) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = 0.5
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 5
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Resolver is stateless apart from its config; safe for concurrent use.
type Resolver struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a resolver.
func New(cfg Config) *Resolver {
	cfg.defaults()
	return &Resolver{cfg: cfg, logger: cfg.Logger}
}

// Threshold returns the minimum confidence a candidate needs.
func (r *Resolver) Threshold() float64 { return r.cfg.Threshold }

// Input is one resolution request.
type Input struct {
	Page     page.Page
	Target   Target
	Result   *perception.Result // may be nil: resolve live
	Learning *Learning
}

// Resolve returns candidates at or above the threshold, best first. An
// empty slice means nothing matched; only a facade failure during the
// live re-query is an error.
func (r *Resolver) Resolve(ctx context.Context, in Input) ([]Candidate, error) {
	if in.Target.IsZero() {
		return nil, nil
	}
	var id page.Identity
	if in.Result != nil {
		id = in.Result.Identity
	}

	var cands []Candidate
	if in.Target.Kind == KindSelector {
		if in.Result != nil {
			cands = exact(in.Result.Elements, in.Target.Value)
		}
		if len(cands) == 0 && in.Page != nil {
			live, liveID, err := r.live(ctx, in.Page, []string{in.Target.Value}, 0)
			if err != nil {
				return nil, err
			}
			id = liveID
			for _, d := range live {
				cands = append(cands, Candidate{Element: d, Confidence: 1, Strategy: StrategySelector})
			}
		}
		return r.finish(ctx, in, id, cands), nil
	}

	if in.Result != nil {
		cands = r.score(in.Result.Elements, in, id, StrategyScored)
	}
	if len(cands) == 0 && in.Page != nil {
		deep := perception.Spec(perception.Deep)
		live, liveID, err := r.live(ctx, in.Page, deep.Selectors, deep.MaxScan)
		if err != nil {
			return nil, err
		}
		r.logger.Debug("resolve: live re-query", "target", in.Target.String(), "elements", len(live))
		cands = r.score(live, in, liveID, StrategyLive)
		id = liveID
	}
	return r.finish(ctx, in, id, cands), nil
}

// exact matches a selector literally, or "#id" against the id attribute.
func exact(els []perception.ElementDescriptor, sel string) []Candidate {
	id := strings.TrimPrefix(sel, "#")
	plainID := strings.HasPrefix(sel, "#") && page.IDSelector(id) != ""
	var out []Candidate
	for _, d := range els {
		if d.Selector == sel || (plainID && d.Attr("id") == id) {
			out = append(out, Candidate{Element: d, Confidence: 1, Strategy: StrategyExact})
		}
	}
	return out
}

func (r *Resolver) score(els []perception.ElementDescriptor, in Input, id page.Identity, strategy string) []Candidate {
	var q query
	if in.Target.Kind == KindDescription {
		q = parseQuery(in.Target.Value)
	}
	var out []Candidate
	for _, d := range els {
		var s float64
		if in.Target.Kind == KindRole {
			s = scoreRole(d, in.Target.Value, in.Target.Name)
		} else {
			s = scoreDescription(d, q)
		}
		if s == 0 {
			continue
		}
		s = clamp01(s + in.Learning.Bonus(id, in.Target, d.Selector))
		if s >= r.cfg.Threshold {
			out = append(out, Candidate{Element: d, Confidence: s, Strategy: strategy})
		}
	}
	return out
}

func (r *Resolver) live(ctx context.Context, p page.Page, selectors []string, maxScan int) ([]perception.ElementDescriptor, page.Identity, error) {
	c, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	id, err := p.Identity(c)
	if err != nil {
		return nil, page.Identity{}, fmt.Errorf("resolve: live identity: %w", err)
	}
	raw, err := p.Query(c, selectors, maxScan)
	if err != nil {
		return nil, page.Identity{}, fmt.Errorf("resolve: live query: %w", err)
	}
	els, _ := perception.DescribeVisible(raw, 0)
	return els, id, nil
}

// finish sorts, trims and optionally hands the shortlist to the ranker.
func (r *Resolver) finish(ctx context.Context, in Input, id page.Identity, cands []Candidate) []Candidate {
	Rank(cands)
	if len(cands) > r.cfg.MaxCandidates {
		cands = cands[:r.cfg.MaxCandidates]
	}
	if r.cfg.Ranker == nil || len(cands) < 2 {
		return cands
	}
	ranked, err := r.cfg.Ranker.Rank(ctx, in.Target, cands)
	if err != nil || len(ranked) == 0 {
		r.logger.Warn("resolve: ranker failed, keeping heuristic order", "target", in.Target.String(), "url", id.URL, "error", err)
		return cands
	}
	return ranked
}

// Rank orders candidates: higher confidence, then interactive, then
// prominence, then larger area, then higher on the page, then document
// order.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Element.Interactive != b.Element.Interactive {
			return a.Element.Interactive
		}
		if pa, pb := perception.Prominence(a.Element), perception.Prominence(b.Element); pa != pb {
			return pa > pb
		}
		if aa, ab := a.Element.Box.Area(), b.Element.Box.Area(); aa != ab {
			return aa > ab
		}
		if a.Element.Box.Y != b.Element.Box.Y {
			return a.Element.Box.Y < b.Element.Box.Y
		}
		return a.Element.Order < b.Element.Order
	})
}
