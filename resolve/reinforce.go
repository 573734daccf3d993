package resolve

import (
	"sync"

	"github.com/hazyhaar/dompilot/page"
)

const (
	reinforceStep = 0.05
	reinforceCap  = 0.2
)

type learnKey struct {
	shape    string
	target   string
	selector string
}

// Learning is a per-session reinforcement table. Successful actions nudge
// the chosen element up for the same target on the same page shape,
// failures nudge it down. Safe for concurrent use; a nil *Learning is a
// valid empty table.
type Learning struct {
	mu sync.Mutex
	w  map[learnKey]float64
}

// NewLearning returns an empty table.
func NewLearning() *Learning {
	return &Learning{w: make(map[learnKey]float64)}
}

// Record adds one outcome, weighted by the confidence the element was
// resolved with.
func (l *Learning) Record(id page.Identity, t Target, selector string, success bool, confidence float64) {
	if l == nil || selector == "" {
		return
	}
	delta := reinforceStep * clamp01(confidence)
	if !success {
		delta = -delta
	}
	k := learnKey{shape: id.Shape(), target: t.Key(), selector: selector}
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.w[k] + delta
	v = max(-reinforceCap, min(reinforceCap, v))
	l.w[k] = v
}

// Bonus returns the accumulated adjustment, within ±0.2.
func (l *Learning) Bonus(id page.Identity, t Target, selector string) float64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w[learnKey{shape: id.Shape(), target: t.Key(), selector: selector}]
}

// Len returns the number of tracked (page, target, element) triples.
func (l *Learning) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.w)
}
