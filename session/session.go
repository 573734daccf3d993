package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/dompilot/action"
	"github.com/hazyhaar/dompilot/page"
	"github.com/hazyhaar/dompilot/perception"
	"github.com/hazyhaar/dompilot/perception/cache"
	"github.com/hazyhaar/dompilot/resolve"
)

// State is the health of a session.
type State string

const (
	Healthy   State = "healthy"
	Degraded  State = "degraded"
	Releasing State = "releasing"
	Closed    State = "closed"
)

// TierStat is a moving average of one tier's runs in a session.
type TierStat struct {
	Count        int     `json:"count"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	SuccessRate  float64 `json:"success_rate"`
}

// observe folds one sample in with weight 1/10; the first sample seeds
// the averages.
func (t *TierStat) observe(latency time.Duration, ok bool) {
	ms := float64(latency) / float64(time.Millisecond)
	hit := 0.0
	if ok {
		hit = 1
	}
	if t.Count == 0 {
		t.AvgLatencyMS, t.SuccessRate = ms, hit
	} else {
		t.AvgLatencyMS = (9*t.AvgLatencyMS + ms) / 10
		t.SuccessRate = (9*t.SuccessRate + hit) / 10
	}
	t.Count++
}

// Snapshot is a read-only copy of a session, published after every
// mutation.
type Snapshot struct {
	ID                  string                       `json:"id"`
	Created             time.Time                    `json:"created"`
	LastUsed            time.Time                    `json:"last_used"`
	State               State                        `json:"state"`
	LastError           string                       `json:"last_error,omitempty"`
	ConsecutiveFailures int                          `json:"consecutive_failures"`
	Identity            page.Identity                `json:"identity"`
	Identities          []page.Identity              `json:"identities,omitempty"`
	Actions             int                          `json:"actions"`
	Succeeded           int                          `json:"succeeded"`
	Failed              int                          `json:"failed"`
	Recent              []*action.Outcome            `json:"recent,omitempty"`
	Tiers               map[perception.Tier]TierStat `json:"tiers"`
	Cache               cache.Stats                  `json:"cache"`
}

const recentOutcomes = 10

// Session is one browser page with its cache, reinforcement table and
// history. Fields reached through accessors are only touched by the
// holder of the session lock; the snapshot is readable by anyone.
type Session struct {
	id       string
	created  time.Time
	page     page.Page
	cache    *cache.Cache
	learning *resolve.Learning

	sem      chan struct{} // exclusive mutator lock
	done     chan struct{} // closed on teardown
	lastUsed atomic.Int64  // unix nanos
	snap     atomic.Pointer[Snapshot]

	mu         sync.Mutex
	state      State
	lastError  string
	failures   int
	identities []page.Identity
	history    []*action.Outcome
	actions    int
	succeeded  int
	failed     int
	tiers      map[perception.Tier]*TierStat
	maxHistory int
	maxIDs     int
	degradedAt int
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Page() page.Page             { return s.page }
func (s *Session) Cache() *cache.Cache         { return s.cache }
func (s *Session) Learning() *resolve.Learning { return s.learning }

// Env returns the action environment bound to this session.
func (s *Session) Env() action.Env {
	return action.Env{Page: s.page, Cache: s.cache, Learning: s.learning}
}

func (s *Session) touch(now time.Time) { s.lastUsed.Store(now.UnixNano()) }

func (s *Session) idleSince() time.Time { return time.Unix(0, s.lastUsed.Load()) }

// RecordPerception folds a perception run into the tier statistics and
// identity history. Cache hits count toward neither latency nor health.
func (s *Session) RecordPerception(res *perception.Result, hit bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failLocked(err.Error())
		return
	}
	if res == nil {
		return
	}
	s.addIdentityLocked(res.Identity)
	if hit {
		return
	}
	st, ok := s.tiers[res.Tier]
	if !ok {
		st = &TierStat{}
		s.tiers[res.Tier] = st
	}
	st.observe(res.Duration, !res.Meta.Degraded)
	if res.Meta.Degraded {
		s.failLocked(res.Meta.Error)
	} else {
		s.okLocked()
	}
}

// RecordOutcome appends an action outcome to the bounded history.
func (s *Session) RecordOutcome(o *action.Outcome) {
	if o == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, o)
	if over := len(s.history) - s.maxHistory; over > 0 {
		s.history = append([]*action.Outcome(nil), s.history[over:]...)
	}
	s.actions++
	if o.Success {
		s.succeeded++
		s.okLocked()
	} else {
		s.failed++
		s.failLocked(o.Error)
	}
	if o.Identity.URL != "" {
		s.addIdentityLocked(o.Identity)
	}
}

// RecordIdentity notes the page identity after a navigation.
func (s *Session) RecordIdentity(id page.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addIdentityLocked(id)
}

// RecordError notes a failure that produced no outcome.
func (s *Session) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err.Error())
}

// History returns the recorded outcomes, oldest first.
func (s *Session) History() []*action.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*action.Outcome(nil), s.history...)
}

func (s *Session) addIdentityLocked(id page.Identity) {
	if n := len(s.identities); n > 0 && s.identities[n-1].Equal(id) {
		return
	}
	s.identities = append(s.identities, id)
	if over := len(s.identities) - s.maxIDs; over > 0 {
		s.identities = append([]page.Identity(nil), s.identities[over:]...)
	}
}

func (s *Session) okLocked() {
	s.failures = 0
	if s.state == Degraded {
		s.state = Healthy
	}
}

func (s *Session) failLocked(msg string) {
	s.failures++
	if msg != "" {
		s.lastError = msg
	}
	if s.state == Healthy && s.failures >= s.degradedAt {
		s.state = Degraded
	}
}

func (s *Session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Healthy || s.state == Degraded
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// publish stores a fresh snapshot.
func (s *Session) publish() {
	s.mu.Lock()
	snap := &Snapshot{
		ID:                  s.id,
		Created:             s.created,
		LastUsed:            s.idleSince(),
		State:               s.state,
		LastError:           s.lastError,
		ConsecutiveFailures: s.failures,
		Identities:          append([]page.Identity(nil), s.identities...),
		Actions:             s.actions,
		Succeeded:           s.succeeded,
		Failed:              s.failed,
		Tiers:               make(map[perception.Tier]TierStat, len(s.tiers)),
	}
	if n := len(s.identities); n > 0 {
		snap.Identity = s.identities[n-1]
	}
	from := max(0, len(s.history)-recentOutcomes)
	snap.Recent = append([]*action.Outcome(nil), s.history[from:]...)
	for t, st := range s.tiers {
		snap.Tiers[t] = *st
	}
	s.mu.Unlock()
	snap.Cache = s.cache.Stats()
	s.snap.Store(snap)
}
