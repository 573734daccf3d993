package pilot

import (
	"context"
	"runtime"
	"time"

	"github.com/hazyhaar/dompilot/page"
	"github.com/hazyhaar/dompilot/perception/cache"
	"github.com/hazyhaar/dompilot/session"
)

// SessionHealth summarises one session for callers.
type SessionHealth struct {
	SessionID           string             `json:"session_id"`
	State               session.State      `json:"state"`
	LastError           string             `json:"last_error,omitempty"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	CacheHitRate        float64            `json:"cache_hit_rate"`
	AvgLatencyPerTier   map[string]float64 `json:"avg_latency_per_tier_ms"`
	SuccessRatePerTier  map[string]float64 `json:"success_rate_per_tier"`
	Actions             int                `json:"actions"`
	Succeeded           int                `json:"succeeded"`
	Failed              int                `json:"failed"`
	Cache               cache.Stats        `json:"cache"`
	Identity            page.Identity      `json:"identity"`
	Created             time.Time          `json:"created"`
	IdleFor             string             `json:"idle_for"`
}

// ResourceUsage is a runtime memory and scheduler snapshot.
type ResourceUsage struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
	NumGC          uint32 `json:"num_gc"`
}

// SystemHealth summarises the whole process.
type SystemHealth struct {
	Status           string         `json:"status"` // ok | degraded | saturated
	Version          string         `json:"version"`
	ActiveSessions   int            `json:"active_sessions"`
	MaxSessions      int            `json:"max_sessions"`
	DegradedSessions int            `json:"degraded_sessions"`
	Uptime           string         `json:"uptime"`
	ResourceUsage    ResourceUsage  `json:"resource_usage"`
	Totals           session.Totals `json:"totals"`
}

// SessionHealth reads the session's published snapshot without waiting
// for its lock.
func (p *Pilot) SessionHealth(ctx context.Context, id string) (*SessionHealth, error) {
	snap, err := p.sessions.Snapshot(id)
	if err != nil {
		return nil, err
	}
	h := &SessionHealth{
		SessionID:           snap.ID,
		State:               snap.State,
		LastError:           snap.LastError,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		CacheHitRate:        snap.Cache.HitRate(),
		AvgLatencyPerTier:   make(map[string]float64, len(snap.Tiers)),
		SuccessRatePerTier:  make(map[string]float64, len(snap.Tiers)),
		Actions:             snap.Actions,
		Succeeded:           snap.Succeeded,
		Failed:              snap.Failed,
		Cache:               snap.Cache,
		Identity:            snap.Identity,
		Created:             snap.Created,
		IdleFor:             time.Since(snap.LastUsed).Round(time.Millisecond).String(),
	}
	for t, st := range snap.Tiers {
		h.AvgLatencyPerTier[t.String()] = st.AvgLatencyMS
		h.SuccessRatePerTier[t.String()] = st.SuccessRate
	}
	return h, nil
}

// SystemHealth reports pool occupancy and runtime resource usage.
func (p *Pilot) SystemHealth(ctx context.Context) *SystemHealth {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snaps := p.sessions.Snapshots()
	h := &SystemHealth{
		Status:         "ok",
		Version:        Version,
		ActiveSessions: len(snaps),
		MaxSessions:    p.sessions.MaxSessions(),
		Uptime:         time.Since(p.started).Round(time.Second).String(),
		ResourceUsage: ResourceUsage{
			Goroutines:     runtime.NumGoroutine(),
			HeapAllocBytes: ms.HeapAlloc,
			SysBytes:       ms.Sys,
			NumGC:          ms.NumGC,
		},
		Totals: p.sessions.Totals(),
	}
	for _, s := range snaps {
		if s.State == session.Degraded {
			h.DegradedSessions++
		}
	}
	switch {
	case h.ActiveSessions >= h.MaxSessions:
		h.Status = "saturated"
	case h.DegradedSessions > 0:
		h.Status = "degraded"
	}
	return h
}
