package observability

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/dompilot/fault"
	"github.com/hazyhaar/dompilot/idgen"
)

func setupLog(t *testing.T, cfg Config) *EventLog {
	t.Helper()
	db, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	l := NewEventLog(db, cfg)
	t.Cleanup(func() {
		l.Close()
		db.Close()
	})
	return l
}

type fakeClock struct{ ms atomic.Int64 }

func (c *fakeClock) Now() time.Time { return time.UnixMilli(c.ms.Add(1)) }

func TestOpen_CreatesEventsTable(t *testing.T) {
	db, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='events'").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("events table missing")
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "events.db")
	db, err := Open(path, WithMkdirAll())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q", mode)
	}
}

func TestLogAsync_RecentSeesQueuedEvents(t *testing.T) {
	clk := &fakeClock{}
	l := setupLog(t, Config{FlushInterval: time.Hour, Now: clk.Now})

	for i := 0; i < 5; i++ {
		l.LogAsync(&Event{Kind: KindAction, SessionID: "ses_a", Op: fmt.Sprintf("click-%d", i)})
	}
	l.LogAsync(&Event{Kind: KindPerception, SessionID: "ses_b", Op: "perceive"})

	got, err := l.Recent(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 6 {
		t.Fatalf("recent = %d events", len(got))
	}
	if got[0].Op != "perceive" || got[5].Op != "click-0" {
		t.Errorf("order: first %s last %s", got[0].Op, got[5].Op)
	}
	if _, err := idgen.Parse(idgen.EventPrefix, got[0].ID); err != nil {
		t.Errorf("event id: %v", err)
	}

	bySession, _ := l.Recent(context.Background(), Filter{SessionID: "ses_a", Limit: 2})
	if len(bySession) != 2 || bySession[0].Op != "click-4" {
		t.Errorf("by session = %+v", bySession)
	}
	byKind, _ := l.Recent(context.Background(), Filter{Kind: KindPerception})
	if len(byKind) != 1 || byKind[0].SessionID != "ses_b" {
		t.Errorf("by kind = %+v", byKind)
	}
}

func TestNewEvent_ClassifiesErrors(t *testing.T) {
	l := setupLog(t, Config{})
	e := l.NewEvent(KindError, "ses_x", "release", map[string]int{"n": 1},
		fault.New(fault.SessionNotFound, "session: release", errors.New("gone")), 1500*time.Millisecond)
	if e.Status != StatusError || e.Code != string(fault.SessionNotFound) || e.DurationMS != 1500 {
		t.Errorf("event = %+v", e)
	}
	if e.Detail != `{"n":1}` {
		t.Errorf("detail = %s", e.Detail)
	}
	if err := l.Log(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	got, err := l.Recent(context.Background(), Filter{Kind: KindError})
	if err != nil || len(got) != 1 {
		t.Fatalf("recent = %v, %v", got, err)
	}
	if got[0].Code != "session_not_found" || got[0].Message == "" {
		t.Errorf("stored = %+v", got[0])
	}
}

func TestLogAsync_BufferFullFallsBack(t *testing.T) {
	l := setupLog(t, Config{Buffer: 1, BatchSize: 1000, FlushInterval: time.Hour})
	for i := 0; i < 20; i++ {
		l.LogAsync(&Event{Kind: KindSession, Op: "acquire"})
	}
	got, err := l.Recent(context.Background(), Filter{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 20 {
		t.Errorf("stored %d of 20", len(got))
	}
}

func TestCleanup(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := setupLog(t, Config{Now: func() time.Time { return now }})
	ctx := context.Background()
	l.Log(ctx, &Event{Kind: KindAction, Op: "old", Time: now.Add(-48 * time.Hour)})
	l.Log(ctx, &Event{Kind: KindAction, Op: "new", Time: now.Add(-time.Minute)})

	n, err := l.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d", n)
	}
	got, _ := l.Recent(ctx, Filter{})
	if len(got) != 1 || got[0].Op != "new" {
		t.Errorf("remaining = %+v", got)
	}
}

func TestNilEventLog(t *testing.T) {
	var l *EventLog
	l.LogAsync(&Event{Op: "x"})
	if err := l.Log(context.Background(), &Event{}); err != nil {
		t.Error(err)
	}
	if got, err := l.Recent(context.Background(), Filter{}); got != nil || err != nil {
		t.Errorf("recent = %v, %v", got, err)
	}
	if err := l.Close(); err != nil {
		t.Error(err)
	}
}

func TestClose_FlushesQueue(t *testing.T) {
	db, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	l := NewEventLog(db, Config{FlushInterval: time.Hour})
	for i := 0; i < 3; i++ {
		l.LogAsync(&Event{Kind: KindAction, Op: "type"})
	}
	l.Close()
	l.Close()

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("flushed %d of 3", n)
	}
}
