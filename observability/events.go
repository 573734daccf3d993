// CLAUDE:SUMMARY Asynchronous event journal over SQLite: batched flush loop, sync fallback when the buffer is full, filtered recent queries, retention cleanup.
// Package observability persists a journal of what dompilot did: every
// perception, action, session transition and recovered error becomes an
// Event row. Writes are batched by a background loop; a full buffer falls
// back to a synchronous insert so nothing is dropped silently.
//
// Usage:
//
//	db, err := observability.Open("")        // in-memory
//	log := observability.NewEventLog(db, observability.Config{})
//	defer log.Close()
//	log.LogAsync(&observability.Event{Kind: observability.KindAction, Op: "click"})
//	recent, err := log.Recent(ctx, observability.Filter{Limit: 20})
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/dompilot/fault"
	"github.com/hazyhaar/dompilot/idgen"
)

// Kind classifies an event.
type Kind string

const (
	KindPerception Kind = "perception"
	KindAction     Kind = "action"
	KindSession    Kind = "session"
	KindError      Kind = "error"
)

// Status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Event is one journal row.
type Event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Kind       Kind      `json:"kind"`
	SessionID  string    `json:"session_id,omitempty"`
	Op         string    `json:"op"`
	Status     string    `json:"status"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Detail     string    `json:"detail,omitempty"` // JSON
}

// Filter narrows Recent.
type Filter struct {
	SessionID string    `json:"session_id,omitempty"`
	Kind      Kind      `json:"kind,omitempty"`
	Since     time.Time `json:"since,omitzero"`
	Limit     int       `json:"limit,omitempty"` // default 50, max 1000
}

// Config parameterises an EventLog.
type Config struct {
	Buffer        int           // default: 1000
	BatchSize     int           // default: 100
	FlushInterval time.Duration // default: 1s
	IDs           idgen.Generator
	Now           func() time.Time
	Logger        *slog.Logger
}

func (c *Config) defaults() {
	if c.Buffer <= 0 {
		c.Buffer = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.IDs == nil {
		c.IDs = idgen.Event
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// EventLog writes events to SQLite. A nil *EventLog discards everything.
type EventLog struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	ch      chan *Event
	syncReq chan chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewEventLog starts the flush loop. The caller owns db.
func NewEventLog(db *sql.DB, cfg Config) *EventLog {
	cfg.defaults()
	l := &EventLog{
		db:      db,
		cfg:     cfg,
		logger:  cfg.Logger,
		ch:      make(chan *Event, cfg.Buffer),
		syncReq: make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

// NewEvent builds an event from an operation's outcome. detail is
// marshalled to JSON; err sets the status and, when typed, the code.
func (l *EventLog) NewEvent(kind Kind, sessionID, op string, detail any, err error, d time.Duration) *Event {
	e := &Event{
		Kind:       kind,
		SessionID:  sessionID,
		Op:         op,
		Status:     StatusOK,
		DurationMS: d.Milliseconds(),
	}
	if detail != nil {
		if b, jerr := json.Marshal(detail); jerr == nil {
			e.Detail = string(b)
		}
	}
	if err != nil {
		e.Status = StatusError
		e.Code = string(fault.CodeOf(err))
		e.Message = err.Error()
	}
	return e
}

// Log inserts e synchronously.
func (l *EventLog) Log(ctx context.Context, e *Event) error {
	if l == nil || e == nil {
		return nil
	}
	l.fill(e)
	return runTx(ctx, l.db, func(tx *sql.Tx) error { return insert(ctx, tx, e) })
}

// LogAsync queues e. A full buffer degrades to a synchronous insert.
func (l *EventLog) LogAsync(e *Event) {
	if l == nil || e == nil {
		return
	}
	l.fill(e)
	select {
	case <-l.done:
		l.logger.Warn("observability: event after close", "op", e.Op)
		return
	default:
	}
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("observability: event buffer full, sync fallback", "op", e.Op)
		if err := l.Log(context.Background(), e); err != nil {
			l.logger.Error("observability: sync fallback failed", "error", err)
		}
	}
}

// Sync blocks until every queued event has been written.
func (l *EventLog) Sync(ctx context.Context) error {
	if l == nil {
		return nil
	}
	ack := make(chan struct{})
	select {
	case l.syncReq <- ack:
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent returns matching events, newest first. Queued events are flushed
// before the query runs.
func (l *EventLog) Recent(ctx context.Context, f Filter) ([]Event, error) {
	if l == nil {
		return nil, nil
	}
	if err := l.Sync(ctx); err != nil {
		return nil, fmt.Errorf("observability: sync: %w", err)
	}
	q := `SELECT event_id, ts, kind, session_id, op, status, code, message, duration_ms, detail
		FROM events WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Kind != "" {
		q += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		q += " AND ts >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = 50
	case limit > 1000:
		limit = 1000
	}
	q += " ORDER BY ts DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts int64
		var kind string
		if err := rows.Scan(&e.ID, &ts, &kind, &e.SessionID, &e.Op, &e.Status,
			&e.Code, &e.Message, &e.DurationMS, &e.Detail); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		e.Time = time.UnixMilli(ts).UTC()
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than retention.
func (l *EventLog) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if l == nil {
		return 0, nil
	}
	cutoff := l.cfg.Now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, "DELETE FROM events WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush loop.
func (l *EventLog) Close() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

func (l *EventLog) fill(e *Event) {
	if e.ID == "" {
		e.ID = l.cfg.IDs()
	}
	if e.Time.IsZero() {
		e.Time = l.cfg.Now()
	}
	if e.Status == "" {
		e.Status = StatusOK
		if e.Message != "" {
			e.Status = StatusError
		}
	}
	if e.Detail == "" {
		e.Detail = "{}"
	}
}

func (l *EventLog) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	batch := make([]*Event, 0, l.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := runTx(ctx, l.db, func(tx *sql.Tx) error {
			for _, e := range batch {
				if err := insert(ctx, tx, e); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			l.logger.Error("observability: flush events", "error", err, "count", len(batch))
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case e := <-l.ch:
				batch = append(batch, e)
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case <-l.stop:
			drain()
			return
		case ack := <-l.syncReq:
			drain()
			close(ack)
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= l.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func insert(ctx context.Context, tx *sql.Tx, e *Event) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO events
		(event_id, ts, kind, session_id, op, status, code, message, duration_ms, detail)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Time.UnixMilli(), string(e.Kind), e.SessionID, e.Op, e.Status,
		e.Code, e.Message, e.DurationMS, e.Detail)
	if err != nil {
		return fmt.Errorf("observability: insert %s: %w", e.ID, err)
	}
	return nil
}
