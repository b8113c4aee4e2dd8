// Package ledger is the append-only audit trail of harvest runs plus the
// capture index (one row per item, upserted on re-capture).
//
// The ledger alone must explain what a run did and why it stopped: every
// phase transition, periodic enumerator rounds, every capture attempt and
// every failure are appended with enough payload to be replayed by hand.
// UPDATE and DELETE on ledger_events are rejected by triggers.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/harvester/dbopen"
	"github.com/hazyhaar/harvester/idgen"
)

// Event types.
const (
	RunStart        = "RUN_START"
	RunResume       = "RUN_RESUME"
	RunStop         = "RUN_STOP"
	RunComplete     = "RUN_COMPLETE"
	FailClosed      = "FAIL_CLOSED"
	PhaseEnter      = "PHASE_ENTER"
	DiscoveryBegin  = "DISCOVERY_BEGIN"
	DiscoveryRound  = "DISCOVERY_ROUND"
	DiscoveryDone   = "DISCOVERY_DONE"
	DiscoveryFailed = "DISCOVERY_FAILED"
	NavToItem       = "NAV_TO_ITEM"
	NavStall        = "NAV_STALL"
	BusyTimeout     = "BUSY_TIMEOUT"
	CaptureBegin    = "CAPTURE_BEGIN"
	CaptureEnd      = "CAPTURE_END"
	CaptureEmpty    = "CAPTURE_EMPTY"
	RecordIndexed   = "RECORD_INDEXED"
	SinkFailure     = "SINK_FAILURE"
	ReturnToAnchor  = "RETURN_TO_ANCHOR"
	RepairPlan      = "REPAIR_PLAN"
	RepairApplied   = "REPAIR_APPLIED"
)

// Schema creates the ledger and index tables.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	event_id  TEXT PRIMARY KEY,
	run_id    TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	ts        INTEGER NOT NULL,
	type      TEXT NOT NULL,
	phase     TEXT NOT NULL DEFAULT '',
	item_id   TEXT NOT NULL DEFAULT '',
	payload   TEXT NOT NULL DEFAULT '{}',
	UNIQUE (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_ledger_run_type ON ledger_events(run_id, type);

CREATE TRIGGER IF NOT EXISTS ledger_events_no_update
BEFORE UPDATE ON ledger_events
BEGIN
	SELECT RAISE(ABORT, 'ledger_events is append-only');
END;

CREATE TRIGGER IF NOT EXISTS ledger_events_no_delete
BEFORE DELETE ON ledger_events
BEGIN
	SELECT RAISE(ABORT, 'ledger_events is append-only');
END;

CREATE TABLE IF NOT EXISTS capture_index (
	item_id     TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	status      TEXT NOT NULL,
	turn_count  INTEGER NOT NULL,
	captured_at INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_capture_index_run ON capture_index(run_id);
`

// Event is one ledger entry. Payload is free-form and stored as JSON.
type Event struct {
	ID      string         `json:"event_id"`
	RunID   string         `json:"run_id"`
	Seq     int64          `json:"seq"`
	At      time.Time      `json:"ts"`
	Type    string         `json:"type"`
	Phase   string         `json:"phase,omitempty"`
	ItemID  string         `json:"item_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Ledger writes and reads events and index entries.
type Ledger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDGenerator overrides event id generation.
func WithIDGenerator(gen idgen.Generator) Option { return func(l *Ledger) { l.newID = gen } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// New applies the schema and returns a Ledger.
func New(db *sql.DB, opts ...Option) (*Ledger, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("ledger: schema: %w", err)
	}
	l := &Ledger{
		db:     db,
		newID:  idgen.EventID,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Append stores e, assigning id, sequence and timestamp when unset.
// Sequence numbers are dense per run.
func (l *Ledger) Append(ctx context.Context, e Event) (Event, error) {
	if e.RunID == "" {
		return Event{}, fmt.Errorf("ledger: append %s: empty run id", e.Type)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("ledger: append: empty type")
	}
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.At.IsZero() {
		e.At = l.now()
	}
	e.At = e.At.UTC()
	payload := []byte("{}")
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("ledger: append %s: payload: %w", e.Type, err)
		}
		payload = b
	}

	err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_events WHERE run_id = ?`, e.RunID,
		).Scan(&e.Seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_events (event_id, run_id, seq, ts, type, phase, item_id, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.RunID, e.Seq, e.At.UnixMilli(), e.Type, e.Phase, e.ItemID, string(payload))
		return err
	})
	if err != nil {
		return Event{}, fmt.Errorf("ledger: append %s: %w", e.Type, err)
	}
	l.logger.Debug("ledger: appended", "run_id", e.RunID, "seq", e.Seq, "type", e.Type, "item", e.ItemID)
	return e, nil
}

// Filter narrows Events.
type Filter struct {
	Types    []string
	ItemID   string
	AfterSeq int64
	Limit    int
}

// Events returns a run's events in sequence order.
func (l *Ledger) Events(ctx context.Context, runID string, f Filter) ([]Event, error) {
	q := `SELECT event_id, run_id, seq, ts, type, phase, item_id, payload
		FROM ledger_events WHERE run_id = ? AND seq > ?`
	args := []any{runID, f.AfterSeq}
	if len(f.Types) > 0 {
		q += " AND type IN (?" + strings.Repeat(",?", len(f.Types)-1) + ")"
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.ItemID != "" {
		q += " AND item_id = ?"
		args = append(args, f.ItemID)
	}
	q += " ORDER BY seq ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			ts      int64
			payload string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &ts, &e.Type, &e.Phase, &e.ItemID, &payload); err != nil {
			return nil, fmt.Errorf("ledger: events: scan: %w", err)
		}
		e.At = time.UnixMilli(ts).UTC()
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("ledger: events: payload seq %d: %w", e.Seq, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Runs lists run ids present in the ledger, most recent first.
func (l *Ledger) Runs(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id FROM ledger_events GROUP BY run_id ORDER BY MIN(ts) DESC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: runs: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: runs: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
