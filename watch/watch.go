// Package watch polls a SQLite database for a version token and runs an
// action when it moves. The harvester daemon uses it to notice run-state
// edits made by another process (the CLI's start, stop and resume
// commands write the same database file).
//
//	w := watch.New(db, watch.Options{Interval: time.Second, Detector: watch.RunRevision})
//	go w.OnChange(ctx, func(v int64) error { driver.Notify(fsm.TriggerStore); return nil })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token. Two different values mean the
// watched data changed.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce delays the action until no further change was seen for this
	// long. 0 fires on the first poll that sees a change.
	Debounce time.Duration
	// Detector defaults to RunRevision.
	Detector ChangeDetector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = RunRevision
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls one database.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64
	checks  atomic.Int64
	fired   atomic.Int64
	errors  atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Version int64 `json:"version"`
	Checks  int64 `json:"checks"`
	Fired   int64 `json:"fired"`
	Errors  int64 `json:"errors"`
}

// New creates a Watcher. Call OnChange to start polling.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Version: w.version.Load(),
		Checks:  w.checks.Load(),
		Fired:   w.fired.Load(),
		Errors:  w.errors.Load(),
	}
}

// OnChange blocks until ctx is done. The version seen at start is the
// baseline; action runs for every later change. A failed action leaves
// the version unacknowledged so the next poll retries it.
func (w *Watcher) OnChange(ctx context.Context, action func(version int64) error) {
	log := w.opts.Logger

	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	pending := int64(-1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			pending = cur
			if w.opts.Debounce <= 0 {
				w.fire(action, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			if pending >= 0 {
				w.fire(action, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) fire(action func(int64) error, v int64) {
	if err := action(v); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Warn("watch: action failed", "version", v, "error", err)
		return
	}
	w.fired.Add(1)
	w.version.Store(v)
	w.opts.Logger.Debug("watch: change handled", "version", v)
}

// MaxColumnDetector polls MAX(column) on table. Identifiers are quoted.
func MaxColumnDetector(table, column string) ChangeDetector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

// RunRevision tracks the run store's revision counter, bumped on every
// run-state write.
var RunRevision = MaxColumnDetector("run_state", "revision")

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
