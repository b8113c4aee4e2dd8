// Package observability records daemon liveness in the harvester database,
// so commands acting on the store can tell whether a daemon will pick up
// their change.
package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/hazyhaar/harvester/dbopen"
)

// Schema creates the heartbeat table. One row per daemon name.
const Schema = `
CREATE TABLE IF NOT EXISTS daemon_heartbeats (
	daemon_name      TEXT PRIMARY KEY,
	hostname         TEXT NOT NULL,
	pid              INTEGER NOT NULL,
	started_at       INTEGER NOT NULL,
	timestamp        INTEGER NOT NULL,
	goroutines_count INTEGER NOT NULL,
	memory_alloc_mb  REAL NOT NULL,
	memory_sys_mb    REAL NOT NULL,
	gc_count         INTEGER NOT NULL
);
`

// Init creates the schema.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("observability: schema: %w", err)
	}
	return nil
}

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
	MemorySysMB     float64
	GCCount         uint32
}

// CollectRuntimeMetrics reads current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:     float64(mem.Sys) / 1024 / 1024,
		GCCount:         mem.NumGC,
	}
}

// HeartbeatWriter upserts a liveness row for one daemon every interval.
type HeartbeatWriter struct {
	db        *sql.DB
	name      string
	hostname  string
	pid       int
	startedAt time.Time
	interval  time.Duration
	logger    *slog.Logger
}

// NewHeartbeatWriter creates a writer. interval <= 0 means 15s.
func NewHeartbeatWriter(db *sql.DB, name string, interval time.Duration, logger *slog.Logger) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatWriter{
		db:        db,
		name:      name,
		hostname:  hostname,
		pid:       os.Getpid(),
		startedAt: time.Now(),
		interval:  interval,
		logger:    logger,
	}
}

// Interval returns the beat interval.
func (hw *HeartbeatWriter) Interval() time.Duration { return hw.interval }

// WriteHeartbeat writes the current runtime metrics.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	m := CollectRuntimeMetrics()
	_, err := dbopen.Exec(ctx, hw.db, `
		INSERT INTO daemon_heartbeats (
			daemon_name, hostname, pid, started_at, timestamp,
			goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count
		) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(daemon_name) DO UPDATE SET
			hostname = excluded.hostname,
			pid = excluded.pid,
			started_at = excluded.started_at,
			timestamp = excluded.timestamp,
			goroutines_count = excluded.goroutines_count,
			memory_alloc_mb = excluded.memory_alloc_mb,
			memory_sys_mb = excluded.memory_sys_mb,
			gc_count = excluded.gc_count`,
		hw.name, hw.hostname, hw.pid, hw.startedAt.UnixMilli(), time.Now().UnixMilli(),
		m.GoroutinesCount, m.MemoryAllocMB, m.MemorySysMB, m.GCCount)
	if err != nil {
		return fmt.Errorf("observability: heartbeat: %w", err)
	}
	return nil
}

// Run writes one heartbeat immediately, then every interval until ctx is
// done. Write failures are logged, never fatal.
func (hw *HeartbeatWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	if err := hw.WriteHeartbeat(ctx); err != nil {
		hw.logger.Warn("observability: heartbeat write failed", "error", err, "daemon", hw.name)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := hw.WriteHeartbeat(ctx); err != nil && ctx.Err() == nil {
				hw.logger.Warn("observability: heartbeat write failed", "error", err, "daemon", hw.name)
			}
		}
	}
}

// HeartbeatStatus is the latest heartbeat of a daemon with a staleness check.
type HeartbeatStatus struct {
	Name            string         `json:"name"`
	Hostname        string         `json:"hostname"`
	PID             int            `json:"pid"`
	StartedAt       time.Time      `json:"started_at"`
	Timestamp       time.Time      `json:"timestamp"`
	GoroutinesCount int            `json:"goroutines_count"`
	MemoryAllocMB   float64        `json:"memory_alloc_mb"`
	MemorySysMB     float64        `json:"memory_sys_mb"`
	GCCount         int            `json:"gc_count"`
	Alive           bool           `json:"alive"`                 // last beat within the threshold
	StaleSince      *time.Duration `json:"stale_since,omitempty"` // how long past the threshold
}

// LatestHeartbeat returns the heartbeat of name. threshold is the
// alive/stale boundary, typically 3× the interval. Returns nil, nil when no
// daemon ever beat.
func LatestHeartbeat(ctx context.Context, db *sql.DB, name string, threshold time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT daemon_name, hostname, pid, started_at, timestamp,
		       goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count
		FROM daemon_heartbeats WHERE daemon_name = ?`, name)

	var hs HeartbeatStatus
	var started, ts int64
	err := row.Scan(&hs.Name, &hs.Hostname, &hs.PID, &started, &ts,
		&hs.GoroutinesCount, &hs.MemoryAllocMB, &hs.MemorySysMB, &hs.GCCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}

	hs.StartedAt = time.UnixMilli(started)
	hs.Timestamp = time.UnixMilli(ts)
	age := time.Since(hs.Timestamp)
	if age <= threshold {
		hs.Alive = true
	} else {
		stale := age - threshold
		hs.StaleSince = &stale
	}
	return &hs, nil
}
