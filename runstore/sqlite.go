package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/harvester/dbopen"
	"github.com/hazyhaar/harvester/runstate"
)

// Schema is the run_state table. A single row (slot = 1) holds the active
// run; revision increments on every write and is what watchers poll.
const Schema = `
CREATE TABLE IF NOT EXISTS run_state (
	slot       INTEGER PRIMARY KEY CHECK (slot = 1),
	run_id     TEXT NOT NULL,
	phase      TEXT NOT NULL,
	cursor     INTEGER NOT NULL,
	body       TEXT NOT NULL,
	revision   INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL
);
`

// SQLite is a Store backed by the run_state table.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates the table if needed and returns the store.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("runstore: schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Load returns the persisted state or ErrNotFound.
func (s *SQLite) Load(ctx context.Context) (*runstate.RunState, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM run_state WHERE slot = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: load: %w", err)
	}
	return decode(body)
}

// Save validates and writes st, replacing any previous state.
func (s *SQLite) Save(ctx context.Context, st *runstate.RunState) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.write(ctx, tx, st)
	})
}

// Update is an atomic read-modify-write.
func (s *SQLite) Update(ctx context.Context, fn func(*runstate.RunState) error) (*runstate.RunState, error) {
	var out *runstate.RunState
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var body string
		err := tx.QueryRowContext(ctx, `SELECT body FROM run_state WHERE slot = 1`).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("runstore: update: load: %w", err)
		}
		st, err := decode(body)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		if err := s.write(ctx, tx, st); err != nil {
			return err
		}
		out = st
		return nil
	})
	return out, err
}

// Replace is an atomic check-and-swap of the whole state.
func (s *SQLite) Replace(ctx context.Context, fn func(*runstate.RunState) (*runstate.RunState, error)) (*runstate.RunState, error) {
	var out *runstate.RunState
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var prev *runstate.RunState
		var body string
		err := tx.QueryRowContext(ctx, `SELECT body FROM run_state WHERE slot = 1`).Scan(&body)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("runstore: replace: load: %w", err)
		default:
			if prev, err = decode(body); err != nil {
				prev = nil
			}
		}
		next, err := fn(prev)
		if err != nil {
			return err
		}
		if err := s.write(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// Clear removes the active run.
func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := dbopen.Exec(ctx, s.db, `DELETE FROM run_state WHERE slot = 1`); err != nil {
		return fmt.Errorf("runstore: clear: %w", err)
	}
	return nil
}

// Revision returns the write counter of the stored row, 0 when empty.
func (s *SQLite) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision), 0) FROM run_state`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("runstore: revision: %w", err)
	}
	return rev, nil
}

func (s *SQLite) write(ctx context.Context, tx *sql.Tx, st *runstate.RunState) error {
	if err := st.Validate(); err != nil {
		return fmt.Errorf("runstore: save: %w", err)
	}
	st.UpdatedAt = s.now().UTC()
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("runstore: save: encode: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_state (slot, run_id, phase, cursor, body, revision, updated_at)
		VALUES (1, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(slot) DO UPDATE SET
			run_id = excluded.run_id,
			phase = excluded.phase,
			cursor = excluded.cursor,
			body = excluded.body,
			revision = run_state.revision + 1,
			updated_at = excluded.updated_at`,
		st.RunID, string(st.Phase), st.Cursor, string(body), st.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("runstore: save: %w", err)
	}
	return nil
}

func decode(body string) (*runstate.RunState, error) {
	var st runstate.RunState
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &st, nil
}
