package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/harvester/dbopen"
	"github.com/hazyhaar/harvester/runstate"
)

// UpsertIndex stores rec keyed by item id. Re-capturing an item replaces
// its entry.
func (l *Ledger) UpsertIndex(ctx context.Context, runID string, rec runstate.Record) error {
	if rec.ItemID == "" {
		return fmt.Errorf("ledger: index: empty item id")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: index: encode: %w", err)
	}
	_, err = dbopen.Exec(ctx, l.db, `
		INSERT INTO capture_index (item_id, run_id, status, turn_count, captured_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			run_id = excluded.run_id,
			status = excluded.status,
			turn_count = excluded.turn_count,
			captured_at = excluded.captured_at,
			updated_at = excluded.updated_at,
			body = excluded.body`,
		rec.ItemID, runID, string(rec.Status), len(rec.Turns),
		rec.CapturedAt.UnixMilli(), l.now().UnixMilli(), string(body))
	if err != nil {
		return fmt.Errorf("ledger: index %s: %w", rec.ItemID, err)
	}
	return nil
}

// IndexEntry is a capture_index row. ItemID is the row key and is set even
// when the stored body fails to decode; DecodeError then says why and
// Record is zero.
type IndexEntry struct {
	ItemID      string          `json:"item_id"`
	RunID       string          `json:"run_id"`
	Record      runstate.Record `json:"record"`
	DecodeError string          `json:"decode_error,omitempty"`
}

// Index returns the entry for itemID.
func (l *Ledger) Index(ctx context.Context, itemID string) (IndexEntry, bool, error) {
	e := IndexEntry{ItemID: itemID}
	var body string
	err := l.db.QueryRowContext(ctx,
		`SELECT run_id, body FROM capture_index WHERE item_id = ?`, itemID).Scan(&e.RunID, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return IndexEntry{}, false, nil
	}
	if err != nil {
		return IndexEntry{}, false, fmt.Errorf("ledger: index %s: %w", itemID, err)
	}
	if err := json.Unmarshal([]byte(body), &e.Record); err != nil {
		return IndexEntry{}, false, fmt.Errorf("ledger: index %s: decode: %w", itemID, err)
	}
	return e, true, nil
}

// IndexEntries lists index entries ordered by capture time. An empty runID
// lists every run.
func (l *Ledger) IndexEntries(ctx context.Context, runID string) ([]IndexEntry, error) {
	q := `SELECT item_id, run_id, body FROM capture_index`
	var args []any
	if runID != "" {
		q += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	q += ` ORDER BY captured_at ASC, item_id ASC`

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: index entries: %w", err)
	}
	defer rows.Close()

	var out []IndexEntry
	for rows.Next() {
		var e IndexEntry
		var body string
		if err := rows.Scan(&e.ItemID, &e.RunID, &body); err != nil {
			return nil, fmt.Errorf("ledger: index entries: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &e.Record); err != nil {
			e.Record = runstate.Record{}
			e.DecodeError = err.Error()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RemoveIndex deletes the given item ids and returns how many rows went.
// The ledger itself is never touched.
func (l *Ledger) RemoveIndex(ctx context.Context, itemIDs []string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	var removed int64
	err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		args := make([]any, len(itemIDs))
		for i, id := range itemIDs {
			args[i] = id
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM capture_index WHERE item_id IN (?`+strings.Repeat(",?", len(itemIDs)-1)+`)`, args...)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: remove index: %w", err)
	}
	return int(removed), nil
}
