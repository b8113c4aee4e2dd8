package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const maxLineBytes = 4 * 1024 * 1024

// ExportJSONL writes a run's events to w, one JSON object per line, in
// sequence order. It returns the number of events written.
func (l *Ledger) ExportJSONL(ctx context.Context, runID string, w io.Writer) (int, error) {
	events, err := l.Events(ctx, runID, Filter{})
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(w)
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("ledger: export seq %d: %w", e.Seq, err)
		}
		if _, err := bw.Write(line); err != nil {
			return 0, fmt.Errorf("ledger: export: %w", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return 0, fmt.Errorf("ledger: export: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("ledger: export: flush: %w", err)
	}
	return len(events), nil
}

// ReadJSONL parses an export back into events and checks that they belong
// to one run and that sequence numbers are dense and start at 1.
func ReadJSONL(r io.Reader) ([]Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	var out []Event
	line := 0
	for sc.Scan() {
		line++
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("ledger: line %d: %w", line, err)
		}
		if len(out) > 0 && e.RunID != out[0].RunID {
			return nil, fmt.Errorf("ledger: line %d: run %q in an export of %q", line, e.RunID, out[0].RunID)
		}
		if e.Seq != int64(len(out)+1) {
			return nil, fmt.Errorf("ledger: line %d: seq %d, want %d", line, e.Seq, len(out)+1)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ledger: read: %w", err)
	}
	return out, nil
}

// ExportSummary describes a verified export.
type ExportSummary struct {
	RunID  string         `json:"run_id"`
	Events int            `json:"events"`
	First  time.Time      `json:"first,omitzero"`
	Last   time.Time      `json:"last,omitzero"`
	Types  map[string]int `json:"types"`
}

// VerifyJSONL reads an export with ReadJSONL and summarizes it.
func VerifyJSONL(r io.Reader) (ExportSummary, error) {
	events, err := ReadJSONL(r)
	if err != nil {
		return ExportSummary{}, err
	}
	sum := ExportSummary{Events: len(events), Types: make(map[string]int)}
	for _, e := range events {
		sum.Types[e.Type]++
	}
	if len(events) > 0 {
		sum.RunID = events[0].RunID
		sum.First = events[0].At
		sum.Last = events[len(events)-1].At
	}
	return sum, nil
}
