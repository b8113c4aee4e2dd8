// Package capture turns the current item view into a Record once the gate
// says it is readable.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hazyhaar/harvester/gate"
	"github.com/hazyhaar/harvester/runstate"
)

// Extraction is what a FieldExtractor found in the view.
type Extraction struct {
	Turns []runstate.Turn
	// Strategy names the extraction strategy that produced Turns.
	Strategy string
}

// FieldExtractor returns the ordered turns currently visible.
type FieldExtractor interface {
	Extract(ctx context.Context) (Extraction, error)
}

// Sink persists a Record outside the harvester. Writes must be safe to
// repeat for the same item id.
type Sink interface {
	Write(ctx context.Context, runID string, rec runstate.Record) error
}

// Capturer runs the gate and the field extractor for one item.
type Capturer struct {
	gate    *gate.Gate
	fields  FieldExtractor
	changes gate.ChangeSource
	now     func() time.Time
	logger  *slog.Logger
}

// NewCapturer wires a Capturer. changes may be nil.
func NewCapturer(g *gate.Gate, fields FieldExtractor, changes gate.ChangeSource, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{gate: g, fields: fields, changes: changes, now: time.Now, logger: logger}
}

// Capture builds the Record for item. When busyTimedOut is set the gate is
// skipped and whatever is visible is kept under a TIMEOUT status. The
// error is non-nil only when ctx is done.
func (c *Capturer) Capture(ctx context.Context, item runstate.ItemRef, busyTimedOut bool) (runstate.Record, error) {
	if busyTimedOut {
		ex, err := c.fields.Extract(ctx)
		if err != nil {
			c.logger.Warn("capture: extract after busy timeout failed", "item", item.ID, "error", err)
		}
		return Build(item, Dedup(ex.Turns), Evidence{Strategy: ex.Strategy, BusyTimedOut: true}, c.now()), nil
	}

	probe := func(ctx context.Context) (string, error) {
		ex, err := c.fields.Extract(ctx)
		if err != nil {
			return "", err
		}
		return LastText(ex.Turns), nil
	}
	ready, err := c.gate.Wait(ctx, c.changes, probe)
	if err != nil {
		return runstate.Record{}, fmt.Errorf("capture: gate: %w", err)
	}

	ex, err := c.fields.Extract(ctx)
	if err != nil {
		c.logger.Warn("capture: extract failed", "item", item.ID, "error", err)
	}
	ev := Evidence{
		Strategy:      ex.Strategy,
		Ready:         ready.Ready,
		Quiet:         ready.Quiet.Quiet,
		Changes:       ready.Quiet.Changes,
		StableAttempt: ready.Stable.Attempts,
	}
	rec := Build(item, Dedup(ex.Turns), ev, c.now())
	c.logger.Info("capture: built record", "item", item.ID, "status", rec.Status, "turns", len(rec.Turns), "strategy", ex.Strategy)
	return rec, nil
}

// Evidence is how a Record came to have its status.
type Evidence struct {
	Strategy      string
	Ready         bool
	Quiet         bool
	Changes       int
	StableAttempt int
	BusyTimedOut  bool
}

func (e Evidence) fields() map[string]string {
	m := map[string]string{
		"ready":          strconv.FormatBool(e.Ready),
		"quiet":          strconv.FormatBool(e.Quiet),
		"changes":        strconv.Itoa(e.Changes),
		"stable_attempt": strconv.Itoa(e.StableAttempt),
	}
	if e.Strategy != "" {
		m["strategy"] = e.Strategy
	}
	if e.BusyTimedOut {
		m["busy_timed_out"] = "true"
	}
	return m
}

// Build assigns the status:
//
//	TIMEOUT  the view stayed busy past its budget; partial turns are kept
//	OK       the gate stabilized and at least one turn was extracted
//	EMPTY    anything else; turns read from an unstable view move to
//	         Unverified
func Build(item runstate.ItemRef, turns []runstate.Turn, ev Evidence, now time.Time) runstate.Record {
	rec := runstate.Record{
		ItemID:     item.ID,
		Label:      item.Label,
		URL:        item.URL,
		CapturedAt: now.UTC(),
		Evidence:   ev.fields(),
	}
	switch {
	case ev.BusyTimedOut:
		rec.Status = runstate.StatusTimeout
		rec.Turns = turns
	case ev.Ready && len(turns) > 0:
		rec.Status = runstate.StatusOK
		rec.Turns = turns
	default:
		rec.Status = runstate.StatusEmpty
		if len(turns) > 0 {
			rec.Unverified = turns
			rec.Evidence["unverified_turns"] = strconv.Itoa(len(turns))
		}
	}
	if rec.Turns == nil {
		rec.Turns = []runstate.Turn{}
	}
	return rec
}

// Dedup removes exact (role, text) repeats, keeps first occurrences in
// order and renumbers Index from 0.
func Dedup(turns []runstate.Turn) []runstate.Turn {
	type key struct {
		role runstate.Role
		text string
	}
	seen := make(map[key]struct{}, len(turns))
	out := make([]runstate.Turn, 0, len(turns))
	for _, t := range turns {
		k := key{t.Role, t.Text}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		t.Index = len(out)
		out = append(out, t)
	}
	return out
}

// LastText returns the text of the last turn, or "".
func LastText(turns []runstate.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	return turns[len(turns)-1].Text
}
