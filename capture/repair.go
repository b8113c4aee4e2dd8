package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/harvester/ledger"
	"github.com/hazyhaar/harvester/runstate"
)

// Validation reasons.
const (
	ReasonMissingItemID = "MISSING_ITEM_ID"
	ReasonNoTurns       = "NO_TURNS"
	ReasonEmptyText     = "EMPTY_TEXT"
	ReasonUndecodable   = "UNDECODABLE"
)

// ModeDropInvalid is the only repair mode: remove invalid index entries.
const ModeDropInvalid = "drop_invalid"

// Issue is one invalid index entry.
type Issue struct {
	ItemID string `json:"item_id"`
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

// Validate classifies rec. EMPTY and TIMEOUT records are flagged outcomes,
// not invalid ones; only an OK record must carry text.
func Validate(rec runstate.Record) (string, bool) {
	if strings.TrimSpace(rec.ItemID) == "" {
		return ReasonMissingItemID, false
	}
	if rec.Status != runstate.StatusOK {
		return "", true
	}
	if len(rec.Turns) == 0 {
		return ReasonNoTurns, false
	}
	for _, t := range rec.Turns {
		if strings.TrimSpace(t.Text) == "" {
			return ReasonEmptyText, false
		}
	}
	return "", true
}

// RepairReport is the plan, and after Apply, its outcome.
type RepairReport struct {
	Mode    string  `json:"mode"`
	RunID   string  `json:"run_id,omitempty"`
	Scanned int     `json:"scanned"`
	Issues  []Issue `json:"issues"`
	Applied bool    `json:"applied"`
	Removed int     `json:"removed"`
}

// Repairer validates and optionally prunes the capture index.
type Repairer struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

// NewRepairer returns a Repairer. logger may be nil.
func NewRepairer(l *ledger.Ledger, logger *slog.Logger) *Repairer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repairer{ledger: l, logger: logger}
}

// maintenanceRun is the ledger run id for repairs not scoped to one run.
const maintenanceRun = "maintenance"

// Repair scans the index entries of runID (all runs when empty) and
// reports invalid ones. Nothing changes unless apply is set. The plan is
// always ledgered; the removal is ledgered when applied.
func (r *Repairer) Repair(ctx context.Context, runID string, apply bool) (RepairReport, error) {
	entries, err := r.ledger.IndexEntries(ctx, runID)
	if err != nil {
		return RepairReport{}, fmt.Errorf("capture: repair: %w", err)
	}
	rep := RepairReport{Mode: ModeDropInvalid, RunID: runID, Scanned: len(entries), Issues: []Issue{}}
	var ids []string
	for _, e := range entries {
		reason, ok := ReasonUndecodable, false
		if e.DecodeError == "" {
			reason, ok = Validate(e.Record)
		}
		if !ok {
			// Remove by the row key: a stored body may disagree with it.
			rep.Issues = append(rep.Issues, Issue{ItemID: e.ItemID, RunID: e.RunID, Reason: reason})
			ids = append(ids, e.ItemID)
		}
	}

	ledgerRun := runID
	if ledgerRun == "" {
		ledgerRun = maintenanceRun
	}
	if _, err := r.ledger.Append(ctx, ledger.Event{
		RunID: ledgerRun,
		Type:  ledger.RepairPlan,
		Payload: map[string]any{
			"mode": ModeDropInvalid, "scanned": rep.Scanned,
			"invalid": len(rep.Issues), "issues": rep.Issues, "dry_run": !apply,
		},
	}); err != nil {
		return rep, fmt.Errorf("capture: repair: %w", err)
	}
	r.logger.Info("capture: repair planned", "run_id", runID, "scanned", rep.Scanned, "invalid", len(rep.Issues), "apply", apply)

	if !apply || len(ids) == 0 {
		return rep, nil
	}

	n, err := r.ledger.RemoveIndex(ctx, ids)
	if err != nil {
		return rep, fmt.Errorf("capture: repair: %w", err)
	}
	rep.Applied = true
	rep.Removed = n
	if _, err := r.ledger.Append(ctx, ledger.Event{
		RunID:   ledgerRun,
		Type:    ledger.RepairApplied,
		Payload: map[string]any{"mode": ModeDropInvalid, "removed": n, "item_ids": ids},
	}); err != nil {
		return rep, fmt.Errorf("capture: repair: %w", err)
	}
	r.logger.Info("capture: repair applied", "run_id", runID, "removed", n)
	return rep, nil
}
