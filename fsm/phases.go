package fsm

import (
	"context"
	"errors"

	"github.com/hazyhaar/harvester/enumerate"
	"github.com/hazyhaar/harvester/gate"
	"github.com/hazyhaar/harvester/ledger"
	"github.com/hazyhaar/harvester/runstate"
)

func (m *Machine) discover(ctx context.Context, st *runstate.RunState) (Outcome, error) {
	if !m.at(ctx, st.AnchorURL) {
		if err := m.nav.Navigate(ctx, st.AnchorURL); err != nil {
			m.logger.Warn("fsm: navigate to anchor failed", "run_id", st.RunID, "error", err)
		}
		m.arrive(ctx, st.AnchorURL)
	}

	m.event(ctx, st, ledger.DiscoveryBegin, "", map[string]any{"anchor": st.AnchorURL})
	res, err := m.enum.Run(ctx, enumerate.Hooks{
		OnRound: func(r enumerate.Round) {
			if r.Added > 0 || r.Index%m.cfg.DiscoveryLogEvery == 0 {
				m.event(ctx, st, ledger.DiscoveryRound, "", map[string]any{
					"round": r.Index, "size": r.Size, "added": r.Added, "stable": r.Stable,
				})
			}
		},
		Stop: m.stopRequested,
	})
	if errors.Is(err, enumerate.ErrStopped) {
		return m.honourStop(ctx, st)
	}
	if err != nil {
		return Waiting, err
	}
	if !res.OK {
		m.event(ctx, st, ledger.DiscoveryFailed, "", map[string]any{"reason": res.Reason, "rounds": res.Rounds + 1})
		return m.fail(ctx, st, runstate.EnumerationFailure, res.Reason)
	}

	st.Queue = res.Items
	st.Cursor = 0
	st.NavAttempts = 0
	if err := m.enter(ctx, st, runstate.OpenItem, map[string]any{"queue": len(res.Items)}); err != nil {
		return Idle, err
	}
	m.event(ctx, st, ledger.DiscoveryDone, "", map[string]any{"count": len(res.Items), "rounds": res.Rounds + 1})
	return Advanced, nil
}

func (m *Machine) openItem(ctx context.Context, st *runstate.RunState) (Outcome, error) {
	item, ok := st.Current()
	if !ok {
		return m.finish(ctx, st)
	}
	st.NavAttempts = 1
	if err := m.enter(ctx, st, runstate.InItem, map[string]any{"item": item.ID}); err != nil {
		return Idle, err
	}
	m.navigateToItem(ctx, st, item)
	return Advanced, nil
}

func (m *Machine) navigateToItem(ctx context.Context, st *runstate.RunState, item runstate.ItemRef) {
	m.event(ctx, st, ledger.NavToItem, item.ID, map[string]any{"url": item.URL, "attempt": st.NavAttempts})
	if err := m.nav.Navigate(ctx, item.URL); err != nil {
		m.logger.Warn("fsm: navigate failed", "run_id", st.RunID, "item", item.ID, "error", err)
	}
}

func (m *Machine) inItem(ctx context.Context, st *runstate.RunState) (Outcome, error) {
	item, ok := st.Current()
	if !ok {
		return m.finish(ctx, st)
	}

	if !m.arrive(ctx, item.URL) {
		if err := ctx.Err(); err != nil {
			return Waiting, err
		}
		if st.NavAttempts < m.cfg.MaxNavAttempts {
			st.NavAttempts++
			if err := m.persist(ctx, st, false); err != nil {
				return Idle, err
			}
			m.navigateToItem(ctx, st, item)
			return Waiting, nil
		}
		m.recordFailure(ctx, st, item, runstate.NavigationStall, "target view never became current")
		m.event(ctx, st, ledger.NavStall, item.ID, map[string]any{"attempts": st.NavAttempts})
		return m.advance(ctx, st)
	}

	cleared, err := gate.Poll(ctx, m.cfg.BusyBudget, m.cfg.BusyPoll, func(ctx context.Context) (bool, error) {
		if m.busy == nil {
			return true, nil
		}
		busy, err := m.busy.Busy(ctx)
		return !busy, err
	})
	if err != nil {
		return Waiting, err
	}
	if !cleared {
		m.recordFailure(ctx, st, item, runstate.BusyTimeout, "view still busy after budget")
		m.event(ctx, st, ledger.BusyTimeout, item.ID, map[string]any{"budget_ms": m.cfg.BusyBudget.Milliseconds()})
	}

	m.event(ctx, st, ledger.CaptureBegin, item.ID, nil)
	rec, err := m.capt.Capture(ctx, item, !cleared)
	if err != nil {
		// Only cancellation lands here; the next tick redoes the item.
		return Waiting, err
	}
	if rec.Status == runstate.StatusEmpty {
		m.recordFailure(ctx, st, item, runstate.CaptureEmpty, "no stable turns in view")
		m.event(ctx, st, ledger.CaptureEmpty, item.ID, map[string]any{"evidence": rec.Evidence})
	}
	m.event(ctx, st, ledger.CaptureEnd, item.ID, map[string]any{"status": string(rec.Status), "turns": len(rec.Turns)})

	if m.ledger != nil {
		if err := m.ledger.UpsertIndex(ctx, st.RunID, rec); err != nil {
			m.logger.Error("fsm: index upsert failed", "run_id", st.RunID, "item", item.ID, "error", err)
		} else {
			m.event(ctx, st, ledger.RecordIndexed, item.ID, map[string]any{"status": string(rec.Status)})
		}
	}
	if m.sink != nil {
		if err := m.sink.Write(ctx, st.RunID, rec); err != nil {
			m.recordFailure(ctx, st, item, runstate.SinkFailure, err.Error())
			m.event(ctx, st, ledger.SinkFailure, item.ID, map[string]any{"error": err.Error()})
		}
	}

	st.Captured = append(st.Captured, rec.Summary())
	return m.advance(ctx, st)
}

// advance settles queue[cursor] and leaves the item view.
func (m *Machine) advance(ctx context.Context, st *runstate.RunState) (Outcome, error) {
	st.Cursor++
	st.NavAttempts = 0
	if m.cfg.DirectNext {
		if err := m.enter(ctx, st, runstate.Return, map[string]any{"direct": true}); err != nil {
			return Idle, err
		}
		return Advanced, nil
	}
	st.NavAttempts = 1
	if err := m.enter(ctx, st, runstate.Return, nil); err != nil {
		return Idle, err
	}
	m.event(ctx, st, ledger.ReturnToAnchor, "", map[string]any{"url": st.AnchorURL})
	if err := m.nav.Navigate(ctx, st.AnchorURL); err != nil {
		m.logger.Warn("fsm: navigate to anchor failed", "run_id", st.RunID, "error", err)
	}
	return Advanced, nil
}

func (m *Machine) returnToAnchor(ctx context.Context, st *runstate.RunState) (Outcome, error) {
	if st.Cursor >= len(st.Queue) {
		return m.finish(ctx, st)
	}
	if !m.cfg.DirectNext && !m.arrive(ctx, st.AnchorURL) {
		if err := ctx.Err(); err != nil {
			return Waiting, err
		}
		if st.NavAttempts < m.cfg.MaxNavAttempts {
			st.NavAttempts++
			if err := m.persist(ctx, st, false); err != nil {
				return Idle, err
			}
			m.event(ctx, st, ledger.ReturnToAnchor, "", map[string]any{"url": st.AnchorURL, "attempt": st.NavAttempts})
			if err := m.nav.Navigate(ctx, st.AnchorURL); err != nil {
				m.logger.Warn("fsm: navigate to anchor failed", "run_id", st.RunID, "error", err)
			}
			return Waiting, nil
		}
		// Items are opened by URL; a missing anchor only costs the detour.
		m.logger.Warn("fsm: anchor never became current, continuing", "run_id", st.RunID, "cursor", st.Cursor)
	}
	st.NavAttempts = 0
	if err := m.enter(ctx, st, runstate.OpenItem, nil); err != nil {
		return Idle, err
	}
	return Advanced, nil
}

func (m *Machine) recordFailure(ctx context.Context, st *runstate.RunState, item runstate.ItemRef, kind runstate.FailureKind, reason string) {
	st.Failures = append(st.Failures, runstate.FailureEvent{
		Kind: kind, ItemID: item.ID, Cursor: st.Cursor, Phase: st.Phase, Reason: reason, At: m.now().UTC(),
	})
	m.logger.Warn("fsm: item failure", "run_id", st.RunID, "item", item.ID, "kind", kind, "reason", reason)
}

// at reports whether the browser currently shows url.
func (m *Machine) at(ctx context.Context, url string) bool {
	cur, err := m.nav.CurrentURL(ctx)
	return err == nil && runstate.SameLocation(cur, url)
}

// arrive waits up to NavWait for the browser to show url.
func (m *Machine) arrive(ctx context.Context, url string) bool {
	ok, _ := gate.Poll(ctx, m.cfg.NavWait, m.cfg.NavPoll, func(ctx context.Context) (bool, error) {
		return m.at(ctx, url), nil
	})
	return ok
}

func (m *Machine) stopRequested(ctx context.Context) bool {
	st, err := m.store.Load(ctx)
	return err == nil && st.StopRequested
}
