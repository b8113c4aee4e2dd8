// Package fsm sequences a harvest run: enumerate the list once, then open,
// capture and leave one queue item per tick until the queue is exhausted.
//
// A tick reloads RunState from the store before doing anything, so the
// first tick after a browser reload or process restart behaves like any
// other. State is persisted before every navigation: the navigation may
// tear the page down before the next statement runs.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/harvester/enumerate"
	"github.com/hazyhaar/harvester/idgen"
	"github.com/hazyhaar/harvester/ledger"
	"github.com/hazyhaar/harvester/runstate"
	"github.com/hazyhaar/harvester/runstore"
)

var (
	// ErrNoRun is returned by control operations when no run exists.
	ErrNoRun = errors.New("fsm: no run")
	// ErrRunActive is returned by Start while another run is active.
	ErrRunActive = errors.New("fsm: a run is already active")
	// ErrNotResumable is returned by Resume for finished or failed runs.
	ErrNotResumable = errors.New("fsm: run is not resumable")
	// ErrSuperseded aborts a tick whose run was replaced mid-tick.
	ErrSuperseded = errors.New("fsm: run superseded")
)

// Navigator moves the browser. Navigate is fire-and-forget; arrival is
// observed through CurrentURL.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
}

// BusyProbe reports an in-progress long-running operation in the view.
type BusyProbe interface {
	Busy(ctx context.Context) (bool, error)
}

// Enumerator builds the work queue.
type Enumerator interface {
	Run(ctx context.Context, h enumerate.Hooks) (enumerate.Result, error)
}

// Capturer produces the Record for the item in view.
type Capturer interface {
	Capture(ctx context.Context, item runstate.ItemRef, busyTimedOut bool) (runstate.Record, error)
}

// Sink receives every Record.
type Sink interface {
	Write(ctx context.Context, runID string, rec runstate.Record) error
}

// Config tunes waits and retries.
type Config struct {
	// BusyBudget bounds the wait for an in-progress operation to clear.
	BusyBudget time.Duration
	BusyPoll   time.Duration
	// NavWait bounds one wait for a navigation to land.
	NavWait time.Duration
	NavPoll time.Duration
	// MaxNavAttempts is how many navigations an item gets before it is
	// failed with NAVIGATION_STALL.
	MaxNavAttempts int
	// DirectNext skips the anchor between items.
	DirectNext bool
	// DiscoveryLogEvery ledgers every Nth enumerator round (and any round
	// that grew the set).
	DiscoveryLogEvery int
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.BusyBudget <= 0 {
		c.BusyBudget = 45 * time.Second
	}
	if c.BusyPoll <= 0 {
		c.BusyPoll = 500 * time.Millisecond
	}
	if c.NavWait <= 0 {
		c.NavWait = 10 * time.Second
	}
	if c.NavPoll <= 0 {
		c.NavPoll = 250 * time.Millisecond
	}
	if c.MaxNavAttempts <= 0 {
		c.MaxNavAttempts = 3
	}
	if c.DiscoveryLogEvery <= 0 {
		c.DiscoveryLogEvery = 25
	}
}

// Deps are the Machine's collaborators.
type Deps struct {
	Store      runstore.Store
	Ledger     *ledger.Ledger
	Enumerator Enumerator
	Navigator  Navigator
	Busy       BusyProbe
	Capturer   Capturer
	Sink       Sink
	Logger     *slog.Logger
	// RunID mints run ids. Default idgen.RunID.
	RunID idgen.Generator
	Now   func() time.Time
}

// Machine is the run state machine. Ticks are serialized; a tick that
// arrives while another runs returns Busy without touching state.
type Machine struct {
	cfg    Config
	store  runstore.Store
	ledger *ledger.Ledger
	enum   Enumerator
	nav    Navigator
	busy   BusyProbe
	capt   Capturer
	sink   Sink
	logger *slog.Logger
	runID  idgen.Generator
	now    func() time.Time

	tickMu sync.Mutex
}

// New builds a Machine.
func New(cfg Config, d Deps) *Machine {
	cfg.Defaults()
	m := &Machine{
		cfg: cfg, store: d.Store, ledger: d.Ledger, enum: d.Enumerator,
		nav: d.Navigator, busy: d.Busy, capt: d.Capturer, sink: d.Sink,
		logger: d.Logger, runID: d.RunID, now: d.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.runID == nil {
		m.runID = idgen.RunID
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Outcome is what a tick did.
type Outcome int

const (
	// Idle: no active run.
	Idle Outcome = iota
	// Busy: another tick holds the machine.
	Busy
	// Advanced: the phase moved; tick again.
	Advanced
	// Waiting: an external event (navigation) is pending.
	Waiting
	// Done: the queue is exhausted.
	Done
	// Failed: the run is in FAIL.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Advanced:
		return "advanced"
	case Waiting:
		return "waiting"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Start begins a new run enumerating anchor. It refuses while another run
// is active; a stopped, finished or failed run is replaced.
func (m *Machine) Start(ctx context.Context, anchor string) (*runstate.RunState, error) {
	if _, ok := runstate.Canonicalize(anchor); !ok {
		return nil, fmt.Errorf("fsm: start: invalid anchor %q", anchor)
	}
	var prev *runstate.RunState
	st, err := m.store.Replace(ctx, func(cur *runstate.RunState) (*runstate.RunState, error) {
		if cur != nil && cur.Phase.Active() {
			return nil, ErrRunActive
		}
		prev = cur
		return runstate.New(m.runID(), anchor, m.now().UTC()), nil
	})
	if errors.Is(err, ErrRunActive) {
		return nil, ErrRunActive
	}
	if err != nil {
		return nil, fmt.Errorf("fsm: start: %w", err)
	}
	payload := map[string]any{"anchor": anchor}
	if prev != nil {
		payload["supersedes"] = prev.RunID
	}
	m.event(ctx, st, ledger.RunStart, "", payload)
	m.event(ctx, st, ledger.PhaseEnter, "", map[string]any{"from": string(runstate.Idle), "to": string(runstate.Discover)})
	m.logger.Info("fsm: run started", "run_id", st.RunID, "anchor", anchor)
	return st, nil
}

// RequestStop flags the active run. The flag is honoured at the top of the
// next tick or enumerator round; an in-flight capture finishes first.
func (m *Machine) RequestStop(ctx context.Context) (*runstate.RunState, error) {
	st, err := m.store.Update(ctx, func(st *runstate.RunState) error {
		if !st.Phase.Active() {
			return nil
		}
		st.StopRequested = true
		return nil
	})
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, ErrNoRun
	}
	if err != nil {
		return nil, fmt.Errorf("fsm: stop: %w", err)
	}
	m.logger.Info("fsm: stop requested", "run_id", st.RunID, "phase", st.Phase)
	return st, nil
}

// Resume reactivates a stopped run at the phase and cursor it stopped in.
// Resuming an active run is a no-op.
func (m *Machine) Resume(ctx context.Context) (*runstate.RunState, error) {
	var from runstate.Phase
	st, err := m.store.Update(ctx, func(st *runstate.RunState) error {
		switch {
		case st.Phase.Active():
			st.StopRequested = false
			return nil
		case st.Phase == runstate.Idle && st.StoppedFrom != "":
			from = st.StoppedFrom
			st.Phase = st.StoppedFrom
			st.StoppedFrom = ""
			st.StopRequested = false
			st.NavAttempts = 0
			return nil
		}
		return ErrNotResumable
	})
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, ErrNoRun
	}
	if err != nil {
		return nil, fmt.Errorf("fsm: resume: %w", err)
	}
	if from != "" {
		m.event(ctx, st, ledger.RunResume, "", map[string]any{"phase": string(from), "cursor": st.Cursor})
		m.logger.Info("fsm: run resumed", "run_id", st.RunID, "phase", from, "cursor", st.Cursor)
	}
	return st, nil
}

// Status returns the persisted state.
func (m *Machine) Status(ctx context.Context) (*runstate.RunState, error) {
	st, err := m.store.Load(ctx)
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, ErrNoRun
	}
	return st, err
}

// Tick advances the run by at most one phase step.
func (m *Machine) Tick(ctx context.Context) (Outcome, error) {
	if !m.tickMu.TryLock() {
		return Busy, nil
	}
	defer m.tickMu.Unlock()

	st, err := m.store.Load(ctx)
	if errors.Is(err, runstore.ErrNotFound) {
		return Idle, nil
	}
	if err != nil {
		return Idle, fmt.Errorf("fsm: tick: %w", err)
	}

	if st.StopRequested {
		return m.honourStop(ctx, st)
	}

	log := m.logger.With("run_id", st.RunID, "phase", st.Phase, "cursor", st.Cursor)
	log.Debug("fsm: tick")

	var out Outcome
	switch st.Phase {
	case runstate.Idle:
		return Idle, nil
	case runstate.Done:
		return Done, nil
	case runstate.Fail:
		return Failed, nil
	case runstate.Discover:
		out, err = m.discover(ctx, st)
	case runstate.OpenItem:
		out, err = m.openItem(ctx, st)
	case runstate.InItem:
		out, err = m.inItem(ctx, st)
	case runstate.Return:
		out, err = m.returnToAnchor(ctx, st)
	default:
		return Idle, fmt.Errorf("fsm: tick: unknown phase %q", st.Phase)
	}
	if err != nil {
		log.Warn("fsm: tick failed", "error", err)
	}
	return out, err
}

func (m *Machine) honourStop(ctx context.Context, st *runstate.RunState) (Outcome, error) {
	from := st.Phase
	if from.Active() {
		st.StoppedFrom = from
		st.Phase = runstate.Idle
	}
	st.StopRequested = false
	if err := m.persist(ctx, st, true); err != nil {
		return Idle, err
	}
	if from.Active() {
		m.event(ctx, st, ledger.RunStop, "", map[string]any{"phase": string(from), "cursor": st.Cursor})
		m.logger.Info("fsm: run stopped", "run_id", st.RunID, "phase", from, "cursor", st.Cursor)
	}
	return Idle, nil
}

// persist writes st through an atomic update. A stop requested by another
// writer since st was loaded survives unless clearStop is set.
func (m *Machine) persist(ctx context.Context, st *runstate.RunState, clearStop bool) error {
	_, err := m.store.Update(ctx, func(cur *runstate.RunState) error {
		if cur.RunID != st.RunID {
			return ErrSuperseded
		}
		stop := cur.StopRequested && !clearStop
		*cur = *st.Clone()
		if stop {
			cur.StopRequested = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fsm: persist %s: %w", st.Phase, err)
	}
	return nil
}

// enter moves st to phase, persists, and ledgers the transition.
func (m *Machine) enter(ctx context.Context, st *runstate.RunState, phase runstate.Phase, payload map[string]any) error {
	from := st.Phase
	st.Phase = phase
	if err := m.persist(ctx, st, false); err != nil {
		st.Phase = from
		return err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = string(from)
	payload["to"] = string(phase)
	payload["cursor"] = st.Cursor
	m.event(ctx, st, ledger.PhaseEnter, "", payload)
	return nil
}

func (m *Machine) fail(ctx context.Context, st *runstate.RunState, kind runstate.FailureKind, reason string) (Outcome, error) {
	now := m.now().UTC()
	st.Failures = append(st.Failures, runstate.FailureEvent{
		Kind: kind, Cursor: st.Cursor, Phase: st.Phase, Reason: reason, At: now,
	})
	st.FailReason = reason
	st.FinishedAt = &now
	if err := m.enter(ctx, st, runstate.Fail, map[string]any{"reason": reason}); err != nil {
		return Idle, err
	}
	m.event(ctx, st, ledger.FailClosed, "", map[string]any{"kind": string(kind), "reason": reason})
	m.logger.Error("fsm: run failed", "run_id", st.RunID, "kind", kind, "reason", reason)
	return Failed, nil
}

func (m *Machine) finish(ctx context.Context, st *runstate.RunState) (Outcome, error) {
	now := m.now().UTC()
	st.FinishedAt = &now
	if err := m.enter(ctx, st, runstate.Done, nil); err != nil {
		return Idle, err
	}
	m.event(ctx, st, ledger.RunComplete, "", map[string]any{
		"queue":     len(st.Queue),
		"processed": st.Processed(),
		"ok":        st.CountStatus(runstate.StatusOK),
		"empty":     st.CountStatus(runstate.StatusEmpty),
		"timeout":   st.CountStatus(runstate.StatusTimeout),
		"failures":  len(st.Failures),
	})
	m.logger.Info("fsm: run complete", "run_id", st.RunID, "items", len(st.Queue), "processed", st.Processed())
	return Done, nil
}

// event appends to the ledger. Ledger write errors are logged; they never
// stall the run.
func (m *Machine) event(ctx context.Context, st *runstate.RunState, typ, itemID string, payload map[string]any) {
	if m.ledger == nil {
		return
	}
	if _, err := m.ledger.Append(ctx, ledger.Event{
		RunID: st.RunID, Type: typ, Phase: string(st.Phase), ItemID: itemID, Payload: payload,
	}); err != nil {
		m.logger.Error("fsm: ledger append failed", "run_id", st.RunID, "type", typ, "error", err)
	}
}
