package harvester

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/harvester/fsm"
	"github.com/hazyhaar/harvester/kit"
	"github.com/hazyhaar/harvester/ledger"
	"github.com/hazyhaar/harvester/observability"
	"github.com/hazyhaar/harvester/runstate"
)

// ErrBadRequest wraps request validation failures.
var ErrBadRequest = errors.New("bad request")

// RunStatus is the operator view of the persisted run.
type RunStatus struct {
	RunID         string         `json:"run_id"`
	Phase         runstate.Phase `json:"phase"`
	AnchorURL     string         `json:"anchor_url"`
	Cursor        int            `json:"cursor"`
	Queued        int            `json:"queued"`
	Processed     int            `json:"processed"`
	OK            int            `json:"ok"`
	Empty         int            `json:"empty"`
	Timeout       int            `json:"timeout"`
	Failures      int            `json:"failures"`
	StopRequested bool           `json:"stop_requested,omitempty"`
	StoppedFrom   runstate.Phase `json:"stopped_from,omitempty"`
	FailReason    string         `json:"fail_reason,omitempty"`
	Current       string         `json:"current,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`

	// Daemon is the run daemon's latest heartbeat; nil when none ever ran.
	Daemon *observability.HeartbeatStatus `json:"daemon,omitempty"`
}

func statusOf(st *runstate.RunState) RunStatus {
	s := RunStatus{
		RunID:         st.RunID,
		Phase:         st.Phase,
		AnchorURL:     st.AnchorURL,
		Cursor:        st.Cursor,
		Queued:        len(st.Queue),
		Processed:     st.Processed(),
		OK:            st.CountStatus(runstate.StatusOK),
		Empty:         st.CountStatus(runstate.StatusEmpty),
		Timeout:       st.CountStatus(runstate.StatusTimeout),
		Failures:      len(st.Failures),
		StopRequested: st.StopRequested,
		StoppedFrom:   st.StoppedFrom,
		FailReason:    st.FailReason,
		StartedAt:     st.StartedAt,
		FinishedAt:    st.FinishedAt,
		UpdatedAt:     st.UpdatedAt,
	}
	if cur, ok := st.Current(); ok {
		s.Current = cur.ID
	}
	return s
}

// StartRequest starts a run. An empty anchor uses site.anchor.
type StartRequest struct {
	Anchor string `json:"anchor"`
}

// TickResponse reports what one tick did.
type TickResponse struct {
	Outcome string `json:"outcome"`
}

// LedgerRequest selects ledger events. An empty run id means the current run.
type LedgerRequest struct {
	RunID    string   `json:"run_id"`
	Types    []string `json:"types"`
	AfterSeq int64    `json:"after_seq"`
	Limit    int      `json:"limit"`
}

// LedgerResponse carries one page of events.
type LedgerResponse struct {
	RunID  string         `json:"run_id"`
	Events []ledger.Event `json:"events"`
}

// IndexRequest selects index entries. An empty run id lists every run.
type IndexRequest struct {
	RunID string `json:"run_id"`
}

// IndexResponse lists index entries.
type IndexResponse struct {
	Entries []ledger.IndexEntry `json:"entries"`
}

// RepairRequest plans, and with Apply executes, an index repair.
type RepairRequest struct {
	RunID string `json:"run_id"`
	Apply bool   `json:"apply"`
}

// Endpoints are the control operations, shared by every transport.
type Endpoints struct {
	Status kit.Endpoint
	Start  kit.Endpoint
	Stop   kit.Endpoint
	Resume kit.Endpoint
	Tick   kit.Endpoint
	Ledger kit.Endpoint
	Index  kit.Endpoint
	Repair kit.Endpoint
}

// Endpoints builds the control endpoints, each wrapped in request logging.
func (h *Harvester) Endpoints() Endpoints {
	wrap := func(name string, e kit.Endpoint) kit.Endpoint {
		return kit.Logging(h.logger, name)(e)
	}
	return Endpoints{
		Status: wrap("status", h.statusEndpoint),
		Start:  wrap("start", h.startEndpoint),
		Stop:   wrap("stop", h.stopEndpoint),
		Resume: wrap("resume", h.resumeEndpoint),
		Tick:   wrap("tick", h.tickEndpoint),
		Ledger: wrap("ledger", h.ledgerEndpoint),
		Index:  wrap("index", h.indexEndpoint),
		Repair: wrap("repair", h.repairEndpoint),
	}
}

func (h *Harvester) statusEndpoint(ctx context.Context, _ any) (any, error) {
	st, err := h.machine.Status(ctx)
	if err != nil {
		return nil, err
	}
	s := statusOf(st)
	s.Daemon, err = h.Daemon(ctx)
	if err != nil {
		h.logger.Warn("harvester: heartbeat unreadable", "error", err)
	}
	return s, nil
}

func (h *Harvester) startEndpoint(ctx context.Context, req any) (any, error) {
	anchor := h.cfg.Site.Anchor
	if r, ok := req.(*StartRequest); ok && r != nil && r.Anchor != "" {
		anchor = r.Anchor
	}
	if anchor == "" {
		return nil, fmt.Errorf("%w: anchor is required", ErrBadRequest)
	}
	if _, ok := runstate.Canonicalize(anchor); !ok {
		return nil, fmt.Errorf("%w: invalid anchor %q", ErrBadRequest, anchor)
	}
	st, err := h.machine.Start(ctx, anchor)
	if err != nil {
		return nil, err
	}
	h.notify()
	return statusOf(st), nil
}

func (h *Harvester) stopEndpoint(ctx context.Context, _ any) (any, error) {
	st, err := h.machine.RequestStop(ctx)
	if err != nil {
		return nil, err
	}
	h.notify()
	return statusOf(st), nil
}

func (h *Harvester) resumeEndpoint(ctx context.Context, _ any) (any, error) {
	st, err := h.machine.Resume(ctx)
	if err != nil {
		return nil, err
	}
	h.notify()
	return statusOf(st), nil
}

func (h *Harvester) tickEndpoint(ctx context.Context, _ any) (any, error) {
	if h.site == nil {
		return nil, ErrNoBrowser
	}
	out, err := h.machine.Tick(ctx)
	if err != nil {
		return nil, err
	}
	if out == fsm.Advanced {
		h.notify()
	}
	return TickResponse{Outcome: out.String()}, nil
}

func (h *Harvester) ledgerEndpoint(ctx context.Context, req any) (any, error) {
	r, _ := req.(*LedgerRequest)
	if r == nil {
		r = &LedgerRequest{}
	}
	runID, err := h.resolveRun(ctx, r.RunID)
	if err != nil {
		return nil, err
	}
	events, err := h.ledger.Events(ctx, runID, ledger.Filter{Types: r.Types, AfterSeq: r.AfterSeq, Limit: r.Limit})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []ledger.Event{}
	}
	return LedgerResponse{RunID: runID, Events: events}, nil
}

func (h *Harvester) indexEndpoint(ctx context.Context, req any) (any, error) {
	var runID string
	if r, ok := req.(*IndexRequest); ok && r != nil {
		runID = r.RunID
	}
	entries, err := h.ledger.IndexEntries(ctx, runID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []ledger.IndexEntry{}
	}
	return IndexResponse{Entries: entries}, nil
}

func (h *Harvester) repairEndpoint(ctx context.Context, req any) (any, error) {
	r, _ := req.(*RepairRequest)
	if r == nil {
		r = &RepairRequest{}
	}
	return h.repairer.Repair(ctx, r.RunID, r.Apply)
}

// resolveRun defaults an empty run id to the persisted run's.
func (h *Harvester) resolveRun(ctx context.Context, runID string) (string, error) {
	if runID != "" {
		return runID, nil
	}
	st, err := h.machine.Status(ctx)
	if err != nil {
		return "", err
	}
	return st.RunID, nil
}

// httpStatus maps control errors to HTTP codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, fsm.ErrNoRun):
		return http.StatusNotFound
	case errors.Is(err, fsm.ErrRunActive), errors.Is(err, fsm.ErrNotResumable):
		return http.StatusConflict
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoBrowser):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
