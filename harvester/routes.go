package harvester

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/harvester/kit"
	"github.com/hazyhaar/harvester/shield"
)

// Routes returns the control API.
func (h *Harvester) Routes() http.Handler {
	ep := h.Endpoints()
	r := chi.NewRouter()
	for _, mw := range shield.APIStack(h.logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		kit.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "browser": h.site != nil})
	})

	r.Route("/api/run", func(r chi.Router) {
		r.Get("/", kit.HTTPHandler(ep.Status, kit.NoBody, httpStatus))
		r.Post("/start", kit.HTTPHandler(ep.Start, kit.DecodeJSONBody[StartRequest](), httpStatus))
		r.Post("/resume", kit.HTTPHandler(ep.Resume, kit.NoBody, httpStatus))
		r.Post("/stop", kit.HTTPHandler(ep.Stop, kit.NoBody, httpStatus))
		r.Post("/tick", kit.HTTPHandler(ep.Tick, kit.NoBody, httpStatus))
		r.Get("/ledger", h.ledgerHandler(ep.Ledger))
		r.Get("/index", kit.HTTPHandler(ep.Index, decodeIndexQuery, httpStatus))
	})
	r.Post("/api/repair", kit.HTTPHandler(ep.Repair, kit.DecodeJSONBody[RepairRequest](), httpStatus))
	return r
}

// ledgerHandler serves a page of events as JSON, or with ?format=jsonl the
// whole run as JSON lines.
func (h *Harvester) ledgerHandler(endpoint kit.Endpoint) http.HandlerFunc {
	paged := kit.HTTPHandler(endpoint, decodeLedgerQuery, httpStatus)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "jsonl" {
			paged(w, r)
			return
		}
		runID, err := h.resolveRun(r.Context(), r.URL.Query().Get("run_id"))
		if err != nil {
			kit.WriteJSON(w, httpStatus(err), map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		n, err := h.ledger.ExportJSONL(r.Context(), runID, w)
		if err != nil {
			shield.GetLogger(r.Context()).Warn("harvester: ledger export interrupted", "run_id", runID, "written", n, "error", err)
		}
	}
}

func decodeLedgerQuery(r *http.Request) (any, error) {
	q := r.URL.Query()
	req := &LedgerRequest{RunID: q.Get("run_id")}
	if t := q.Get("types"); t != "" {
		req.Types = strings.Split(t, ",")
	}
	if s := q.Get("after_seq"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		req.AfterSeq = v
	}
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, err
		}
		req.Limit = v
	}
	return req, nil
}

func decodeIndexQuery(r *http.Request) (any, error) {
	return &IndexRequest{RunID: r.URL.Query().Get("run_id")}, nil
}
