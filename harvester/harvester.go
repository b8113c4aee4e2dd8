// Package harvester wires the run state machine to a live browser session,
// the SQLite run store and ledger, and the configured sinks. It also
// exposes the control operations over HTTP (chi) and MCP.
package harvester

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/harvester/capture"
	"github.com/hazyhaar/harvester/dbopen"
	"github.com/hazyhaar/harvester/enumerate"
	"github.com/hazyhaar/harvester/fsm"
	"github.com/hazyhaar/harvester/gate"
	"github.com/hazyhaar/harvester/harvester/internal/sink"
	"github.com/hazyhaar/harvester/ledger"
	"github.com/hazyhaar/harvester/observability"
	"github.com/hazyhaar/harvester/runstore"
	"github.com/hazyhaar/harvester/watch"

	_ "modernc.org/sqlite"
)

// daemonName keys the heartbeat of the run daemon.
const daemonName = "harvester"

// ErrNoBrowser is returned by operations that need an attached site.
var ErrNoBrowser = errors.New("harvester: no browser attached")

// RouteSource reports client-side route changes.
type RouteSource interface {
	Start(ctx context.Context, onChange func(url string)) error
}

// Site bundles the collaborators that touch the live page.
type Site struct {
	Locator   enumerate.Locator
	Extractor enumerate.Extractor
	Navigator fsm.Navigator
	Busy      fsm.BusyProbe
	Fields    capture.FieldExtractor
	Changes   gate.ChangeSource
	Routes    RouteSource
}

// Sink receives every captured record.
type Sink = sink.Sink

// Options are the optional parts of a Harvester.
type Options struct {
	Logger *slog.Logger
	// Site is nil for control-only use: the CLI commands that only touch
	// the store and the ledger.
	Site *Site
	// Sink receives every record. See BuildSinks.
	Sink Sink
	Now  func() time.Time
}

// Harvester is one harvesting process.
type Harvester struct {
	cfg      *Config
	db       *sql.DB
	store    *runstore.SQLite
	ledger   *ledger.Ledger
	machine  *fsm.Machine
	driver   *fsm.Driver
	repairer *capture.Repairer
	site     *Site
	sink     Sink
	logger   *slog.Logger
}

// OpenDB opens the configured SQLite file.
func OpenDB(cfg *Config) (*sql.DB, error) {
	db, err := dbopen.Open(cfg.Store.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("harvester: %w", err)
	}
	return db, nil
}

// New wires a Harvester on db.
func New(cfg *Config, db *sql.DB, opts Options) (*Harvester, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := runstore.NewSQLite(db)
	if err != nil {
		return nil, fmt.Errorf("harvester: %w", err)
	}
	lopts := []ledger.Option{ledger.WithLogger(logger)}
	if opts.Now != nil {
		lopts = append(lopts, ledger.WithClock(opts.Now))
	}
	led, err := ledger.New(db, lopts...)
	if err != nil {
		return nil, fmt.Errorf("harvester: %w", err)
	}
	if err := observability.Init(db); err != nil {
		return nil, fmt.Errorf("harvester: %w", err)
	}

	h := &Harvester{
		cfg:      cfg,
		db:       db,
		store:    store,
		ledger:   led,
		repairer: capture.NewRepairer(led, logger),
		site:     opts.Site,
		sink:     opts.Sink,
		logger:   logger,
	}

	deps := fsm.Deps{
		Store:  store,
		Ledger: led,
		Logger: logger,
		Now:    opts.Now,
	}
	if opts.Site != nil {
		s := opts.Site
		enum := enumerate.New(enumerate.Config{
			StabilityThreshold: cfg.Discovery.StableRounds,
			LowCount:           cfg.Discovery.LowCount,
			MaxRounds:          cfg.Discovery.MaxRounds,
			ScrollStep:         cfg.Discovery.ScrollStep,
			Settle:             cfg.Discovery.Settle,
			LocateAttempts:     cfg.Discovery.LocateAttempts,
		}, s.Locator, s.Extractor, logger)
		g := gate.New(gate.Config{
			Quiet:          cfg.Gate.Quiet,
			QuietTimeout:   cfg.Gate.QuietTimeout,
			StableAttempts: cfg.Gate.StableAttempts,
			StableInterval: cfg.Gate.StableInterval,
		}, logger)
		capt := capture.NewCapturer(g, s.Fields, s.Changes, logger)
		deps.Enumerator = enum
		deps.Navigator = s.Navigator
		deps.Busy = s.Busy
		deps.Capturer = capt
		if h.sink == nil {
			h.sink = sink.NewRouter(logger)
		}
		deps.Sink = h.sink
	}

	h.machine = fsm.New(fsm.Config{
		BusyBudget:        cfg.Run.BusyBudget,
		BusyPoll:          cfg.Run.BusyPoll,
		NavWait:           cfg.Run.NavWait,
		MaxNavAttempts:    cfg.Run.NavAttempts,
		DirectNext:        cfg.Run.ReturnToAnchor != nil && !*cfg.Run.ReturnToAnchor,
		DiscoveryLogEvery: cfg.Discovery.LogEvery,
	}, deps)
	if opts.Site != nil {
		h.driver = fsm.NewDriver(h.machine, cfg.Run.PollInterval, logger)
	}
	return h, nil
}

// Config returns the configuration the harvester was built with.
func (h *Harvester) Config() *Config { return h.cfg }

// Machine returns the run state machine.
func (h *Harvester) Machine() *fsm.Machine { return h.machine }

// Ledger returns the ledger.
func (h *Harvester) Ledger() *ledger.Ledger { return h.ledger }

// Run drives the machine until ctx is done: the tick driver, the store
// watcher (edits from other processes) and the route feed. Requires a Site.
func (h *Harvester) Run(ctx context.Context) error {
	if h.driver == nil {
		return ErrNoBrowser
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return h.driver.Run(ctx) })

	hb := observability.NewHeartbeatWriter(h.db, daemonName, h.cfg.Store.HeartbeatInterval, h.logger)
	g.Go(func() error { return hb.Run(ctx) })

	w := watch.New(h.db, watch.Options{
		Interval: h.cfg.Store.WatchInterval,
		Detector: watch.RunRevision,
		Logger:   h.logger,
	})
	g.Go(func() error {
		w.OnChange(ctx, func(int64) error {
			h.driver.Notify(fsm.TriggerStore)
			return nil
		})
		return nil
	})

	if h.site.Routes != nil {
		settle := h.cfg.Run.RouteSettle
		err := h.site.Routes.Start(ctx, func(url string) {
			time.AfterFunc(settle, func() {
				if ctx.Err() == nil {
					h.driver.Notify(fsm.TriggerRoute)
				}
			})
		})
		if err != nil {
			h.logger.Warn("harvester: route feed unavailable, relying on poll", "error", err)
		}
	}

	h.logger.Info("harvester: running", "db", h.cfg.Store.DBPath)
	return g.Wait()
}

// Daemon returns the run daemon's latest heartbeat, nil when none ever ran.
func (h *Harvester) Daemon(ctx context.Context) (*observability.HeartbeatStatus, error) {
	return observability.LatestHeartbeat(ctx, h.db, daemonName, 3*h.cfg.Store.HeartbeatInterval)
}

// notify asks the driver for a tick when one is running.
func (h *Harvester) notify() {
	if h.driver != nil {
		h.driver.Notify(fsm.TriggerUser)
	}
}

// Close closes the sink. The database belongs to the caller.
func (h *Harvester) Close() error {
	if h.sink != nil {
		return h.sink.Close()
	}
	return nil
}

// ExportLedger writes the events of runID (default: the persisted run) as
// JSON lines.
func (h *Harvester) ExportLedger(ctx context.Context, runID string, w io.Writer) (int, error) {
	runID, err := h.resolveRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	return h.ledger.ExportJSONL(ctx, runID, w)
}
