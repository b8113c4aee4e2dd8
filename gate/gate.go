// Package gate decides when a lazily rendered view is safe to read.
//
// Two waits compose: WaitQuiet blocks until the watched subtree has been
// free of change notifications for a settle window, and WaitStable polls a
// single field until the same non-empty value is read twice in a row.
// Every wait is bounded.
package gate

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// ChangeSource delivers one value per observed change in the watched view.
// Changes returns a channel and a release func; the channel may be nil when
// the source cannot observe the view, in which case WaitQuiet degrades to a
// plain settle sleep.
type ChangeSource interface {
	Changes(ctx context.Context) (<-chan struct{}, func())
}

// Probe reads the field being stabilized, usually the last turn's text.
type Probe func(ctx context.Context) (string, error)

// Config bounds the waits.
type Config struct {
	Quiet          time.Duration
	QuietTimeout   time.Duration
	StableAttempts int
	StableInterval time.Duration
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.Quiet <= 0 {
		c.Quiet = 450 * time.Millisecond
	}
	if c.QuietTimeout <= 0 {
		c.QuietTimeout = 12 * time.Second
	}
	if c.StableAttempts <= 0 {
		c.StableAttempts = 16
	}
	if c.StableInterval <= 0 {
		c.StableInterval = 350 * time.Millisecond
	}
}

// QuietResult reports how a quiescence wait ended.
type QuietResult struct {
	Quiet    bool
	Changes  int
	Duration time.Duration
}

// WaitQuiet returns once no change has arrived for quiet, or when timeout
// elapses with changes still arriving (Quiet=false). It only returns an
// error when ctx is done.
func WaitQuiet(ctx context.Context, src ChangeSource, quiet, timeout time.Duration) (QuietResult, error) {
	start := time.Now()
	var ch <-chan struct{}
	if src != nil {
		var release func()
		ch, release = src.Changes(ctx)
		if release != nil {
			defer release()
		}
	}

	settle := time.NewTimer(quiet)
	defer settle.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return QuietResult{Changes: n, Duration: time.Since(start)}, ctx.Err()
		case _, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			n++
			if !settle.Stop() {
				select {
				case <-settle.C:
				default:
				}
			}
			settle.Reset(quiet)
		case <-settle.C:
			return QuietResult{Quiet: true, Changes: n, Duration: time.Since(start)}, nil
		case <-deadline.C:
			return QuietResult{Changes: n, Duration: time.Since(start)}, nil
		}
	}
}

// StableResult reports how a stabilization poll ended.
type StableResult struct {
	OK       bool
	Value    string
	Attempts int
}

// WaitStable polls probe up to attempts times, interval apart, and accepts
// a value only when the same non-empty trimmed text is read on two
// consecutive polls. An empty read resets the comparison. Probe errors
// count as empty reads.
func WaitStable(ctx context.Context, probe Probe, attempts int, interval time.Duration) (StableResult, error) {
	last := ""
	for i := 1; i <= attempts; i++ {
		v, err := probe(ctx)
		if err != nil {
			v = ""
		}
		v = strings.TrimSpace(v)
		if v != "" && v == last {
			return StableResult{OK: true, Value: v, Attempts: i}, nil
		}
		last = v
		if i == attempts {
			break
		}
		if err := sleep(ctx, interval); err != nil {
			return StableResult{Attempts: i}, err
		}
	}
	return StableResult{Attempts: attempts}, nil
}

// Poll calls cond every interval until it reports true or budget elapses.
// It returns whether cond was satisfied. cond errors are treated as false.
func Poll(ctx context.Context, budget, interval time.Duration, cond func(context.Context) (bool, error)) (bool, error) {
	deadline := time.Now().Add(budget)
	for {
		ok, err := cond(ctx)
		if err == nil && ok {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		wait := interval
		if rem := time.Until(deadline); rem < wait {
			wait = rem
		}
		if err := sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

// Readiness is the combined outcome of Gate.Wait.
type Readiness struct {
	Quiet   QuietResult
	Stable  StableResult
	Ready   bool
	Elapsed time.Duration
}

// Gate composes WaitQuiet and WaitStable.
type Gate struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a Gate. logger may be nil.
func New(cfg Config, logger *slog.Logger) *Gate {
	cfg.Defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (g *Gate) Config() Config { return g.cfg }

// Wait runs the quiescence wait, then stabilizes probe. Ready follows the
// value poll only; a quiescence timeout is logged, not fatal.
func (g *Gate) Wait(ctx context.Context, src ChangeSource, probe Probe) (Readiness, error) {
	start := time.Now()
	q, err := WaitQuiet(ctx, src, g.cfg.Quiet, g.cfg.QuietTimeout)
	if err != nil {
		return Readiness{Quiet: q}, err
	}
	if !q.Quiet {
		g.logger.Warn("gate: view never went quiet", "changes", q.Changes, "timeout", g.cfg.QuietTimeout)
	}
	s, err := WaitStable(ctx, probe, g.cfg.StableAttempts, g.cfg.StableInterval)
	if err != nil {
		return Readiness{Quiet: q, Stable: s}, err
	}
	r := Readiness{Quiet: q, Stable: s, Ready: s.OK, Elapsed: time.Since(start)}
	g.logger.Debug("gate: wait done", "quiet", q.Quiet, "changes", q.Changes, "stable", s.OK, "attempts", s.Attempts)
	return r, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
