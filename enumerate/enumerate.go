// Package enumerate drives a virtualized list until every item it can
// present has been materialized at least once.
//
// Each round scans the materialized window, merges new identifiers into
// an accumulating set, scrolls by a fixed step and waits a settle interval.
// The scan terminates when the set has not grown for StabilityThreshold
// consecutive rounds. A result at or below LowCount fails closed: a short
// list after a full sweep means the wrong container was targeted.
package enumerate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/harvester/runstate"
)

// Failure reasons. Low-count and round-cap reasons carry the count:
// LOW_COUNT_3, UNSTABLE_AFTER_2200.
const (
	ReasonNoContainer = "NO_CONTAINER_FOUND"
	ReasonStopped     = "STOPPED"
	lowCountPrefix    = "LOW_COUNT_"
	unstablePrefix    = "UNSTABLE_AFTER_"
)

// ErrStopped is returned when a stop was requested between rounds.
var ErrStopped = errors.New("enumerate: stopped")

// Container is a scrollable element hosting the list.
type Container interface {
	// ScrollBy scrolls forward by px pixels.
	ScrollBy(ctx context.Context, px int) error
	// Scrollable reports whether the content overflows the container.
	Scrollable(ctx context.Context) (bool, error)
}

// Locator finds the list container in the current view. A nil Container
// with a nil error means none was found.
type Locator interface {
	Locate(ctx context.Context) (Container, error)
}

// Extractor returns the items currently materialized in c.
type Extractor interface {
	Extract(ctx context.Context, c Container) ([]runstate.ItemRef, error)
}

// Config tunes the scan.
type Config struct {
	StabilityThreshold int
	LowCount           int
	MaxRounds          int
	ScrollStep         int
	Settle             time.Duration
	LocateAttempts     int
	LocateBackoff      time.Duration
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.StabilityThreshold <= 0 {
		c.StabilityThreshold = 12
	}
	if c.LowCount < 0 {
		c.LowCount = 0
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 2200
	}
	if c.ScrollStep <= 0 {
		c.ScrollStep = 900
	}
	if c.Settle < 0 {
		c.Settle = 0
	}
	if c.LocateAttempts <= 0 {
		c.LocateAttempts = 3
	}
	if c.LocateBackoff <= 0 {
		c.LocateBackoff = 500 * time.Millisecond
	}
}

// Round describes one completed scan round.
type Round struct {
	Index  int
	Size   int
	Added  int
	Stable int
}

// Result is all-or-nothing: Items is nil unless OK.
type Result struct {
	OK     bool
	Items  []runstate.ItemRef
	Rounds int
	Reason string
}

// Hooks observe and interrupt a scan. Both fields are optional.
type Hooks struct {
	OnRound func(Round)
	// Stop is consulted at the top of every round.
	Stop func(ctx context.Context) bool
}

// Enumerator runs scans.
type Enumerator struct {
	cfg       Config
	locator   Locator
	extractor Extractor
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// New returns an Enumerator. logger may be nil.
func New(cfg Config, loc Locator, ext Extractor, logger *slog.Logger) *Enumerator {
	cfg.Defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Enumerator{cfg: cfg, locator: loc, extractor: ext, logger: logger, sleep: sleepCtx}
}

// Run scans until stable, stopped, or failed. The returned error is
// non-nil only for ctx cancellation and stops (ErrStopped); fail-closed
// outcomes are reported in Result.Reason with a nil error.
func (e *Enumerator) Run(ctx context.Context, h Hooks) (Result, error) {
	c, err := e.locate(ctx)
	if err != nil {
		return Result{}, err
	}
	if c == nil {
		e.logger.Warn("enumerate: no container", "attempts", e.cfg.LocateAttempts)
		return Result{Reason: ReasonNoContainer}, nil
	}

	seen := make(map[string]struct{})
	var items []runstate.ItemRef
	stable := 0

	for round := 0; round < e.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if h.Stop != nil && h.Stop(ctx) {
			e.logger.Info("enumerate: stop requested", "round", round, "size", len(items))
			return Result{Rounds: round, Reason: ReasonStopped}, ErrStopped
		}

		batch, err := e.extractor.Extract(ctx, c)
		if err != nil {
			// A failed scan counts as a non-growing round.
			e.logger.Warn("enumerate: extract failed", "round", round, "error", err)
		}
		added := 0
		for _, ref := range batch {
			if ref.ID == "" {
				continue
			}
			if _, dup := seen[ref.ID]; dup {
				continue
			}
			seen[ref.ID] = struct{}{}
			items = append(items, ref)
			added++
		}

		if added == 0 {
			stable++
		} else {
			stable = 0
		}

		if round == 0 {
			scrollable, err := c.Scrollable(ctx)
			if err != nil {
				e.logger.Warn("enumerate: scrollable check failed", "error", err)
				scrollable = true
			}
			if !scrollable {
				stable = e.cfg.StabilityThreshold
			}
		}

		r := Round{Index: round, Size: len(items), Added: added, Stable: stable}
		if h.OnRound != nil {
			h.OnRound(r)
		}

		if stable >= e.cfg.StabilityThreshold {
			return e.finish(items, round), nil
		}

		if err := c.ScrollBy(ctx, e.cfg.ScrollStep); err != nil {
			e.logger.Warn("enumerate: scroll failed, relocating", "round", round, "error", err)
			c, err = e.locate(ctx)
			if err != nil {
				return Result{}, err
			}
			if c == nil {
				return Result{Rounds: round, Reason: ReasonNoContainer}, nil
			}
		}
		if err := e.sleep(ctx, e.cfg.Settle); err != nil {
			return Result{}, err
		}
	}

	e.logger.Warn("enumerate: round cap reached while still growing",
		"max_rounds", e.cfg.MaxRounds, "size", len(items))
	return Result{Rounds: e.cfg.MaxRounds - 1, Reason: fmt.Sprintf("%s%d", unstablePrefix, e.cfg.MaxRounds)}, nil
}

func (e *Enumerator) finish(items []runstate.ItemRef, round int) Result {
	if len(items) <= e.cfg.LowCount {
		e.logger.Warn("enumerate: low count, failing closed", "size", len(items), "low_count", e.cfg.LowCount)
		return Result{Rounds: round, Reason: fmt.Sprintf("%s%d", lowCountPrefix, len(items))}
	}
	e.logger.Info("enumerate: stable", "size", len(items), "rounds", round+1)
	return Result{OK: true, Items: items, Rounds: round}
}

func (e *Enumerator) locate(ctx context.Context) (Container, error) {
	for attempt := 1; attempt <= e.cfg.LocateAttempts; attempt++ {
		c, err := e.locator.Locate(ctx)
		if err != nil {
			e.logger.Debug("enumerate: locate failed", "attempt", attempt, "error", err)
		}
		if c != nil {
			return c, nil
		}
		if attempt < e.cfg.LocateAttempts {
			if err := e.sleep(ctx, e.cfg.LocateBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
