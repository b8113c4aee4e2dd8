package fsm

import (
	"context"
	"log/slog"
	"time"
)

// Trigger names why a tick was requested.
type Trigger string

const (
	TriggerUser  Trigger = "user"
	TriggerRoute Trigger = "route"
	TriggerPoll  Trigger = "poll"
	TriggerStore Trigger = "store"
	TriggerSelf  Trigger = "self"
)

// Driver is the single actor that turns triggers into ticks. Triggers that
// arrive while one is pending coalesce into it.
type Driver struct {
	m      *Machine
	poll   time.Duration
	logger *slog.Logger
	trig   chan Trigger
	ticked func(Trigger, Outcome)
}

// NewDriver returns a Driver that also ticks every poll as a fallback.
func NewDriver(m *Machine, poll time.Duration, logger *slog.Logger) *Driver {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{m: m, poll: poll, logger: logger, trig: make(chan Trigger, 1)}
}

// Notify requests a tick. It never blocks.
func (d *Driver) Notify(t Trigger) {
	select {
	case d.trig <- t:
	default:
	}
}

// Run ticks until ctx is done. It ticks once immediately so an active run
// resumes on process start.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	d.Notify(TriggerSelf)
	d.logger.Info("fsm: driver started", "poll", d.poll)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("fsm: driver stopped")
			return nil
		case t := <-d.trig:
			d.tick(ctx, t)
		case <-ticker.C:
			d.tick(ctx, TriggerPoll)
		}
	}
}

func (d *Driver) tick(ctx context.Context, t Trigger) {
	out, err := d.m.Tick(ctx)
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("fsm: tick error", "trigger", t, "error", err)
	}
	if d.ticked != nil {
		d.ticked(t, out)
	}
	if out == Advanced && ctx.Err() == nil {
		d.Notify(TriggerSelf)
	}
}
