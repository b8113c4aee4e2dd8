package site

import (
	"context"
	"fmt"
)

const busyJS = `(sel) => {
  const el = document.querySelector(sel);
  if (!el) return false;
  const r = el.getBoundingClientRect();
  return r.width > 0 && r.height > 0;
}`

// BusyProbe reports a visible "stop generating" control.
type BusyProbe struct {
	page     Evaluator
	selector string
}

// NewBusyProbe returns a BusyProbe using cfg.BusySelector.
func NewBusyProbe(page Evaluator, cfg Config) *BusyProbe {
	cfg.Defaults()
	return &BusyProbe{page: page, selector: cfg.BusySelector}
}

// Busy implements fsm.BusyProbe.
func (b *BusyProbe) Busy(ctx context.Context) (bool, error) {
	var busy bool
	if err := b.page.Eval(ctx, &busy, busyJS, b.selector); err != nil {
		return false, fmt.Errorf("site: busy probe: %w", err)
	}
	return busy, nil
}
