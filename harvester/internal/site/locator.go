package site

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/hazyhaar/harvester/enumerate"
)

//go:embed locate.js
var locateJS string

const (
	scrollJS = `(px) => {
  const el = document.querySelector('[data-harvester-list]');
  if (!el) return false;
  el.scrollTop = el.scrollTop + px;
  return true;
}`
	scrollableJS = `() => {
  const el = document.querySelector('[data-harvester-list]');
  return !!el && el.scrollHeight > el.clientHeight + 4;
}`
	snapshotJS = `(sel) => {
  const el = sel ? document.querySelector(sel) : null;
  return { html: el ? el.outerHTML : '', base: location.href };
}`
)

// Locator tags the scrollable element holding the most item links,
// preferring configured hints, and hands it out as a Container.
type Locator struct {
	page Evaluator
	cfg  Config
}

// NewLocator returns a Locator over page.
func NewLocator(page Evaluator, cfg Config) *Locator {
	cfg.Defaults()
	return &Locator{page: page, cfg: cfg}
}

type locateResult struct {
	Found bool   `json:"found"`
	Links int    `json:"links"`
	Tag   string `json:"tag"`
}

// Locate implements enumerate.Locator.
func (l *Locator) Locate(ctx context.Context) (enumerate.Container, error) {
	hints := l.cfg.ContainerHints
	if hints == nil {
		hints = []string{}
	}
	var res locateResult
	err := l.page.Eval(ctx, &res, locateJS, map[string]any{
		"linkSelector": l.cfg.ItemLinkSelector,
		"pattern":      l.cfg.ItemPattern,
		"hints":        hints,
	})
	if err != nil {
		return nil, fmt.Errorf("site: locate: %w", err)
	}
	if !res.Found {
		return nil, nil
	}
	return &Container{page: l.page}, nil
}

// Container is the tagged list element.
type Container struct {
	page Evaluator
}

// ScrollBy implements enumerate.Container.
func (c *Container) ScrollBy(ctx context.Context, px int) error {
	var ok bool
	if err := c.page.Eval(ctx, &ok, scrollJS, px); err != nil {
		return fmt.Errorf("site: scroll: %w", err)
	}
	if !ok {
		return ErrContainerLost
	}
	return nil
}

// Scrollable implements enumerate.Container.
func (c *Container) Scrollable(ctx context.Context) (bool, error) {
	var ok bool
	if err := c.page.Eval(ctx, &ok, scrollableJS); err != nil {
		return false, fmt.Errorf("site: scrollable: %w", err)
	}
	return ok, nil
}

// Snapshot returns the container's outer HTML and the page URL.
func (c *Container) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	if err := c.page.Eval(ctx, &s, snapshotJS, "[data-harvester-list]"); err != nil {
		return Snapshot{}, fmt.Errorf("site: snapshot list: %w", err)
	}
	if s.HTML == "" {
		return Snapshot{}, ErrContainerLost
	}
	return s, nil
}
