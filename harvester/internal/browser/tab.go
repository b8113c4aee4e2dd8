package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Tab is the single page the harvester drives.
type Tab struct {
	Page    *rod.Page
	manager *Manager
	router  *rod.HijackRouter
	owned   bool

	mu      sync.Mutex
	scripts []func() error
}

// OpenTab returns the page to drive. With attachPrefix set, an existing
// page whose URL starts with it is reused (the user's logged-in tab);
// otherwise a new tab is created and sent to startURL.
func OpenTab(ctx context.Context, mgr *Manager, attachPrefix, startURL string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	log := mgr.cfg.Logger

	if attachPrefix != "" {
		pages, err := b.Pages()
		if err != nil {
			return nil, fmt.Errorf("browser: list pages: %w", err)
		}
		for _, p := range pages {
			info, err := p.Info()
			if err != nil {
				continue
			}
			if strings.HasPrefix(info.URL, attachPrefix) {
				log.Info("browser: attached to existing tab", "url", info.URL)
				if _, err := p.Activate(); err != nil {
					log.Warn("browser: activate tab failed", "error", err)
				}
				return &Tab{Page: p, manager: mgr}, nil
			}
		}
	}

	var page *rod.Page
	var err error
	if mgr.cfg.Stealth >= LevelHeadless {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	t := &Tab{Page: page, manager: mgr, owned: true}
	if len(mgr.cfg.ResourceBlocking) > 0 {
		t.router = applyResourceBlocking(page, mgr.cfg.ResourceBlocking)
	}

	if startURL != "" {
		navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := page.Context(navCtx).Navigate(startURL); err != nil {
			t.Close()
			return nil, fmt.Errorf("browser: navigate %s: %w", startURL, err)
		}
		if err := page.Context(navCtx).WaitLoad(); err != nil {
			log.Warn("browser: wait load timeout", "url", startURL, "error", err)
		}
	}
	return t, nil
}

// Navigate starts a navigation and returns once the browser accepted it.
// Arrival is observed by the caller through CurrentURL.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	if err := t.Page.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	return nil
}

// CurrentURL returns the page's current location.
func (t *Tab) CurrentURL(ctx context.Context) (string, error) {
	info, err := t.Page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("browser: page info: %w", err)
	}
	return info.URL, nil
}

// Eval runs a JS function in the page and decodes its JSON result into out
// (skipped when out is nil).
func (t *Tab) Eval(ctx context.Context, out any, js string, args ...any) error {
	res, err := t.Page.Context(ctx).Eval(js, args...)
	if err != nil {
		return fmt.Errorf("browser: eval: %w", err)
	}
	if out == nil {
		return nil
	}
	data, err := res.Value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("browser: eval result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("browser: decode eval result: %w", err)
	}
	return nil
}

// Install runs fn (a JS function expression) now and on every new
// document, so hooks survive full reloads.
func (t *Tab) Install(ctx context.Context, fn string) error {
	remove, err := t.Page.EvalOnNewDocument("(" + fn + ")()")
	if err != nil {
		return fmt.Errorf("browser: install script: %w", err)
	}
	t.mu.Lock()
	t.scripts = append(t.scripts, remove)
	t.mu.Unlock()

	if _, err := t.Page.Context(ctx).Eval(fn); err != nil {
		return fmt.Errorf("browser: run script: %w", err)
	}
	return nil
}

// Bind exposes window[name] to page scripts and calls fn with every
// payload they send, until ctx is done.
func (t *Tab) Bind(ctx context.Context, name string, fn func(payload string)) error {
	if err := (proto.RuntimeAddBinding{Name: name}).Call(t.Page); err != nil {
		return fmt.Errorf("browser: add binding %s: %w", name, err)
	}
	wait := t.Page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name == name {
			fn(e.Payload)
		}
	})
	go wait()
	return nil
}

// Close removes installed scripts and closes the tab if it was opened
// here. An attached tab stays open.
func (t *Tab) Close() error {
	t.mu.Lock()
	scripts := t.scripts
	t.scripts = nil
	t.mu.Unlock()
	for _, remove := range scripts {
		remove()
	}
	if t.router != nil {
		t.router.Stop()
	}
	if t.owned && t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
