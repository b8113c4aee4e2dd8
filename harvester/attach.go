package harvester

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/harvester/harvester/internal/browser"
	"github.com/hazyhaar/harvester/harvester/internal/site"
)

// Session is an attached browser tab and the site collaborators bound to it.
type Session struct {
	Site *Site

	mgr *browser.Manager
	tab *browser.Tab
}

// siteConfig maps the configured selectors to the site layer.
func siteConfig(cfg *Config) site.Config {
	sc := site.Config{
		ItemLinkSelector: cfg.Site.ItemLink,
		ItemPattern:      cfg.Site.ItemPattern,
		ContainerHints:   cfg.Site.ContainerHints,
		ContentRoot:      cfg.Site.ContentRoot,
		TurnSelector:     cfg.Site.TurnSelector,
		RoleAttr:         cfg.Site.RoleAttr,
		BodySelector:     cfg.Site.BodySelector,
		ArticleSelector:  cfg.Site.ArticleSelector,
		BusySelector:     cfg.Site.BusySelector,
	}
	sc.Defaults()
	return sc
}

// page is what the site layer needs from a tab.
type page interface {
	site.Evaluator
	site.Hooker
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
}

// bindSite builds the site collaborators on p and starts the mutation feed.
func bindSite(ctx context.Context, cfg *Config, p page, logger *slog.Logger) (*Site, error) {
	sc := siteConfig(cfg)
	links, err := site.NewLinkExtractor(sc)
	if err != nil {
		return nil, fmt.Errorf("harvester: %w", err)
	}
	mutations := site.NewMutationFeed(p)
	if err := mutations.Start(ctx); err != nil {
		return nil, fmt.Errorf("harvester: mutation feed: %w", err)
	}
	return &Site{
		Locator:   site.NewLocator(p, sc),
		Extractor: links,
		Navigator: p,
		Busy:      site.NewBusyProbe(p, sc),
		Fields:    site.NewFieldExtractor(p, sc),
		Changes:   mutations,
		Routes:    site.NewRouteFeed(p, logger),
	}, nil
}

// AttachBrowser launches or connects to Chrome per cfg.Browser, opens the
// tab to drive and binds the site collaborators to it.
func AttachBrowser(ctx context.Context, cfg *Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		UserDataDir:      cfg.Browser.UserDataDir,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Stealth:          browser.ParseStealth(cfg.Browser.Stealth),
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		Logger:           logger,
	})
	if _, err := mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("harvester: %w", err)
	}
	tab, err := browser.OpenTab(ctx, mgr, cfg.Browser.Attach, cfg.Site.Anchor)
	if err != nil {
		mgr.Close()
		return nil, fmt.Errorf("harvester: %w", err)
	}
	s, err := bindSite(ctx, cfg, tab, logger)
	if err != nil {
		tab.Close()
		mgr.Close()
		return nil, err
	}
	return &Session{Site: s, mgr: mgr, tab: tab}, nil
}

// Close releases the tab and the browser.
func (s *Session) Close() error {
	s.tab.Close()
	return s.mgr.Close()
}
