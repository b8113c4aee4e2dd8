package site

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/harvester/enumerate"
	"github.com/hazyhaar/harvester/runstate"
)

// LinkExtractor reads item links out of a located Container.
type LinkExtractor struct {
	selector string
	pattern  *regexp.Regexp
}

// NewLinkExtractor compiles cfg.ItemPattern.
func NewLinkExtractor(cfg Config) (*LinkExtractor, error) {
	cfg.Defaults()
	e := &LinkExtractor{selector: cfg.ItemLinkSelector}
	if cfg.ItemPattern != "" {
		re, err := regexp.Compile(cfg.ItemPattern)
		if err != nil {
			return nil, fmt.Errorf("site: item pattern: %w", err)
		}
		e.pattern = re
	}
	return e, nil
}

type snapshotter interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Extract implements enumerate.Extractor.
func (e *LinkExtractor) Extract(ctx context.Context, c enumerate.Container) ([]runstate.ItemRef, error) {
	s, ok := c.(snapshotter)
	if !ok {
		return nil, fmt.Errorf("site: container %T cannot be snapshotted", c)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return e.Parse(snap)
}

// Parse returns the item links in snap in document order, each item once.
func (e *LinkExtractor) Parse(snap Snapshot) ([]runstate.ItemRef, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return nil, fmt.Errorf("site: parse list: %w", err)
	}
	base, err := url.Parse(snap.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("site: base url: %w", err)
	}

	var out []runstate.ItemRef
	seen := make(map[string]bool)
	doc.Find(e.selector).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		u, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(u).String()
		if e.pattern != nil && !e.pattern.MatchString(abs) {
			return
		}
		ref, ok := runstate.NewItemRef(abs, linkLabel(a))
		if !ok || seen[ref.ID] {
			return
		}
		seen[ref.ID] = true
		out = append(out, ref)
	})
	return out, nil
}

func linkLabel(a *goquery.Selection) string {
	if t := collapseSpace(a.Text()); t != "" {
		return t
	}
	for _, attr := range []string{"title", "aria-label"} {
		if v, ok := a.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return collapseSpace(v)
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
