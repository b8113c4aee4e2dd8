// Package site adapts a live transcript site to the harvester's
// collaborator interfaces. All DOM heuristics live here; the packages it
// serves never see a selector.
package site

import (
	"context"
	"errors"
)

// Evaluator runs a JS function in the page and decodes its result.
type Evaluator interface {
	Eval(ctx context.Context, out any, js string, args ...any) error
}

// Hooker installs persistent page scripts and receives their calls.
type Hooker interface {
	Install(ctx context.Context, fn string) error
	Bind(ctx context.Context, name string, fn func(payload string)) error
}

// ErrContainerLost is returned when the tagged list container left the DOM.
var ErrContainerLost = errors.New("site: list container lost")

// Config holds the selectors for one site.
type Config struct {
	// ItemLinkSelector matches candidate item anchors.
	ItemLinkSelector string
	// ItemPattern is a regexp the resolved link URL must match. Empty
	// accepts every link.
	ItemPattern string
	// ContainerHints are selectors for elements known to host the list.
	ContainerHints []string

	// ContentRoot scopes turn extraction.
	ContentRoot string
	// TurnSelector matches one node per turn carrying RoleAttr.
	TurnSelector string
	RoleAttr     string
	// BodySelector picks a turn's rendered rich body.
	BodySelector string
	// ArticleSelector is the last-resort turn selector.
	ArticleSelector string

	// BusySelector matches the control shown while a response is generating.
	BusySelector string
}

// Defaults fills empty fields.
func (c *Config) Defaults() {
	if c.ItemLinkSelector == "" {
		c.ItemLinkSelector = "a[href]"
	}
	if c.ContentRoot == "" {
		c.ContentRoot = "main"
	}
	if c.RoleAttr == "" {
		c.RoleAttr = "data-message-author-role"
	}
	if c.TurnSelector == "" {
		c.TurnSelector = "[" + c.RoleAttr + "]"
	}
	if c.BodySelector == "" {
		c.BodySelector = ".markdown, .prose"
	}
	if c.ArticleSelector == "" {
		c.ArticleSelector = "article, [data-testid^='conversation-turn']"
	}
	if c.BusySelector == "" {
		c.BusySelector = "button[data-testid='stop-button'], button[aria-label*='Stop']"
	}
}

// Snapshot is a serialized piece of the page.
type Snapshot struct {
	HTML    string `json:"html"`
	BaseURL string `json:"base"`
}
