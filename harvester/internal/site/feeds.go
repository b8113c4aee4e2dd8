package site

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
)

//go:embed route.js
var routeJS string

//go:embed mutation.js
var mutationJS string

const (
	routeBinding    = "__harvesterRoute"
	mutationBinding = "__harvesterMutation"
)

// RouteFeed reports client-side route changes (history API, popstate,
// hash changes) and full reloads.
type RouteFeed struct {
	page   Hooker
	logger *slog.Logger
}

// NewRouteFeed returns a RouteFeed on page. logger may be nil.
func NewRouteFeed(page Hooker, logger *slog.Logger) *RouteFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouteFeed{page: page, logger: logger}
}

// Start installs the hook and calls onChange with each new URL until ctx
// is done.
func (r *RouteFeed) Start(ctx context.Context, onChange func(url string)) error {
	if err := r.page.Bind(ctx, routeBinding, func(url string) {
		r.logger.Debug("site: route change", "url", url)
		onChange(url)
	}); err != nil {
		return fmt.Errorf("site: route feed: %w", err)
	}
	if err := r.page.Install(ctx, routeJS); err != nil {
		return fmt.Errorf("site: route feed: %w", err)
	}
	return nil
}

// MutationFeed turns DOM mutations into change notifications. It
// implements gate.ChangeSource.
type MutationFeed struct {
	page Hooker

	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

// NewMutationFeed returns a MutationFeed on page. Call Start before use.
func NewMutationFeed(page Hooker) *MutationFeed {
	return &MutationFeed{page: page, subs: make(map[int]chan struct{})}
}

// Start installs the observer.
func (m *MutationFeed) Start(ctx context.Context) error {
	if err := m.page.Bind(ctx, mutationBinding, func(string) { m.dispatch() }); err != nil {
		return fmt.Errorf("site: mutation feed: %w", err)
	}
	if err := m.page.Install(ctx, mutationJS); err != nil {
		return fmt.Errorf("site: mutation feed: %w", err)
	}
	return nil
}

// Changes implements gate.ChangeSource. Bursts coalesce into one pending
// notification per subscriber.
func (m *MutationFeed) Changes(_ context.Context) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *MutationFeed) dispatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
