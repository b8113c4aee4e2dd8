// Package runstore persists the single active RunState.
//
// All persistence goes through Load/Save/Update; nothing else in the
// process reads or writes run state. The SQLite implementation is shared
// by the daemon and the CLI, which is why Update runs in a transaction.
package runstore

import (
	"context"
	"errors"

	"github.com/hazyhaar/harvester/runstate"
)

var (
	// ErrNotFound is returned by Load when no run has ever been started.
	ErrNotFound = errors.New("runstore: no run state")
	// ErrCorrupt is returned when the stored body fails to decode or
	// violates a RunState invariant.
	ErrCorrupt = errors.New("runstore: corrupt run state")
)

// Store is the persistent run store.
type Store interface {
	Load(ctx context.Context) (*runstate.RunState, error)
	Save(ctx context.Context, s *runstate.RunState) error
	// Update loads, applies fn and saves atomically. fn returning an error
	// aborts without writing.
	Update(ctx context.Context, fn func(*runstate.RunState) error) (*runstate.RunState, error)
	// Replace atomically swaps the stored state for the one fn returns.
	// fn sees the current state, or nil when there is none or it is
	// corrupt; an error from fn aborts without writing.
	Replace(ctx context.Context, fn func(prev *runstate.RunState) (*runstate.RunState, error)) (*runstate.RunState, error)
	Clear(ctx context.Context) error
}
