// Package sink delivers captured records to external backends.
package sink

import (
	"context"

	"github.com/hazyhaar/harvester/runstate"
)

// Sink receives records. Writing the same item twice must leave the
// backend as if it had been written once.
type Sink interface {
	Write(ctx context.Context, runID string, rec runstate.Record) error
	Close() error
}

// envelope is the wire shape shared by the JSON sinks.
type envelope struct {
	RunID  string          `json:"run_id"`
	Record runstate.Record `json:"record"`
}
