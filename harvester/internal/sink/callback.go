package sink

import (
	"context"

	"github.com/hazyhaar/harvester/runstate"
)

// RecordFunc receives a record in-process.
type RecordFunc func(ctx context.Context, runID string, rec runstate.Record) error

// Callback delivers records through a Go function, for embedding the
// harvester in a larger binary.
type Callback struct {
	fn RecordFunc
}

// NewCallback wraps fn. A nil fn discards records.
func NewCallback(fn RecordFunc) *Callback { return &Callback{fn: fn} }

func (c *Callback) Write(ctx context.Context, runID string, rec runstate.Record) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, runID, rec)
}

func (c *Callback) Close() error { return nil }
