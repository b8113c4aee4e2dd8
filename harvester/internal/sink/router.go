package sink

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/harvester/runstate"
)

// Router fans a record out to every sink. One failing sink does not stop
// the others; the first error is returned.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter fans out to sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

func (r *Router) Write(ctx context.Context, runID string, rec runstate.Record) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Write(ctx, runID, rec); err != nil {
			r.logger.Warn("sink: write failed", "item", rec.ItemID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
