package sink

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/harvester/runstate"
)

// Throttle spaces writes to the wrapped sink at least every apart.
type Throttle struct {
	next    Sink
	limiter *rate.Limiter
}

// NewThrottle wraps next. every <= 0 disables throttling.
func NewThrottle(next Sink, every time.Duration) *Throttle {
	lim := rate.NewLimiter(rate.Inf, 1)
	if every > 0 {
		lim = rate.NewLimiter(rate.Every(every), 1)
	}
	return &Throttle{next: next, limiter: lim}
}

func (t *Throttle) Write(ctx context.Context, runID string, rec runstate.Record) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sink: throttle: %w", err)
	}
	return t.next.Write(ctx, runID, rec)
}

func (t *Throttle) Close() error { return t.next.Close() }
