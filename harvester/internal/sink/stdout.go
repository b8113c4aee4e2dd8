package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/harvester/runstate"
)

// Stdout writes one JSON line per record.
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout returns a Stdout sink on w, os.Stdout when nil.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) Write(_ context.Context, runID string, rec runstate.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{RunID: runID, Record: rec})
}

func (s *Stdout) Close() error { return nil }
