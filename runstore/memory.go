package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hazyhaar/harvester/runstate"
)

// Memory keeps the state as encoded JSON, so a Load after Save goes through
// the same decode path a cold restart does.
type Memory struct {
	mu   sync.Mutex
	body []byte
}

// NewMemory returns an empty store.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(_ context.Context) (*runstate.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.body == nil {
		return nil, ErrNotFound
	}
	return decode(string(m.body))
}

func (m *Memory) Save(_ context.Context, st *runstate.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(st)
}

func (m *Memory) Update(_ context.Context, fn func(*runstate.RunState) error) (*runstate.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.body == nil {
		return nil, ErrNotFound
	}
	st, err := decode(string(m.body))
	if err != nil {
		return nil, err
	}
	if err := fn(st); err != nil {
		return nil, err
	}
	if err := m.write(st); err != nil {
		return nil, err
	}
	return st, nil
}

func (m *Memory) Replace(_ context.Context, fn func(*runstate.RunState) (*runstate.RunState, error)) (*runstate.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prev *runstate.RunState
	if m.body != nil {
		prev, _ = decode(string(m.body))
	}
	next, err := fn(prev)
	if err != nil {
		return nil, err
	}
	if err := m.write(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.body = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) write(st *runstate.RunState) error {
	if err := st.Validate(); err != nil {
		return fmt.Errorf("runstore: save: %w", err)
	}
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("runstore: save: encode: %w", err)
	}
	m.body = b
	return nil
}
