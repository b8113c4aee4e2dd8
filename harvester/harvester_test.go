package harvester

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/harvester/capture"
	"github.com/hazyhaar/harvester/dbopen"
	"github.com/hazyhaar/harvester/enumerate"
	"github.com/hazyhaar/harvester/harvester/internal/sink"
	"github.com/hazyhaar/harvester/runstate"
)

const anchor = "https://chat.test/list"

// host fakes every site collaborator: one scrollable-less list of n items,
// instant navigation and a two-turn transcript per item.
type host struct {
	mu      sync.Mutex
	current string
	items   []runstate.ItemRef
}

func newHost(n int) *host {
	h := &host{current: anchor}
	for i := 0; i < n; i++ {
		ref, _ := runstate.NewItemRef("https://chat.test/c/"+string(rune('a'+i)), "chat")
		h.items = append(h.items, ref)
	}
	return h
}

func (h *host) Navigate(_ context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = url
	return nil
}

func (h *host) CurrentURL(context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, nil
}

func (h *host) Busy(context.Context) (bool, error) { return false, nil }

func (h *host) Locate(context.Context) (enumerate.Container, error) { return h, nil }

func (h *host) ScrollBy(context.Context, int) error { return nil }

func (h *host) Scrollable(context.Context) (bool, error) { return false, nil }

func (h *host) Extract(context.Context, enumerate.Container) ([]runstate.ItemRef, error) {
	return h.items, nil
}

type fields struct{ h *host }

func (f fields) Extract(ctx context.Context) (capture.Extraction, error) {
	cur, _ := f.h.CurrentURL(ctx)
	return capture.Extraction{
		Strategy: "role_text",
		Turns: []runstate.Turn{
			{Role: runstate.RoleUser, Text: "question about " + cur},
			{Role: runstate.RoleAssistant, Text: "answer"},
		},
	}, nil
}

func (h *host) site() *Site {
	return &Site{Locator: h, Extractor: h, Navigator: h, Busy: h, Fields: fields{h}}
}

func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.Site.Anchor = anchor
	cfg.Discovery.Settle = time.Millisecond
	cfg.Discovery.StableRounds = 1
	cfg.Gate.Quiet = time.Millisecond
	cfg.Gate.QuietTimeout = 20 * time.Millisecond
	cfg.Gate.StableAttempts = 2
	cfg.Gate.StableInterval = time.Millisecond
	cfg.Run.BusyBudget = 20 * time.Millisecond
	cfg.Run.BusyPoll = time.Millisecond
	cfg.Run.NavWait = 50 * time.Millisecond
	cfg.Run.PollInterval = 20 * time.Millisecond
	cfg.Store.WatchInterval = 10 * time.Millisecond
	return cfg
}

type collected struct {
	mu   sync.Mutex
	recs map[string]runstate.Record
}

func (c *collected) write(_ context.Context, _ string, rec runstate.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs[rec.ItemID] = rec
	return nil
}

func (c *collected) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func TestRunHarvestsEveryItem(t *testing.T) {
	db := dbopen.OpenMemory(t)
	h := newHost(5)
	out := &collected{recs: map[string]runstate.Record{}}
	hv, err := New(fastConfig(), db, Options{Site: h.site(), Sink: sink.NewCallback(out.write)})
	if err != nil {
		t.Fatal(err)
	}
	defer hv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- hv.Run(ctx) }()

	if _, err := hv.Machine().Start(ctx, anchor); err != nil {
		t.Fatal(err)
	}
	hv.notify()

	deadline := time.Now().Add(10 * time.Second)
	for {
		st, err := hv.Machine().Status(ctx)
		if err == nil && st.Phase == runstate.Done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.len() != 5 {
		t.Fatalf("sink got %d records, want 5", out.len())
	}
	for _, ref := range h.items {
		rec, ok := out.recs[ref.ID]
		if !ok {
			t.Fatalf("missing record for %s", ref.ID)
		}
		if rec.Status != runstate.StatusOK || len(rec.Turns) != 2 {
			t.Errorf("%s: status=%s turns=%d", ref.ID, rec.Status, len(rec.Turns))
		}
		if !strings.Contains(rec.Turns[0].Text, ref.ID) {
			t.Errorf("%s captured the wrong view: %q", ref.ID, rec.Turns[0].Text)
		}
	}
	entries, err := hv.Ledger().IndexEntries(context.Background(), "")
	if err != nil || len(entries) != 5 {
		t.Fatalf("index entries = %d, %v", len(entries), err)
	}
	hb, err := hv.Daemon(context.Background())
	if err != nil || hb == nil || !hb.Alive {
		t.Fatalf("daemon heartbeat = %+v, %v", hb, err)
	}
}

// An out-of-process stop (another process writing the same store) is picked
// up through the store watcher.
func TestRunHonoursStopFromAnotherHarvester(t *testing.T) {
	db := dbopen.OpenMemory(t)
	h := newHost(5)
	cfg := fastConfig()
	cfg.Run.PollInterval = time.Hour

	gate := make(chan struct{})
	var once sync.Once
	blocking := sink.NewCallback(func(ctx context.Context, _ string, _ runstate.Record) error {
		once.Do(func() { <-gate })
		return nil
	})
	hv, err := New(cfg, db, Options{Site: h.site(), Sink: blocking})
	if err != nil {
		t.Fatal(err)
	}
	control, err := New(cfg, db, Options{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- hv.Run(ctx) }()

	if _, err := control.Machine().Start(ctx, anchor); err != nil {
		t.Fatal(err)
	}
	// The first sink write blocks the daemon mid-run; stop it from outside.
	time.Sleep(50 * time.Millisecond)
	if _, err := control.Machine().RequestStop(ctx); err != nil {
		t.Fatal(err)
	}
	close(gate)

	deadline := time.Now().Add(10 * time.Second)
	for {
		st, err := control.Machine().Status(ctx)
		if err == nil && st.Phase == runstate.Idle && st.StoppedFrom != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never stopped: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-errc
}

func TestRunWithoutSite(t *testing.T) {
	db := dbopen.OpenMemory(t)
	hv, err := New(DefaultConfig(), db, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := hv.Run(context.Background()); !errors.Is(err, ErrNoBrowser) {
		t.Fatalf("err = %v, want ErrNoBrowser", err)
	}
}

func TestBuildSinks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sinks = []SinkConfig{
		{Type: "stdout"},
		{Type: "dir", Path: t.TempDir(), Markdown: true},
		{Type: "webhook", URL: "http://127.0.0.1:1/hook", Retries: 1},
	}
	s, err := BuildSinks(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	cfg.Sinks = []SinkConfig{{Type: "carrier-pigeon"}}
	if _, err := BuildSinks(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unknown sink type")
	}
}

type scriptPage struct {
	host
	installed int
	bound     []string
}

func (p *scriptPage) Eval(context.Context, any, string, ...any) error {
	return errors.New("no page")
}

func (p *scriptPage) Install(context.Context, string) error {
	p.installed++
	return nil
}

func (p *scriptPage) Bind(_ context.Context, name string, _ func(string)) error {
	p.bound = append(p.bound, name)
	return nil
}

func TestBindSite(t *testing.T) {
	p := &scriptPage{}
	cfg := fastConfig()
	s, err := bindSite(context.Background(), cfg, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Locator == nil || s.Extractor == nil || s.Navigator == nil || s.Busy == nil ||
		s.Fields == nil || s.Changes == nil || s.Routes == nil {
		t.Fatalf("incomplete site: %+v", s)
	}
	if p.installed != 1 || len(p.bound) != 1 {
		t.Fatalf("mutation feed not installed: installed=%d bound=%v", p.installed, p.bound)
	}

	cfg.Site.ItemPattern = "(["
	if _, err := bindSite(context.Background(), cfg, p, nil); err == nil {
		t.Fatal("expected error for invalid item pattern")
	}
}
