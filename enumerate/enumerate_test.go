package enumerate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hazyhaar/harvester/runstate"
)

// scriptedList materializes items[0:sizes[round]]; the last size repeats.
type scriptedList struct {
	sizes      []int
	round      int
	scrollable bool
	scrollErr  error
	scrolls    int
}

func (l *scriptedList) ScrollBy(_ context.Context, _ int) error {
	l.scrolls++
	l.round++
	return l.scrollErr
}

func (l *scriptedList) Scrollable(context.Context) (bool, error) { return l.scrollable, nil }

func (l *scriptedList) Extract(_ context.Context, _ Container) ([]runstate.ItemRef, error) {
	i := l.round
	if i >= len(l.sizes) {
		i = len(l.sizes) - 1
	}
	return refs(0, l.sizes[i]), nil
}

func (l *scriptedList) Locate(context.Context) (Container, error) { return l, nil }

// window materializes a sliding window over total items, the way a
// virtualized list drops rows that scrolled out of view.
type window struct {
	total, size, pos, perScroll int
}

func (w *window) ScrollBy(context.Context, int) error {
	w.pos += w.perScroll
	if w.pos > w.total-w.size {
		w.pos = w.total - w.size
	}
	return nil
}

func (w *window) Scrollable(context.Context) (bool, error) { return w.total > w.size, nil }

func (w *window) Extract(_ context.Context, _ Container) ([]runstate.ItemRef, error) {
	out := refs(w.pos, w.pos+w.size)
	// Labels repeat across distinct items.
	for i := range out {
		out[i].Label = "New chat"
	}
	return out, nil
}

func (w *window) Locate(context.Context) (Container, error) { return w, nil }

type noContainer struct{ calls int }

func (n *noContainer) Locate(context.Context) (Container, error) {
	n.calls++
	return nil, nil
}

func refs(from, to int) []runstate.ItemRef {
	var out []runstate.ItemRef
	for i := from; i < to; i++ {
		ref, _ := runstate.NewItemRef(fmt.Sprintf("https://x.test/c/%d#frag", i), fmt.Sprintf("chat %d", i))
		out = append(out, ref)
	}
	return out
}

func newTest(cfg Config, loc Locator, ext Extractor) *Enumerator {
	e := New(cfg, loc, ext, nil)
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e
}

func TestStableAfterThreeFlatRounds(t *testing.T) {
	l := &scriptedList{sizes: []int{2, 5, 9, 9, 9, 9, 9, 9}, scrollable: true}
	var rounds []Round
	e := newTest(Config{StabilityThreshold: 3, LowCount: 3}, l, l)

	res, err := e.Run(context.Background(), Hooks{OnRound: func(r Round) { rounds = append(rounds, r) }})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || len(res.Items) != 9 {
		t.Fatalf("res = %+v, want ok with 9 items", res)
	}
	if res.Rounds != 5 {
		t.Fatalf("finished at round %d, want 5", res.Rounds)
	}
	if len(rounds) != 6 {
		t.Fatalf("observed %d rounds, want 6", len(rounds))
	}
}

func TestTerminatesAfterGrowthPlusThreshold(t *testing.T) {
	for _, tc := range []struct {
		sizes     []int
		threshold int
	}{
		{[]int{4, 8, 12, 16}, 5},
		{[]int{10}, 2},
		{[]int{5, 5, 7, 20}, 4},
	} {
		k := len(tc.sizes)
		l := &scriptedList{sizes: tc.sizes, scrollable: true}
		res, err := newTest(Config{StabilityThreshold: tc.threshold, LowCount: 3}, l, l).Run(context.Background(), Hooks{})
		if err != nil {
			t.Fatal(err)
		}
		if !res.OK {
			t.Fatalf("sizes %v: %s", tc.sizes, res.Reason)
		}
		// Flat rounds before the last growth do not count toward stability.
		last := 0
		for i := range tc.sizes {
			if i == 0 || tc.sizes[i] > tc.sizes[i-1] {
				last = i
			}
		}
		if got, want := res.Rounds+1, last+1+tc.threshold; got != want {
			t.Errorf("sizes %v (k=%d): ran %d rounds, want %d", tc.sizes, k, got, want)
		}
		if len(res.Items) != tc.sizes[len(tc.sizes)-1] {
			t.Errorf("sizes %v: got %d items", tc.sizes, len(res.Items))
		}
	}
}

func TestLowCountFailsClosed(t *testing.T) {
	l := &scriptedList{sizes: []int{3}, scrollable: true}
	res, err := newTest(Config{StabilityThreshold: 3, LowCount: 3}, l, l).Run(context.Background(), Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.Reason != "LOW_COUNT_3" || res.Items != nil {
		t.Fatalf("res = %+v, want LOW_COUNT_3 with no items", res)
	}
}

func TestNonScrollableIsStableOnRoundZero(t *testing.T) {
	l := &scriptedList{sizes: []int{6}, scrollable: false}
	res, err := newTest(Config{StabilityThreshold: 12, LowCount: 3}, l, l).Run(context.Background(), Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Rounds != 0 || len(res.Items) != 6 {
		t.Fatalf("res = %+v, want ok at round 0 with 6 items", res)
	}
	if l.scrolls != 0 {
		t.Fatalf("scrolled %d times on a list that fits", l.scrolls)
	}
}

func TestNoContainer(t *testing.T) {
	loc := &noContainer{}
	res, err := newTest(Config{LocateAttempts: 4}, loc, nil).Run(context.Background(), Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.Reason != ReasonNoContainer {
		t.Fatalf("res = %+v", res)
	}
	if loc.calls != 4 {
		t.Fatalf("locate calls = %d, want 4", loc.calls)
	}
}

func TestVirtualWindowDedupAndMonotonicSize(t *testing.T) {
	w := &window{total: 50, size: 8, perScroll: 5}
	var sizes []int
	res, err := newTest(Config{StabilityThreshold: 4, LowCount: 3}, w, w).Run(context.Background(), Hooks{
		OnRound: func(r Round) { sizes = append(sizes, r.Size) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || len(res.Items) != 50 {
		t.Fatalf("got %d items (ok=%v), want all 50", len(res.Items), res.OK)
	}
	for i := 1; i < len(sizes); i++ {
		if sizes[i] < sizes[i-1] {
			t.Fatalf("size shrank at round %d: %v", i, sizes)
		}
	}
	seen := map[string]bool{}
	for i, ref := range res.Items {
		if seen[ref.ID] {
			t.Fatalf("duplicate %s", ref.ID)
		}
		seen[ref.ID] = true
		if want := fmt.Sprintf("https://x.test/c/%d", i); ref.ID != want {
			t.Fatalf("items[%d] = %s, want %s (first-seen order)", i, ref.ID, want)
		}
	}
}

func TestStopBetweenRounds(t *testing.T) {
	l := &scriptedList{sizes: []int{5, 10, 15, 20}, scrollable: true}
	calls := 0
	res, err := newTest(Config{StabilityThreshold: 3}, l, l).Run(context.Background(), Hooks{
		Stop: func(context.Context) bool {
			calls++
			return calls == 3
		},
	})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if res.OK || res.Reason != ReasonStopped || res.Rounds != 2 {
		t.Fatalf("res = %+v", res)
	}
}

func TestRoundCapFailsClosed(t *testing.T) {
	sizes := make([]int, 100)
	for i := range sizes {
		sizes[i] = (i + 1) * 10
	}
	l := &scriptedList{sizes: sizes, scrollable: true}
	res, err := newTest(Config{StabilityThreshold: 3, MaxRounds: 10}, l, l).Run(context.Background(), Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.Reason != "UNSTABLE_AFTER_10" {
		t.Fatalf("res = %+v", res)
	}
}

func TestScrollFailureRelocates(t *testing.T) {
	l := &scriptedList{sizes: []int{5, 9}, scrollable: true, scrollErr: errors.New("node detached")}
	res, err := newTest(Config{StabilityThreshold: 2, LowCount: 3}, l, l).Run(context.Background(), Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || len(res.Items) != 9 {
		t.Fatalf("res = %+v", res)
	}
}

func TestContextCancelled(t *testing.T) {
	l := &scriptedList{sizes: []int{5, 10}, scrollable: true}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTest(Config{}, l, l).Run(ctx, Hooks{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
