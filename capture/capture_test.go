package capture

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/harvester/dbopen"
	"github.com/hazyhaar/harvester/gate"
	"github.com/hazyhaar/harvester/ledger"
	"github.com/hazyhaar/harvester/runstate"
)

func turn(role runstate.Role, text string) runstate.Turn { return runstate.Turn{Role: role, Text: text} }

func TestDedupExactRepeats(t *testing.T) {
	in := []runstate.Turn{
		turn(runstate.RoleUser, "hi"),
		turn(runstate.RoleAssistant, "yo"),
		turn(runstate.RoleAssistant, "yo"),
	}
	out := Dedup(in)
	if len(out) != 2 {
		t.Fatalf("got %d turns, want 2", len(out))
	}
	if out[0].Text != "hi" || out[1].Text != "yo" || out[1].Index != 1 {
		t.Fatalf("out = %+v", out)
	}
}

func TestDedupKeepsSameTextDifferentRole(t *testing.T) {
	out := Dedup([]runstate.Turn{turn(runstate.RoleUser, "ok"), turn(runstate.RoleAssistant, "ok")})
	if len(out) != 2 {
		t.Fatalf("got %d, want 2", len(out))
	}
}

func TestBuildStatus(t *testing.T) {
	item, _ := runstate.NewItemRef("https://x.test/c/1", "one")
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	turns := []runstate.Turn{turn(runstate.RoleUser, "q")}

	cases := []struct {
		name       string
		turns      []runstate.Turn
		ev         Evidence
		status     runstate.Status
		kept       int
		unverified int
	}{
		{"ready with turns", turns, Evidence{Ready: true}, runstate.StatusOK, 1, 0},
		{"ready no turns", nil, Evidence{Ready: true}, runstate.StatusEmpty, 0, 0},
		{"unstable with turns", turns, Evidence{Ready: false}, runstate.StatusEmpty, 0, 1},
		{"busy timeout", turns, Evidence{BusyTimedOut: true}, runstate.StatusTimeout, 1, 0},
	}
	for _, c := range cases {
		rec := Build(item, c.turns, c.ev, now)
		if rec.Status != c.status || len(rec.Turns) != c.kept {
			t.Errorf("%s: status=%s turns=%d, want %s/%d", c.name, rec.Status, len(rec.Turns), c.status, c.kept)
		}
		if len(rec.Unverified) != c.unverified {
			t.Errorf("%s: unverified=%d, want %d", c.name, len(rec.Unverified), c.unverified)
		}
		if reason, ok := Validate(rec); !ok {
			t.Errorf("%s: built record invalid: %s", c.name, reason)
		}
		if rec.ItemID != item.ID || !rec.CapturedAt.Equal(now) {
			t.Errorf("%s: identity lost: %+v", c.name, rec)
		}
	}
}

type scriptedFields struct {
	reads [][]runstate.Turn
	n     int
}

func (s *scriptedFields) Extract(context.Context) (Extraction, error) {
	i := s.n
	if i >= len(s.reads) {
		i = len(s.reads) - 1
	}
	s.n++
	return Extraction{Turns: s.reads[i], Strategy: "scripted"}, nil
}

func fastGate() *gate.Gate {
	return gate.New(gate.Config{
		Quiet: time.Millisecond, QuietTimeout: 20 * time.Millisecond,
		StableAttempts: 6, StableInterval: time.Millisecond,
	}, nil)
}

func TestCapturerWaitsForStableLastTurn(t *testing.T) {
	partial := []runstate.Turn{turn(runstate.RoleUser, "q"), turn(runstate.RoleAssistant, "Hel")}
	full := []runstate.Turn{turn(runstate.RoleUser, "q"), turn(runstate.RoleAssistant, "Hello"), turn(runstate.RoleAssistant, "Hello")}
	fields := &scriptedFields{reads: [][]runstate.Turn{nil, partial, full, full, full}}
	c := NewCapturer(fastGate(), fields, nil, nil)

	item, _ := runstate.NewItemRef("https://x.test/c/1", "")
	rec, err := c.Capture(context.Background(), item, false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != runstate.StatusOK {
		t.Fatalf("status = %s, evidence %v", rec.Status, rec.Evidence)
	}
	if len(rec.Turns) != 2 || rec.Turns[1].Text != "Hello" {
		t.Fatalf("turns = %+v", rec.Turns)
	}
	if rec.Evidence["strategy"] != "scripted" {
		t.Fatalf("evidence = %v", rec.Evidence)
	}
}

func TestCapturerEmptyView(t *testing.T) {
	c := NewCapturer(fastGate(), &scriptedFields{reads: [][]runstate.Turn{nil}}, nil, nil)
	item, _ := runstate.NewItemRef("https://x.test/c/2", "")
	rec, err := c.Capture(context.Background(), item, false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != runstate.StatusEmpty {
		t.Fatalf("status = %s, want EMPTY", rec.Status)
	}
}

func TestCapturerBusyTimeoutKeepsPartial(t *testing.T) {
	fields := &scriptedFields{reads: [][]runstate.Turn{{turn(runstate.RoleUser, "q"), turn(runstate.RoleAssistant, "still typ")}}}
	c := NewCapturer(fastGate(), fields, nil, nil)
	item, _ := runstate.NewItemRef("https://x.test/c/3", "")
	rec, err := c.Capture(context.Background(), item, true)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != runstate.StatusTimeout || len(rec.Turns) != 2 {
		t.Fatalf("rec = %+v", rec)
	}
	if fields.n != 1 {
		t.Fatalf("busy path polled %d times, want a single read", fields.n)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		rec    runstate.Record
		reason string
	}{
		{runstate.Record{ItemID: "a", Status: runstate.StatusOK, Turns: []runstate.Turn{turn(runstate.RoleUser, "x")}}, ""},
		{runstate.Record{Status: runstate.StatusOK}, ReasonMissingItemID},
		{runstate.Record{ItemID: "a", Status: runstate.StatusOK}, ReasonNoTurns},
		{runstate.Record{ItemID: "a", Status: runstate.StatusOK, Turns: []runstate.Turn{turn(runstate.RoleUser, "  ")}}, ReasonEmptyText},
		{runstate.Record{ItemID: "a", Status: runstate.StatusEmpty}, ""},
		{runstate.Record{ItemID: "a", Status: runstate.StatusTimeout}, ""},
	}
	for i, c := range cases {
		reason, ok := Validate(c.rec)
		if reason != c.reason || ok != (c.reason == "") {
			t.Errorf("case %d: reason=%q ok=%v, want %q", i, reason, ok, c.reason)
		}
	}
}

func TestRepairDryRunThenApply(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	l, err := ledger.New(db)
	if err != nil {
		t.Fatal(err)
	}
	good := runstate.Record{ItemID: "good", Status: runstate.StatusOK, Turns: []runstate.Turn{turn(runstate.RoleUser, "x")}}
	bad := runstate.Record{ItemID: "bad", Status: runstate.StatusOK, Turns: []runstate.Turn{turn(runstate.RoleUser, "")}}
	empty := runstate.Record{ItemID: "empty", Status: runstate.StatusEmpty}
	for _, r := range []runstate.Record{good, bad, empty} {
		if err := l.UpsertIndex(ctx, "r", r); err != nil {
			t.Fatal(err)
		}
	}
	// A row whose body no longer decodes is still keyed by its item id.
	if _, err := db.ExecContext(ctx,
		`INSERT INTO capture_index (item_id, run_id, status, turn_count, captured_at, updated_at, body)
		 VALUES ('garbled', 'r', 'OK', 1, 9999999999999, 0, 'not json')`); err != nil {
		t.Fatal(err)
	}

	rp := NewRepairer(l, nil)
	rep, err := rp.Repair(ctx, "r", false)
	if err != nil {
		t.Fatal(err)
	}
	want := []Issue{
		{ItemID: "bad", RunID: "r", Reason: ReasonEmptyText},
		{ItemID: "garbled", RunID: "r", Reason: ReasonUndecodable},
	}
	if rep.Scanned != 4 || rep.Applied {
		t.Fatalf("dry run = %+v", rep)
	}
	if diff := cmp.Diff(want, rep.Issues); diff != "" {
		t.Fatalf("issues (-want +got):\n%s", diff)
	}
	if entries, _ := l.IndexEntries(ctx, "r"); len(entries) != 4 {
		t.Fatalf("dry run removed entries: %d left", len(entries))
	}

	rep, err = rp.Repair(ctx, "r", true)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Applied || rep.Removed != 2 {
		t.Fatalf("apply = %+v", rep)
	}
	for _, id := range []string{"bad", "garbled"} {
		if _, ok, _ := l.Index(ctx, id); ok {
			t.Fatalf("invalid entry %q survived repair", id)
		}
	}
	if entries, _ := l.IndexEntries(ctx, "r"); len(entries) != 2 {
		t.Fatalf("after apply: %d entries, want 2", len(entries))
	}

	events, _ := l.Events(ctx, "r", ledger.Filter{Types: []string{ledger.RepairPlan, ledger.RepairApplied}})
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	if got := strings.Join(types, ","); got != "REPAIR_PLAN,REPAIR_PLAN,REPAIR_APPLIED" {
		t.Fatalf("ledger = %s", got)
	}
}

func TestShard(t *testing.T) {
	turns := []runstate.Turn{
		turn(runstate.RoleUser, strings.Repeat("a", 40)),
		turn(runstate.RoleAssistant, strings.Repeat("b", 40)),
		turn(runstate.RoleUser, strings.Repeat("c", 40)),
		turn(runstate.RoleAssistant, strings.Repeat("d", 40)),
		turn(runstate.RoleUser, strings.Repeat("e", 200)),
	}

	if got := Shard(turns, 0, 2); len(got) != 1 || len(got[0]) != 5 {
		t.Fatalf("disabled sharding split: %d", len(got))
	}

	shards := Shard(turns, 100, 1)
	// [a b] [b c] [c d] [d] [e]
	want := [][]byte{{'a', 'b'}, {'b', 'c'}, {'c', 'd'}, {'d'}, {'e'}}
	if len(shards) != len(want) {
		t.Fatalf("got %d shards, want %d", len(shards), len(want))
	}
	for i, s := range shards {
		if len(s) != len(want[i]) {
			t.Fatalf("shard %d has %d turns, want %d", i, len(s), len(want[i]))
		}
		for j, tr := range s {
			if tr.Text[0] != want[i][j] {
				t.Fatalf("shard %d turn %d = %c, want %c", i, j, tr.Text[0], want[i][j])
			}
		}
	}
}
