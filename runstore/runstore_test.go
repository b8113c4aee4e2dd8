package runstore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/harvester/dbopen"
	"github.com/hazyhaar/harvester/runstate"
	"github.com/hazyhaar/harvester/runstore"
)

func inItemState() *runstate.RunState {
	st := runstate.New("run_test", "https://x.test/list", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	for i := 0; i < 5; i++ {
		ref, _ := runstate.NewItemRef(fmt.Sprintf("https://x.test/c/%d", i), fmt.Sprintf("chat %d", i))
		st.Queue = append(st.Queue, ref)
	}
	st.Phase = runstate.InItem
	st.Cursor = 3
	st.Captured = []runstate.Record{
		{ItemID: st.Queue[0].ID, Status: runstate.StatusOK, CapturedAt: st.StartedAt},
		{ItemID: st.Queue[1].ID, Status: runstate.StatusEmpty, CapturedAt: st.StartedAt},
	}
	st.Failures = []runstate.FailureEvent{
		{Kind: runstate.NavigationStall, ItemID: st.Queue[2].ID, Cursor: 2, Phase: runstate.InItem, Reason: "never arrived", At: st.StartedAt},
	}
	return st
}

func TestSQLiteRoundTripAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.db")
	ctx := context.Background()

	db, err := dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	store, err := runstore.NewSQLite(db)
	if err != nil {
		t.Fatal(err)
	}
	want := inItemState()
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	db.Close()

	// Cold restart: new handle, new store value.
	db2, err := dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	store2, err := runstore.NewSQLite(db2)
	if err != nil {
		t.Fatal(err)
	}
	got, err := store2.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	cur, ok := got.Current()
	if !ok || cur.ID != want.Queue[3].ID {
		t.Fatalf("current = %v, want queue[3]", cur)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	store := runstore.NewMemory()
	want := inItemState()
	if err := store.Save(context.Background(), want); err != nil {
		t.Fatal(err)
	}
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if got == want {
		t.Fatal("Load returned the saved pointer; expected a decoded copy")
	}
}

func TestLoadEmpty(t *testing.T) {
	store, err := runstore.NewSQLite(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(context.Background()); !errors.Is(err, runstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveRejectsInvalidState(t *testing.T) {
	store, err := runstore.NewSQLite(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	st := inItemState()
	st.Cursor = 99
	if err := store.Save(context.Background(), st); err == nil {
		t.Fatal("cursor > len(queue) persisted")
	}
}

func TestCorruptBody(t *testing.T) {
	db := dbopen.OpenMemory(t)
	store, err := runstore.NewSQLite(db)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO run_state (slot, run_id, phase, cursor, body, updated_at) VALUES (1, 'r', 'IDLE', 0, '{not json', 0)`); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(context.Background()); !errors.Is(err, runstore.ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestRevisionAndUpdate(t *testing.T) {
	ctx := context.Background()
	store, err := runstore.NewSQLite(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	if rev, _ := store.Revision(ctx); rev != 0 {
		t.Fatalf("empty revision = %d", rev)
	}
	if err := store.Save(ctx, inItemState()); err != nil {
		t.Fatal(err)
	}
	got, err := store.Update(ctx, func(st *runstate.RunState) error {
		st.StopRequested = true
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !got.StopRequested {
		t.Fatal("update not applied to returned state")
	}
	if rev, _ := store.Revision(ctx); rev != 2 {
		t.Fatalf("revision = %d, want 2", rev)
	}

	abort := errors.New("abort")
	if _, err := store.Update(ctx, func(st *runstate.RunState) error {
		st.Cursor = 0
		return abort
	}); !errors.Is(err, abort) {
		t.Fatalf("err = %v, want abort", err)
	}
	reloaded, _ := store.Load(ctx)
	if reloaded.Cursor != 3 {
		t.Fatalf("aborted update leaked: cursor = %d", reloaded.Cursor)
	}
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	sqlite, err := runstore.NewSQLite(db)
	if err != nil {
		t.Fatal(err)
	}
	for name, store := range map[string]runstore.Store{"sqlite": sqlite, "memory": runstore.NewMemory()} {
		t.Run(name, func(t *testing.T) {
			var seen []*runstate.RunState
			swap := func(prev *runstate.RunState) (*runstate.RunState, error) {
				seen = append(seen, prev)
				if prev != nil && prev.Phase.Active() {
					return nil, errors.New("active")
				}
				return inItemState(), nil
			}

			if _, err := store.Replace(ctx, swap); err != nil {
				t.Fatalf("first replace: %v", err)
			}
			if seen[0] != nil {
				t.Fatalf("empty store handed %+v", seen[0])
			}
			if _, err := store.Replace(ctx, swap); err == nil {
				t.Fatal("replace over an active run succeeded")
			}
			if seen[1] == nil || seen[1].RunID != "run_test" {
				t.Fatalf("second replace saw %+v", seen[1])
			}
			got, err := store.Load(ctx)
			if err != nil || got.Cursor != 3 {
				t.Fatalf("aborted replace changed state: %+v, %v", got, err)
			}
		})
	}

	// A corrupt row reads as no state and is overwritten.
	if _, err := db.Exec(`UPDATE run_state SET body = '{not json' WHERE slot = 1`); err != nil {
		t.Fatal(err)
	}
	st, err := sqlite.Replace(ctx, func(prev *runstate.RunState) (*runstate.RunState, error) {
		if prev != nil {
			t.Errorf("corrupt row handed %+v", prev)
		}
		return inItemState(), nil
	})
	if err != nil || st.RunID != "run_test" {
		t.Fatalf("replace over corrupt row: %+v, %v", st, err)
	}
	if _, err := sqlite.Load(ctx); err != nil {
		t.Fatalf("load after replace: %v", err)
	}
}
