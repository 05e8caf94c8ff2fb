package dlq

import (
	"fmt"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/dwickyfp/rosetta/internal/cdc"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func insertEvents(table cdc.TableId, n int) []cdc.Event {
	events := make([]cdc.Event, n)
	for i := range events {
		events[i] = cdc.Event{
			Type:  cdc.EventInsert,
			Table: table,
			Row: &cdc.TableRow{Values: []cdc.Cell{
				cdc.I64Cell(int64(i)),
				cdc.StringCell(fmt.Sprintf("row-%d", i)),
			}},
		}
	}
	return events
}

func TestStore_PushPopRoundTrip(t *testing.T) {
	store := newTestStore(t)

	events := insertEvents(16401, 5)
	if err := store.Push(7, "16401", events); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := store.StoredCount(7, "16401"); got != 5 {
		t.Fatalf("StoredCount = %d, want 5", got)
	}

	popped, err := store.PopBatch(7, "16401", 10)
	if err != nil {
		t.Fatalf("PopBatch: %v", err)
	}
	if len(popped) != 5 {
		t.Fatalf("popped %d events, want 5", len(popped))
	}
	for i, ev := range popped {
		if ev.Row.Values[0].I64 != int64(i) {
			t.Errorf("event %d out of order: got %d", i, ev.Row.Values[0].I64)
		}
	}

	if got := store.StoredCount(7, "16401"); got != 0 {
		t.Errorf("StoredCount after drain = %d, want 0", got)
	}
	if !store.IsEmpty(7, "16401") {
		t.Error("IsEmpty = false after drain")
	}
}

func TestStore_PopPreservesInsertionOrderAcrossEntries(t *testing.T) {
	store := newTestStore(t)

	for batch := 0; batch < 3; batch++ {
		events := []cdc.Event{{
			Type:  cdc.EventInsert,
			Table: 100,
			Row:   &cdc.TableRow{Values: []cdc.Cell{cdc.I64Cell(int64(batch))}},
		}}
		if err := store.Push(1, "100", events); err != nil {
			t.Fatalf("Push %d: %v", batch, err)
		}
	}

	popped, err := store.PopBatch(1, "100", 10)
	if err != nil {
		t.Fatalf("PopBatch: %v", err)
	}
	if len(popped) != 3 {
		t.Fatalf("popped %d, want 3", len(popped))
	}
	for i, ev := range popped {
		if ev.Row.Values[0].I64 != int64(i) {
			t.Errorf("position %d: got batch %d, want %d", i, ev.Row.Values[0].I64, i)
		}
	}
}

func TestStore_OversizedPopRewritesRemainder(t *testing.T) {
	store := newTestStore(t)

	if err := store.Push(2, "200", insertEvents(200, 10)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	popped, err := store.PopBatch(2, "200", 4)
	if err != nil {
		t.Fatalf("PopBatch: %v", err)
	}
	if len(popped) != 4 {
		t.Fatalf("popped %d, want exactly 4", len(popped))
	}
	if got := store.StoredCount(2, "200"); got != 6 {
		t.Fatalf("StoredCount = %d, want 6", got)
	}

	// The remainder keeps its position: the next pop continues the sequence.
	rest, err := store.PopBatch(2, "200", 100)
	if err != nil {
		t.Fatalf("PopBatch rest: %v", err)
	}
	if len(rest) != 6 {
		t.Fatalf("popped %d remaining, want 6", len(rest))
	}
	if rest[0].Row.Values[0].I64 != 4 {
		t.Errorf("remainder starts at %d, want 4", rest[0].Row.Values[0].I64)
	}
}

func TestStore_CountMatchesMetadataAfterEveryOp(t *testing.T) {
	store := newTestStore(t)

	if err := store.Push(3, "a", insertEvents(1, 3)); err != nil {
		t.Fatal(err)
	}
	if err := store.Push(3, "b", insertEvents(2, 2)); err != nil {
		t.Fatal(err)
	}
	if got := store.CountForDestination(3); got != 5 {
		t.Fatalf("CountForDestination = %d, want 5", got)
	}

	if _, err := store.PopBatch(3, "a", 2); err != nil {
		t.Fatal(err)
	}
	if got := store.CountForDestination(3); got != 3 {
		t.Fatalf("CountForDestination after pop = %d, want 3", got)
	}
}

func TestStore_PendingTables(t *testing.T) {
	store := newTestStore(t)

	if err := store.Push(4, "alpha", insertEvents(1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := store.Push(4, "beta", insertEvents(2, 1)); err != nil {
		t.Fatal(err)
	}
	if err := store.Push(5, "gamma", insertEvents(3, 1)); err != nil {
		t.Fatal(err)
	}

	tables := store.PendingTables(4)
	if len(tables) != 2 {
		t.Fatalf("PendingTables(4) = %v, want 2 tables", tables)
	}
	seen := map[string]bool{}
	for _, tb := range tables {
		seen[tb] = true
	}
	if !seen["alpha"] || !seen["beta"] {
		t.Errorf("PendingTables(4) = %v, want alpha and beta", tables)
	}

	// Draining a table removes it from the pending set.
	if _, err := store.PopBatch(4, "alpha", 10); err != nil {
		t.Fatal(err)
	}
	tables = store.PendingTables(4)
	if len(tables) != 1 || tables[0] != "beta" {
		t.Errorf("PendingTables(4) after drain = %v, want [beta]", tables)
	}
}

func TestStore_CorruptEntryIsDropped(t *testing.T) {
	store := newTestStore(t)

	// Write a corrupt value directly under the events keyspace.
	key := fmt.Appendf(nil, "%s6:junk:%020d:manual", eventsPrefix, 1)
	err := store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte("not json"))
	})
	if err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}

	if err := store.Push(6, "junk", insertEvents(1, 2)); err != nil {
		t.Fatal(err)
	}

	popped, err := store.PopBatch(6, "junk", 10)
	if err != nil {
		t.Fatalf("PopBatch: %v", err)
	}
	if len(popped) != 2 {
		t.Fatalf("popped %d, want 2 (corrupt entry dropped)", len(popped))
	}

	// The corrupt key is gone: a second pop finds nothing.
	again, err := store.PopBatch(6, "junk", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second pop returned %d events, want 0", len(again))
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Push(9, "900", insertEvents(900, 3)); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if got := reopened.CountForDestination(9); got != 3 {
		t.Errorf("CountForDestination after reopen = %d, want 3", got)
	}
	popped, err := reopened.PopBatch(9, "900", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(popped) != 3 {
		t.Errorf("popped %d after reopen, want 3", len(popped))
	}
}
