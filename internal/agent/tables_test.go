package agent

import (
	"fmt"
	"testing"

	"github.com/nicodishanthj/sqlsage/internal/retriever"
)

func rankedCandidates(n int) []retriever.Candidate {
	out := make([]retriever.Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, retriever.Candidate{
			TableID: fmt.Sprintf("public.t%02d", i),
			Name:    fmt.Sprintf("t%02d", i),
			Score:   1.0 - float64(i)*0.05,
		})
	}
	return out
}

func assertPartition(t *testing.T, st *TurnState) {
	t.Helper()
	for _, active := range st.ActiveTables {
		if _, ok := st.CachedTables[active.TableID]; ok {
			t.Fatalf("table %s is both active and cached", active.TableID)
		}
	}
}

func TestSelectTablesPartitionsCandidates(t *testing.T) {
	st := &TurnState{}
	st.selectTables(rankedCandidates(15), 5)

	if len(st.ActiveTables) != 5 {
		t.Fatalf("active = %d, want 5", len(st.ActiveTables))
	}
	if len(st.CachedTables) != 10 {
		t.Fatalf("cached = %d, want 10", len(st.CachedTables))
	}
	assertPartition(t, st)

	if st.ActiveTables[0].TableID != "public.t00" {
		t.Fatalf("selection must keep score order, got %s first", st.ActiveTables[0].TableID)
	}
}

func TestSelectTablesWithFewerCandidatesThanK(t *testing.T) {
	st := &TurnState{}
	st.selectTables(rankedCandidates(3), 5)
	if len(st.ActiveTables) != 3 || len(st.CachedTables) != 0 {
		t.Fatalf("active=%d cached=%d", len(st.ActiveTables), len(st.CachedTables))
	}
}

func TestExpandTablesNextBatchKeepsPartition(t *testing.T) {
	st := &TurnState{}
	st.selectTables(rankedCandidates(15), 5)

	added := st.expandTables(nil, 5)
	if len(added) != 5 {
		t.Fatalf("added = %d, want 5", len(added))
	}
	if added[0].TableID != "public.t05" {
		t.Fatalf("expansion must follow score order, got %s", added[0].TableID)
	}
	if len(st.ActiveTables) != 10 || len(st.CachedTables) != 5 {
		t.Fatalf("active=%d cached=%d after expansion", len(st.ActiveTables), len(st.CachedTables))
	}
	assertPartition(t, st)

	// Second batch drains the cache.
	st.expandTables(nil, 5)
	if len(st.CachedTables) != 0 {
		t.Fatalf("cache not drained: %d left", len(st.CachedTables))
	}
	assertPartition(t, st)

	// Exhausted cache yields nothing.
	if added := st.expandTables(nil, 5); len(added) != 0 {
		t.Fatalf("expansion on empty cache added %d", len(added))
	}
}

func TestExpandTablesByID(t *testing.T) {
	st := &TurnState{}
	st.selectTables(rankedCandidates(10), 5)

	added := st.expandTables([]string{"public.t08", "public.t99"}, 5)
	if len(added) != 1 || added[0].TableID != "public.t08" {
		t.Fatalf("added = %+v", added)
	}
	if _, ok := st.CachedTables["public.t08"]; ok {
		t.Fatal("expanded table still cached")
	}
	assertPartition(t, st)

	// Re-expanding the same id is a no-op, not a duplicate.
	if added := st.expandTables([]string{"public.t08"}, 5); len(added) != 0 {
		t.Fatal("expanding an already-active table must add nothing")
	}
	seen := map[string]bool{}
	for _, a := range st.ActiveTables {
		if seen[a.TableID] {
			t.Fatalf("duplicate active table %s", a.TableID)
		}
		seen[a.TableID] = true
	}
}
