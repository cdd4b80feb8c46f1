package retriever

import (
	"context"
	"strings"
	"testing"

	"github.com/nicodishanthj/sqlsage/internal/vector"
)

type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, input []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(input))
	for i := range input {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type fakeStore struct {
	results []vector.SearchResult
	calls   int
}

func (f *fakeStore) Available() bool { return true }

func (f *fakeStore) Collection() string { return "test" }

func (f *fakeStore) EnsureCollection(ctx context.Context, dim int) error { return nil }

func (f *fakeStore) UpsertPoints(ctx context.Context, points []vector.Point) error { return nil }

func (f *fakeStore) DeletePoints(ctx context.Context, ids []string) error { return nil }
func (f *fakeStore) Search(ctx context.Context, vec []float32, limit int) ([]vector.SearchResult, error) {
	f.calls++
	return f.results, nil
}

func tablePayload(id, name string) map[string]interface{} {
	return map[string]interface{}{
		"table_id":   id,
		"table_name": name,
		"doc_type":   "table",
	}
}

func TestRetrieveFiltersReportingViews(t *testing.T) {
	store := &fakeStore{results: []vector.SearchResult{
		{ID: "1", Score: 0.9, Payload: tablePayload("public.metrics_cpu", "metrics_cpu")},
		{ID: "2", Score: 0.8, Payload: tablePayload("public.v_cpu_daily", "v_cpu_daily")},
		{ID: "3", Score: 0.7, Payload: tablePayload("public.processes", "processes")},
	}}
	r := New(&fakeEmbedder{}, store)

	got, err := r.Retrieve(context.Background(), "cpu usage", 10)
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2 after view filtering", len(got))
	}
	for _, c := range got {
		if c.Name == "v_cpu_daily" {
			t.Fatal("reporting view leaked into candidates")
		}
	}
	if got[0].TableID != "public.metrics_cpu" || got[1].TableID != "public.processes" {
		t.Fatalf("candidate order: %s, %s", got[0].TableID, got[1].TableID)
	}
}

func TestRetrieveParsesPayload(t *testing.T) {
	payload := map[string]interface{}{
		"table_id":         "public.metrics_cpu",
		"table_name":       "metrics_cpu",
		"doc_type":         "table",
		"description":      "per-host CPU samples",
		"primary_time_col": "ts",
		"join_keys":        []interface{}{"host_id"},
		"columns": []interface{}{
			map[string]interface{}{"name": "ts", "type": "timestamptz", "constraints": "not null"},
			map[string]interface{}{"name": "cpu_percent", "type": "double precision", "comment": "0-100"},
		},
	}
	store := &fakeStore{results: []vector.SearchResult{{ID: "1", Score: 0.91, Payload: payload}}}
	r := New(&fakeEmbedder{}, store)

	got, err := r.Retrieve(context.Background(), "cpu", 5)
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1", len(got))
	}
	c := got[0]
	if c.Score < 0.90 || c.Score > 0.92 {
		t.Fatalf("score = %v", c.Score)
	}
	if c.Description != "per-host CPU samples" || c.PrimaryTimeCol != "ts" {
		t.Fatalf("parsed candidate = %+v", c)
	}
	if len(c.JoinKeys) != 1 || c.JoinKeys[0] != "host_id" {
		t.Fatalf("join keys = %v", c.JoinKeys)
	}
	if len(c.Columns) != 2 || c.Columns[0].Constraints != "not null" || c.Columns[1].Comment != "0-100" {
		t.Fatalf("columns = %+v", c.Columns)
	}

	rendered := c.Context()
	for _, want := range []string{"public.metrics_cpu", "per-host CPU samples", "Time column: ts", "cpu_percent (double precision): 0-100"} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("context missing %q:\n%s", want, rendered)
		}
	}
}

func TestRetrieveUsesCacheOnRepeat(t *testing.T) {
	store := &fakeStore{results: []vector.SearchResult{
		{ID: "1", Score: 0.9, Payload: tablePayload("public.metrics_cpu", "metrics_cpu")},
	}}
	emb := &fakeEmbedder{}
	r := New(emb, store)

	if _, err := r.Retrieve(context.Background(), "cpu usage", 5); err != nil {
		t.Fatalf("first retrieve: %v", err)
	}
	if _, err := r.Retrieve(context.Background(), "cpu usage", 5); err != nil {
		t.Fatalf("second retrieve: %v", err)
	}
	if store.calls != 1 || emb.calls != 1 {
		t.Fatalf("store calls = %d, embed calls = %d; repeat must be a cache hit", store.calls, emb.calls)
	}

	// A different k is a different search.
	if _, err := r.Retrieve(context.Background(), "cpu usage", 10); err != nil {
		t.Fatalf("third retrieve: %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("store calls = %d, want 2 after k change", store.calls)
	}

	r.InvalidateCache()
	if _, err := r.Retrieve(context.Background(), "cpu usage", 5); err != nil {
		t.Fatalf("post-purge retrieve: %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("store calls = %d, want 3 after purge", store.calls)
	}
}

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	r := New(&fakeEmbedder{}, &fakeStore{})
	if _, err := r.Retrieve(context.Background(), "   ", 5); err == nil {
		t.Fatal("empty query must be rejected")
	}
}

func TestSearchCacheEvictsOldest(t *testing.T) {
	c := newSearchCache(2)
	c.Set("a", []Candidate{{TableID: "a"}})
	c.Set("b", []Candidate{{TableID: "b"}})
	c.Set("c", []Candidate{{TableID: "c"}})

	if _, ok := c.Get("a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("entry b should survive")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("entry c should survive")
	}
}
