package schema

import "testing"

func TestTableHashSensitivity(t *testing.T) {
	base := docFixture("metrics_cpu", "cpu samples")
	same := docFixture("metrics_cpu", "cpu samples")
	if TableHash(base) != TableHash(same) {
		t.Fatal("identical docs must hash identically")
	}

	commentChanged := docFixture("metrics_cpu", "other comment")
	if TableHash(base) == TableHash(commentChanged) {
		t.Fatal("comment change must change the hash")
	}

	columnChanged := docFixture("metrics_cpu", "cpu samples")
	columnChanged.Columns[1].Type = "bigint"
	if TableHash(base) == TableHash(columnChanged) {
		t.Fatal("column type change must change the hash")
	}
}

func TestAggregateHashIsOrderIndependent(t *testing.T) {
	a := map[string]string{"public.a": "h1", "public.b": "h2"}
	b := map[string]string{"public.b": "h2", "public.a": "h1"}
	if AggregateHash(a) != AggregateHash(b) {
		t.Fatal("aggregate hash must not depend on map iteration order")
	}

	c := map[string]string{"public.a": "h1", "public.b": "h3"}
	if AggregateHash(a) == AggregateHash(c) {
		t.Fatal("a per-table hash change must change the aggregate")
	}
}

func TestPointIDIsStable(t *testing.T) {
	if PointID("public.metrics_cpu") != PointID("public.metrics_cpu") {
		t.Fatal("point ids must be deterministic")
	}
	if PointID("public.metrics_cpu") == PointID("public.metrics_ram") {
		t.Fatal("distinct tables must map to distinct points")
	}
}
