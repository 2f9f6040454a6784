package manifest

import "testing"

func mkMapping(service, container, target string, deps ...ActivationKey) *ActivationMapping {
	return &ActivationMapping{
		Key:       ActivationKey{Service: service, Container: container, Target: target},
		Type:      "process",
		DependsOn: deps,
	}
}

func TestSubtractActivationsDropsSharedKeys(t *testing.T) {
	a := []*ActivationMapping{
		mkMapping("web", "c1", "t1"),
		mkMapping("db", "c1", "t1"),
	}
	b := []*ActivationMapping{
		mkMapping("db", "c1", "t1"),
	}

	got := SubtractActivations(a, b)
	if len(got) != 1 || got[0].Key.Service != "web" {
		t.Fatalf("expected only web mapping, got %+v", got)
	}
}

func TestSubtractActivationsEmptyWhenIdentical(t *testing.T) {
	a := []*ActivationMapping{mkMapping("web", "c1", "t1")}
	b := []*ActivationMapping{mkMapping("web", "c1", "t1")}

	if got := SubtractActivations(a, b); len(got) != 0 {
		t.Fatalf("expected empty diff, got %+v", got)
	}
}

func TestSubtractSnapshotsByKey(t *testing.T) {
	a := []*SnapshotMapping{
		{Key: SnapshotKey{Component: "db", Container: "c1", Target: "t1"}},
		{Key: SnapshotKey{Component: "cache", Container: "c1", Target: "t1"}},
	}
	b := []*SnapshotMapping{
		{Key: SnapshotKey{Component: "db", Container: "c1", Target: "t2"}},
	}

	got := SubtractSnapshots(a, b)
	if len(got) != 2 {
		t.Fatalf("expected both mappings since neither key matches (different target), got %d", len(got))
	}
}

func TestByKeyIndexesEveryMapping(t *testing.T) {
	mappings := []*ActivationMapping{
		mkMapping("web", "c1", "t1"),
		mkMapping("db", "c1", "t1"),
	}
	idx := ByKey(mappings)
	if len(idx) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(idx))
	}
	if idx[ActivationKey{Service: "web", Container: "c1", Target: "t1"}] == nil {
		t.Fatal("expected web mapping to be indexed")
	}
}

func TestDependentsFindsDirectDependentsOnly(t *testing.T) {
	dbKey := ActivationKey{Service: "db", Container: "c1", Target: "t1"}
	all := []*ActivationMapping{
		mkMapping("db", "c1", "t1"),
		mkMapping("web", "c1", "t1", dbKey),
		mkMapping("cache", "c1", "t1"),
	}

	deps := Dependents(all, dbKey)
	if len(deps) != 1 || deps[0].Key.Service != "web" {
		t.Fatalf("expected only web to depend on db, got %+v", deps)
	}
}
