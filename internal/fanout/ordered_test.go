package fanout

import (
	"context"
	"sync"
	"testing"

	"github.com/distctl/distctl/internal/manifest"
)

type node struct {
	key  string
	deps []string
}

func TestIterateOrderedRunsDependenciesFirst(t *testing.T) {
	nodes := []node{
		{key: "web", deps: []string{"db"}},
		{key: "db"},
		{key: "cache", deps: []string{"db"}},
	}
	targets := map[string]*manifest.Target{"t1": {Name: "t1", Cap: 3}}
	gate := NewHostGate(targets)

	var mu sync.Mutex
	var order []string

	completed, err := IterateOrdered(context.Background(), OrderedSpec[node]{
		Nodes:     nodes,
		KeyOf:     func(n node) string { return n.key },
		DependsOn: func(n node) []string { return n.deps },
		Gate:      gate,
		HostOf:    func(n node) string { return "t1" },
		Action: func(ctx context.Context, n node) error {
			mu.Lock()
			order = append(order, n.key)
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(completed) != 3 {
		t.Fatalf("expected 3 completed nodes, got %d", len(completed))
	}

	dbIdx, webIdx, cacheIdx := -1, -1, -1
	for i, k := range order {
		switch k {
		case "db":
			dbIdx = i
		case "web":
			webIdx = i
		case "cache":
			cacheIdx = i
		}
	}
	if dbIdx > webIdx || dbIdx > cacheIdx {
		t.Fatalf("expected db to run before its dependents, got order %v", order)
	}
}

func TestIterateOrderedDetectsCycle(t *testing.T) {
	nodes := []node{
		{key: "a", deps: []string{"b"}},
		{key: "b", deps: []string{"a"}},
	}
	gate := NewHostGate(map[string]*manifest.Target{"t1": {Name: "t1", Cap: 1}})

	_, err := IterateOrdered(context.Background(), OrderedSpec[node]{
		Nodes:     nodes,
		KeyOf:     func(n node) string { return n.key },
		DependsOn: func(n node) []string { return n.deps },
		Gate:      gate,
		HostOf:    func(n node) string { return "t1" },
		Action:    func(ctx context.Context, n node) error { return nil },
	})
	if err == nil {
		t.Fatal("expected cycle detection error")
	}
	if _, ok := err.(*ErrCycleDetected); !ok {
		t.Fatalf("expected *ErrCycleDetected, got %T: %v", err, err)
	}
}

func TestIterateOrderedDependencyFailureSkipsDependent(t *testing.T) {
	nodes := []node{
		{key: "db"},
		{key: "web", deps: []string{"db"}},
	}
	gate := NewHostGate(map[string]*manifest.Target{"t1": {Name: "t1", Cap: 2}})

	var ran sync.Map
	completed, err := IterateOrdered(context.Background(), OrderedSpec[node]{
		Nodes:     nodes,
		KeyOf:     func(n node) string { return n.key },
		DependsOn: func(n node) []string { return n.deps },
		Gate:      gate,
		HostOf:    func(n node) string { return "t1" },
		Action: func(ctx context.Context, n node) error {
			ran.Store(n.key, true)
			if n.key == "db" {
				return errFailedAction
			}
			return nil
		},
	})
	if err == nil {
		t.Fatal("expected error from failed db action")
	}
	if _, ranWeb := ran.Load("web"); ranWeb {
		t.Fatal("web should not have run after its dependency failed")
	}
	for _, c := range completed {
		if c.key == "web" {
			t.Fatal("web must not appear among completed nodes")
		}
	}
}

var errFailedAction = &testActionError{"simulated action failure"}

type testActionError struct{ msg string }

func (e *testActionError) Error() string { return e.msg }
