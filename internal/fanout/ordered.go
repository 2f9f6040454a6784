package fanout

import (
	"context"
	"fmt"
	"sync"
)

// ErrCycleDetected is returned by IterateOrdered when the dependency graph
// over the supplied nodes is not a DAG. The engine does not attempt to
// enforce this invariant while a manifest is assembled (spec.md §3): a
// cycle is only observed here, as the traversal revisits an in-progress
// node.
type ErrCycleDetected struct {
	Nodes []string
}

func (e *ErrCycleDetected) Error() string {
	return fmt.Sprintf("dependency cycle detected among: %v", e.Nodes)
}

type walkState int

const (
	unvisited walkState = iota
	visiting
	done
)

// checkAcyclic performs the tri-state (Unvisited/Visiting/Done) DFS the
// specification describes as the cycle guard (§4.5, §9): nodes is the
// traversal order used for tie-breaking among independent branches,
// dependsOn(k) gives the edges that must be walked (and hence completed)
// before k itself.
func checkAcyclic[K comparable](nodes []K, keyOf func(K) string, dependsOn func(K) []K, byKey map[string]K) error {
	state := make(map[string]walkState, len(nodes))

	var visit func(k K) error
	visit = func(k K) error {
		kk := keyOf(k)
		switch state[kk] {
		case done:
			return nil
		case visiting:
			return &ErrCycleDetected{Nodes: []string{kk}}
		}
		state[kk] = visiting
		for _, depKey := range dependsOn(k) {
			dep, ok := byKey[depKey]
			if !ok {
				continue // dependency outside this node set (e.g. already satisfied elsewhere)
			}
			if err := visit(dep); err != nil {
				if ce, ok := err.(*ErrCycleDetected); ok {
					ce.Nodes = append(ce.Nodes, kk)
				}
				return err
			}
		}
		state[kk] = done
		return nil
	}

	for _, n := range nodes {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

// OrderedSpec parameterizes IterateOrdered.
type OrderedSpec[K any] struct {
	// Nodes lists every node to process, in manifest insertion order;
	// that order is the tie-break between topologically-independent
	// nodes.
	Nodes []K

	// KeyOf returns a stable, comparable identity for a node.
	KeyOf func(K) string

	// DependsOn returns the keys of the nodes that must complete,
	// successfully, before this node's Action may start. For the
	// activate pass these are a service's dependencies; for the
	// deactivate pass, callers pass the reversed (dependents) edges so
	// that a service is deactivated only once everything that depends
	// on it already has been (spec.md §4.5 step 1).
	DependsOn func(K) []string

	Gate   *HostGate
	HostOf func(K) string

	// Action performs the node's operation. A non-nil error marks the
	// node (and everything that transitively depends on it) as failed
	// without running their actions.
	Action func(ctx context.Context, node K) error
}

// IterateOrdered walks spec.Nodes respecting the dependency edges in
// spec.DependsOn, running independent branches concurrently (bounded by
// spec.Gate), and returns the nodes whose Action succeeded, in completion
// order, plus the first error encountered (if any). On cycle, it returns
// ErrCycleDetected before running any Action.
func IterateOrdered[K any](ctx context.Context, spec OrderedSpec[K]) ([]K, error) {
	byKey := make(map[string]K, len(spec.Nodes))
	for _, n := range spec.Nodes {
		byKey[spec.KeyOf(n)] = n
	}

	if err := checkAcyclic(spec.Nodes, spec.KeyOf, spec.DependsOn, byKey); err != nil {
		return nil, err
	}

	type result struct {
		done chan struct{}
		err  error
	}
	results := make(map[string]*result, len(spec.Nodes))
	for _, n := range spec.Nodes {
		results[spec.KeyOf(n)] = &result{done: make(chan struct{})}
	}

	var (
		completedMu sync.Mutex
		completed   []K
	)

	runOne := func(n K) {
		key := spec.KeyOf(n)
		r := results[key]
		defer close(r.done)

		for _, depKey := range spec.DependsOn(n) {
			dep, ok := byKey[depKey]
			_ = dep
			if !ok {
				continue
			}
			depResult := results[depKey]
			select {
			case <-depResult.done:
				if depResult.err != nil {
					r.err = fmt.Errorf("dependency %s failed: %w", depKey, depResult.err)
					return
				}
			case <-ctx.Done():
				r.err = ctx.Err()
				return
			}
		}

		host := spec.HostOf(n)
		if err := spec.Gate.Acquire(ctx, host); err != nil {
			r.err = err
			return
		}
		defer spec.Gate.Release(host)

		if err := spec.Action(ctx, n); err != nil {
			r.err = err
			return
		}

		completedMu.Lock()
		completed = append(completed, n)
		completedMu.Unlock()
	}

	for _, n := range spec.Nodes {
		n := n
		go runOne(n)
	}

	var firstErr error
	for _, n := range spec.Nodes {
		r := results[spec.KeyOf(n)]
		<-r.done
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}

	completedMu.Lock()
	out := make([]K, len(completed))
	copy(out, completed)
	completedMu.Unlock()

	return out, firstErr
}
