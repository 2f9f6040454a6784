package fanout

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/distctl/distctl/internal/manifest"
)

// HostGate is the per-host counting semaphore described in spec.md §4.1 /
// §5: at no wall-clock instant may the number of in-flight operations
// against one target exceed its declared Cap.
type HostGate struct {
	mu    sync.Mutex
	sems  map[string]*semaphore.Weighted
	caps  map[string]int64

	// global, when non-nil, additionally bounds the total number of
	// in-flight operations across every target (spec.md §5's "global cap
	// bounds total in-flight transfers across hosts"). It is acquired
	// before, and released after, the per-host semaphore.
	global *semaphore.Weighted
}

// NewHostGate builds a gate sized from each target's Cap. A Cap <= 0 is
// treated as 1 (every target admits at least one concurrent operation).
func NewHostGate(targets map[string]*manifest.Target) *HostGate {
	g := &HostGate{
		sems: make(map[string]*semaphore.Weighted, len(targets)),
		caps: make(map[string]int64, len(targets)),
	}
	for name, t := range targets {
		limit := int64(t.Cap)
		if limit <= 0 {
			limit = 1
		}
		g.sems[name] = semaphore.NewWeighted(limit)
		g.caps[name] = limit
	}
	return g
}

// WithGlobalCap sets the cross-host concurrency ceiling; n <= 0 means no
// global cap beyond the per-host ones. Returns g for chaining.
func (g *HostGate) WithGlobalCap(n int64) *HostGate {
	if n > 0 {
		g.global = semaphore.NewWeighted(n)
	} else {
		g.global = nil
	}
	return g
}

func (g *HostGate) semaphoreFor(target string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.sems[target]
	if !ok {
		sem = semaphore.NewWeighted(1)
		g.sems[target] = sem
		g.caps[target] = 1
	}
	return sem
}

// Acquire blocks until target admits one more in-flight operation, and the
// global cap (if any) admits one more overall, or ctx is canceled.
func (g *HostGate) Acquire(ctx context.Context, target string) error {
	if g.global != nil {
		if err := g.global.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	if err := g.semaphoreFor(target).Acquire(ctx, 1); err != nil {
		if g.global != nil {
			g.global.Release(1)
		}
		return err
	}
	return nil
}

// Release frees the slot acquired for target, and the global slot if a
// global cap is configured.
func (g *HostGate) Release(target string) {
	g.semaphoreFor(target).Release(1)
	if g.global != nil {
		g.global.Release(1)
	}
}
