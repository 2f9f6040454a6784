package fanout

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/transport"
)

// Spawn dispatches one mapping against its target and returns a handle to
// await, mirroring disnix's map_*_item_function.
type Spawn[M any] func(ctx context.Context, mapping M) (*transport.Handle, error)

// Complete is invoked once a mapping's handle has finished, mirroring
// disnix's complete_*_item_mapping_function.
type Complete[M any] func(mapping M, h *transport.Handle, spawnErr error)

// TargetOf extracts the owning target name from a mapping.
type TargetOf[M any] func(mapping M) string

// Iterate drives mappings through spawn/complete, honoring each target's
// concurrency cap via gate, and returns true iff every mapping's handle
// succeeded (Status == Ok && Result == true). A spawn error is passed to
// complete and the first one (in mapping order) is also returned, once every
// mapping has finished. It is restart-safe: it holds
// no state beyond the call's own stack and the gate's semaphores, both of
// which are safe to reuse across a retried phase invocation.
func Iterate[M any](ctx context.Context, mappings []M, gate *HostGate, targetOf TargetOf[M], spawn Spawn[M], complete Complete[M]) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)

	results := make([]bool, len(mappings))
	spawnErrs := make([]error, len(mappings))

	for i, mapping := range mappings {
		i, mapping := i, mapping
		target := targetOf(mapping)

		g.Go(func() error {
			if err := gate.Acquire(gctx, target); err != nil {
				complete(mapping, nil, err)
				return nil
			}
			defer gate.Release(target)

			h, err := spawn(gctx, mapping)
			if err != nil {
				complete(mapping, nil, err)
				spawnErrs[i] = err
				return nil
			}
			awaitErr := h.Await(gctx)
			complete(mapping, h, awaitErr)
			results[i] = h.Succeeded()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return false, err
	}
	for _, err := range spawnErrs {
		if err != nil {
			return false, err
		}
	}

	allSucceeded := true
	for _, ok := range results {
		if !ok {
			allSucceeded = false
			break
		}
	}
	return allSucceeded, nil
}

// Targets is a convenience TargetOf for manifest.Target pointers used
// directly as the mapping type (e.g. in the lock phase).
func Targets(t *manifest.Target) string { return t.Name }
