package phases

import (
	"context"
	"fmt"

	"github.com/distctl/distctl/internal/fanout"
	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/transport"
)

// Distribute runs component C4: copy every build closure in
// manifest.Distribution to its target, bounded by each target's
// concurrency cap. Success iff every closure on every target terminated
// Ok with Result == true; failure here is fatal and must abort the
// deploy before any lock or activation side-effect (spec.md §4.3).
func Distribute(ctx context.Context, executor *transport.Executor, gate *fanout.HostGate, targets map[string]*manifest.Target, items []manifest.DistributionItem) (bool, error) {
	return fanout.Iterate(
		ctx, items, gate,
		func(item manifest.DistributionItem) string { return item.Target },
		func(ctx context.Context, item manifest.DistributionItem) (*transport.Handle, error) {
			target, ok := targets[item.Target]
			if !ok {
				return nil, fmt.Errorf("distribute: unknown target %q", item.Target)
			}
			return executor.Run(ctx, target, "copy_closure", []string{item.Closure})
		},
		func(item manifest.DistributionItem, h *transport.Handle, spawnErr error) {
			// Per-operation logging happens in transport.Executor.Run; this
			// phase only aggregates success, per spec.md §4.2's iterator
			// contract.
		},
	)
}
