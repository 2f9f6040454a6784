package phases

import (
	"context"
	"fmt"

	"github.com/distctl/distctl/internal/fanout"
	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/transport"
)

// targetsInDistribution returns the distinct target names referenced by
// the distribution array, in first-seen order.
func targetsInDistribution(items []manifest.DistributionItem) []string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, item := range items {
		if _, ok := seen[item.Target]; ok {
			continue
		}
		seen[item.Target] = struct{}{}
		out = append(out, item.Target)
	}
	return out
}

// Lock runs component C5: acquires a per-profile lock on every target that
// appears in the distribution array. preHook runs once, locally, before
// any lock is dispatched. One call per target; no additional concurrency
// cap beyond the target's own declared cap (spec.md §4.4).
func Lock(ctx context.Context, executor *transport.Executor, gate *fanout.HostGate, targets map[string]*manifest.Target, distribution []manifest.DistributionItem, profile string, preHook func()) (bool, error) {
	if preHook != nil {
		preHook()
	}
	return runLockOp(ctx, executor, gate, targets, distribution, "lock_component", profile)
}

// Unlock runs component C5's symmetric release and always invokes
// postHook once, even when the unlock dispatch itself fails, since unlock
// runs on every exit path once locks have been acquired (spec.md §4.4,
// §7).
func Unlock(ctx context.Context, executor *transport.Executor, gate *fanout.HostGate, targets map[string]*manifest.Target, distribution []manifest.DistributionItem, profile string, postHook func()) (bool, error) {
	defer func() {
		if postHook != nil {
			postHook()
		}
	}()
	return runLockOp(ctx, executor, gate, targets, distribution, "unlock_component", profile)
}

func runLockOp(ctx context.Context, executor *transport.Executor, gate *fanout.HostGate, targets map[string]*manifest.Target, distribution []manifest.DistributionItem, op, profile string) (bool, error) {
	names := targetsInDistribution(distribution)

	return fanout.Iterate(
		ctx, names, gate,
		func(name string) string { return name },
		func(ctx context.Context, name string) (*transport.Handle, error) {
			target, ok := targets[name]
			if !ok {
				return nil, fmt.Errorf("%s: unknown target %q", op, name)
			}
			return executor.Run(ctx, target, op, []string{profile})
		},
		func(name string, h *transport.Handle, spawnErr error) {},
	)
}
