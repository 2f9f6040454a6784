package phases

import (
	"context"
	"fmt"

	"github.com/distctl/distctl/internal/fanout"
	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/transport"
)

// MigrateConfig bundles what Migrate needs for one run of component C7.
type MigrateConfig struct {
	Executor *transport.Executor
	Gate     *fanout.HostGate
	Targets  map[string]*manifest.Target

	NewSnapshots []*manifest.SnapshotMapping
	OldSnapshots []*manifest.SnapshotMapping // nil/empty when there is no previous deployment

	// Keep is the number of most recent generations retained per
	// (component, container) during the final GC sub-step. Zero means the
	// default of 1 (spec.md §4.6 step 7).
	Keep int
}

// stateTargetContainer identifies a (target, container) pair for the state
// lock sub-steps, which are distinct from activation locks (spec.md §4.6
// step 2).
type stateTargetContainer struct {
	Target    string
	Container string
}

func distinctTargetContainers(mappings []*manifest.SnapshotMapping) []stateTargetContainer {
	seen := make(map[stateTargetContainer]struct{}, len(mappings))
	var out []stateTargetContainer
	for _, m := range mappings {
		tc := stateTargetContainer{Target: m.Key.Target, Container: m.Key.Container}
		if _, ok := seen[tc]; ok {
			continue
		}
		seen[tc] = struct{}{}
		out = append(out, tc)
	}
	return out
}

// Migrate runs component C7: it moves mutable state from obsolete targets to
// their replacements, in the seven sub-steps of spec.md §4.6. Failure in any
// sub-step aborts the remaining ones and reports false; the driver escalates
// that to DEPLOY_STATE_FAIL since activation has already completed by the
// time migrate runs.
func Migrate(ctx context.Context, cfg MigrateConfig) (bool, error) {
	keep := cfg.Keep
	if keep <= 0 {
		keep = 1
	}

	// 1. Clear transferred flags on all new snapshot mappings.
	for _, m := range cfg.NewSnapshots {
		m.Transferred = false
	}

	// 2. Lock state on every (target, container) pair in the new snapshot
	// array.
	if ok, err := lockState(ctx, cfg, "lock_snapshots", cfg.NewSnapshots); !ok || err != nil {
		return false, err
	}

	obsolete := manifest.SubtractSnapshots(cfg.OldSnapshots, cfg.NewSnapshots)

	// 3. Snapshot mutable state on each obsolete mapping.
	if ok, err := snapshotObsolete(ctx, cfg, obsolete); !ok || err != nil {
		unlockState(ctx, cfg, cfg.NewSnapshots)
		return false, err
	}

	// 4. Transfer snapshots from obsolete targets to new targets where the
	// same component moved.
	if ok, err := transferSnapshots(ctx, cfg, obsolete); !ok || err != nil {
		unlockState(ctx, cfg, cfg.NewSnapshots)
		return false, err
	}

	// 5. Restore snapshots on each new target for components with a
	// matching, transferred obsolete mapping.
	if ok, err := restoreSnapshots(ctx, cfg); !ok || err != nil {
		unlockState(ctx, cfg, cfg.NewSnapshots)
		return false, err
	}

	// 6. Unlock state.
	if ok, err := unlockState(ctx, cfg, cfg.NewSnapshots); !ok || err != nil {
		return false, err
	}

	// 7. Garbage-collect old snapshot generations on each target, retaining
	// the `keep` most recent per (component, container).
	return gcSnapshots(ctx, cfg, keep)
}

func lockState(ctx context.Context, cfg MigrateConfig, op string, mappings []*manifest.SnapshotMapping) (bool, error) {
	pairs := distinctTargetContainers(mappings)
	return fanout.Iterate(
		ctx, pairs, cfg.Gate,
		func(tc stateTargetContainer) string { return tc.Target },
		func(ctx context.Context, tc stateTargetContainer) (*transport.Handle, error) {
			target, ok := cfg.Targets[tc.Target]
			if !ok {
				return nil, fmt.Errorf("%s: unknown target %q", op, tc.Target)
			}
			return cfg.Executor.Run(ctx, target, op, []string{tc.Container})
		},
		func(tc stateTargetContainer, h *transport.Handle, spawnErr error) {},
	)
}

func unlockState(ctx context.Context, cfg MigrateConfig, mappings []*manifest.SnapshotMapping) (bool, error) {
	return lockState(ctx, cfg, "unlock_snapshots", mappings)
}

func snapshotObsolete(ctx context.Context, cfg MigrateConfig, obsolete []*manifest.SnapshotMapping) (bool, error) {
	return fanout.Iterate(
		ctx, obsolete, cfg.Gate,
		func(m *manifest.SnapshotMapping) string { return m.Key.Target },
		func(ctx context.Context, m *manifest.SnapshotMapping) (*transport.Handle, error) {
			target, ok := cfg.Targets[m.Key.Target]
			if !ok {
				return nil, fmt.Errorf("snapshot: unknown target %q", m.Key.Target)
			}
			return cfg.Executor.Run(ctx, target, "snapshot", []string{m.Key.Component, m.Key.Container, m.Service})
		},
		func(m *manifest.SnapshotMapping, h *transport.Handle, spawnErr error) {},
	)
}

// movedSnapshot pairs an obsolete mapping with the new mapping that
// replaces it, when the component moved to a different target.
type movedSnapshot struct {
	From *manifest.SnapshotMapping
	To   *manifest.SnapshotMapping
}

// movedPairs finds, for each new mapping, the obsolete mapping for the same
// (component, container) on a different target. Components that did not
// move (the new mapping's target equals an existing, still-current
// mapping's target) need no transfer.
func movedPairs(obsolete, fresh []*manifest.SnapshotMapping) []movedSnapshot {
	byComponent := make(map[string][]*manifest.SnapshotMapping, len(obsolete))
	componentKey := func(component, container string) string { return component + "@" + container }
	for _, o := range obsolete {
		k := componentKey(o.Key.Component, o.Key.Container)
		byComponent[k] = append(byComponent[k], o)
	}

	var out []movedSnapshot
	for _, n := range fresh {
		k := componentKey(n.Key.Component, n.Key.Container)
		for _, o := range byComponent[k] {
			if o.Key.Target == n.Key.Target {
				continue
			}
			out = append(out, movedSnapshot{From: o, To: n})
		}
	}
	return out
}

func transferSnapshots(ctx context.Context, cfg MigrateConfig, obsolete []*manifest.SnapshotMapping) (bool, error) {
	pairs := movedPairs(obsolete, cfg.NewSnapshots)
	if len(pairs) == 0 {
		return true, nil
	}

	ok, err := fanout.Iterate(
		ctx, pairs, cfg.Gate,
		func(p movedSnapshot) string { return p.From.Key.Target },
		func(ctx context.Context, p movedSnapshot) (*transport.Handle, error) {
			target, ok := cfg.Targets[p.From.Key.Target]
			if !ok {
				return nil, fmt.Errorf("retrieve_snapshots: unknown target %q", p.From.Key.Target)
			}
			return cfg.Executor.Run(ctx, target, "retrieve_snapshots", []string{p.From.Key.Component, p.From.Key.Container, p.To.Key.Target})
		},
		func(p movedSnapshot, h *transport.Handle, spawnErr error) {
			if spawnErr == nil && h != nil && h.Succeeded() {
				p.To.Transferred = true
			}
		},
	)
	return ok, err
}

func restoreSnapshots(ctx context.Context, cfg MigrateConfig) (bool, error) {
	var toRestore []*manifest.SnapshotMapping
	for _, n := range cfg.NewSnapshots {
		if n.Transferred {
			toRestore = append(toRestore, n)
		}
	}
	if len(toRestore) == 0 {
		return true, nil
	}

	return fanout.Iterate(
		ctx, toRestore, cfg.Gate,
		func(m *manifest.SnapshotMapping) string { return m.Key.Target },
		func(ctx context.Context, m *manifest.SnapshotMapping) (*transport.Handle, error) {
			target, ok := cfg.Targets[m.Key.Target]
			if !ok {
				return nil, fmt.Errorf("restore: unknown target %q", m.Key.Target)
			}
			return cfg.Executor.Run(ctx, target, "restore", []string{m.Key.Component, m.Key.Container, m.Service})
		},
		func(m *manifest.SnapshotMapping, h *transport.Handle, spawnErr error) {},
	)
}

// gcSnapshots issues one delete_snapshots call per (target, component,
// container) that still appears in the new snapshot array, asking the
// remote side to retain only the `keep` most recent generations. The
// engine does not enumerate generations itself: that bookkeeping lives with
// the remote agent, which owns the on-disk snapshot store (spec.md §4.6
// step 7, §9).
func gcSnapshots(ctx context.Context, cfg MigrateConfig, keep int) (bool, error) {
	return fanout.Iterate(
		ctx, cfg.NewSnapshots, cfg.Gate,
		func(m *manifest.SnapshotMapping) string { return m.Key.Target },
		func(ctx context.Context, m *manifest.SnapshotMapping) (*transport.Handle, error) {
			target, ok := cfg.Targets[m.Key.Target]
			if !ok {
				return nil, fmt.Errorf("delete_snapshots: unknown target %q", m.Key.Target)
			}
			return cfg.Executor.Run(ctx, target, "delete_snapshots", []string{m.Key.Component, m.Key.Container, fmt.Sprintf("%d", keep)})
		},
		func(m *manifest.SnapshotMapping, h *transport.Handle, spawnErr error) {},
	)
}
