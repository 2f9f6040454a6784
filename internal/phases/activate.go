// Package phases implements the six deploy phases described in
// spec.md §4: distribute, lock, activate, migrate, profile, and the
// driver's unlock step. Activate (this file) is the central algorithm:
// it diffs the old and new activation arrays and walks the deactivate,
// then activate, passes in dependency order, with full rollback on
// failure.
package phases

import (
	"context"
	"fmt"

	"github.com/distctl/distctl/internal/fanout"
	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/transport"
)

// TransitionStatus is C6's result, per spec.md §4.5.
type TransitionStatus int

const (
	TransitionOK TransitionStatus = iota
	TransitionFailed
	TransitionRollbackFailed
)

func (s TransitionStatus) String() string {
	switch s {
	case TransitionOK:
		return "TRANSITION_OK"
	case TransitionRollbackFailed:
		return "TRANSITION_ROLLBACK_FAILED"
	default:
		return "TRANSITION_FAILED"
	}
}

// ActivateConfig bundles what Activate needs to run one transition.
type ActivateConfig struct {
	Executor *transport.Executor
	Gate     *fanout.HostGate
	Targets  map[string]*manifest.Target

	NewActivation []*manifest.ActivationMapping
	OldActivation []*manifest.ActivationMapping // nil/empty when there is no previous deployment

	PreHook  func()
	PostHook func()
}

func keyString(m *manifest.ActivationMapping) string { return m.Key.String() }

func mappingArgs(m *manifest.ActivationMapping) []string {
	args := []string{m.Key.Service, m.Key.Container, m.Type}
	for k, v := range m.Properties {
		args = append(args, fmt.Sprintf("%s=%s", k, v))
	}
	return args
}

// Activate runs the deactivate-then-activate transition described in
// spec.md §4.5. It returns TransitionOK, TransitionFailed (rollback
// succeeded) or TransitionRollbackFailed (manual intervention required).
func Activate(ctx context.Context, cfg ActivateConfig) (TransitionStatus, error) {
	if cfg.PreHook != nil {
		cfg.PreHook()
	}
	defer func() {
		if cfg.PostHook != nil {
			cfg.PostHook()
		}
	}()

	obsolete := manifest.SubtractActivations(cfg.OldActivation, cfg.NewActivation)
	fresh := manifest.SubtractActivations(cfg.NewActivation, cfg.OldActivation)

	deactivated, err := runDeactivationPass(ctx, cfg, obsolete)
	if err != nil {
		if _, ok := err.(*fanout.ErrCycleDetected); ok {
			return TransitionFailed, fmt.Errorf("deactivation: %w", err)
		}
		// Rollback: re-activate everything deactivated so far, in
		// reverse order.
		if rbErr := reactivate(ctx, cfg, reverse(deactivated)); rbErr != nil {
			return TransitionRollbackFailed, fmt.Errorf("deactivation failed (%v) and rollback failed: %w", err, rbErr)
		}
		return TransitionFailed, fmt.Errorf("deactivation failed, rollback succeeded: %w", err)
	}

	activated, err := runActivationPass(ctx, cfg, fresh)
	if err != nil {
		if _, ok := err.(*fanout.ErrCycleDetected); ok {
			return TransitionFailed, fmt.Errorf("activation: %w", err)
		}
		// Rollback: deactivate everything activated in this pass (reverse
		// order), then re-activate the obsolete services deactivated in
		// step 1 (reverse of their deactivation order).
		rbErr := redeactivate(ctx, cfg, reverse(activated))
		if rbErr == nil {
			rbErr = reactivate(ctx, cfg, reverse(deactivated))
		}
		if rbErr != nil {
			return TransitionRollbackFailed, fmt.Errorf("activation failed (%v) and rollback failed: %w", err, rbErr)
		}
		return TransitionFailed, fmt.Errorf("activation failed, rollback succeeded: %w", err)
	}

	return TransitionOK, nil
}

func runDeactivationPass(ctx context.Context, cfg ActivateConfig, obsolete []*manifest.ActivationMapping) ([]*manifest.ActivationMapping, error) {
	dependsOn := func(m *manifest.ActivationMapping) []string {
		var keys []string
		for _, dep := range manifest.Dependents(obsolete, m.Key) {
			keys = append(keys, dep.Key.String())
		}
		return keys
	}

	completed, err := fanout.IterateOrdered(ctx, fanout.OrderedSpec[*manifest.ActivationMapping]{
		Nodes:     obsolete,
		KeyOf:     keyString,
		DependsOn: dependsOn,
		Gate:      cfg.Gate,
		HostOf:    func(m *manifest.ActivationMapping) string { return m.Key.Target },
		Action: func(ctx context.Context, m *manifest.ActivationMapping) error {
			if m.Status == manifest.Deactivated {
				return nil
			}
			prev := m.Status
			m.Status = manifest.Visited
			target := cfg.Targets[m.Key.Target]
			h, err := cfg.Executor.Run(ctx, target, "deactivate", mappingArgs(m))
			if err != nil {
				m.Status = prev
				return err
			}
			if err := h.Await(ctx); err != nil {
				m.Status = prev
				return err
			}
			if !h.Succeeded() {
				m.Status = prev
				return fmt.Errorf("deactivate %s on %s failed", m.Key, target.Name)
			}
			m.Status = manifest.Deactivated
			return nil
		},
	})
	return completed, err
}

func runActivationPass(ctx context.Context, cfg ActivateConfig, fresh []*manifest.ActivationMapping) ([]*manifest.ActivationMapping, error) {
	dependsOn := func(m *manifest.ActivationMapping) []string {
		keys := make([]string, 0, len(m.DependsOn))
		for _, dep := range m.DependsOn {
			keys = append(keys, dep.String())
		}
		return keys
	}

	completed, err := fanout.IterateOrdered(ctx, fanout.OrderedSpec[*manifest.ActivationMapping]{
		Nodes:     fresh,
		KeyOf:     keyString,
		DependsOn: dependsOn,
		Gate:      cfg.Gate,
		HostOf:    func(m *manifest.ActivationMapping) string { return m.Key.Target },
		Action: func(ctx context.Context, m *manifest.ActivationMapping) error {
			if m.Status == manifest.Activated {
				return nil
			}
			target := cfg.Targets[m.Key.Target]
			h, err := cfg.Executor.Run(ctx, target, "activate", mappingArgs(m))
			if err != nil {
				return err
			}
			if err := h.Await(ctx); err != nil {
				return err
			}
			if !h.Succeeded() {
				return fmt.Errorf("activate %s on %s failed", m.Key, target.Name)
			}
			m.Status = manifest.Activated
			return nil
		},
	})
	return completed, err
}

// reactivate re-activates mappings sequentially, in the given order,
// during rollback. Sequential execution makes the "reverse order"
// requirement of spec.md §4.5 an observable fact rather than a race.
func reactivate(ctx context.Context, cfg ActivateConfig, mappings []*manifest.ActivationMapping) error {
	for _, m := range mappings {
		target := cfg.Targets[m.Key.Target]
		h, err := cfg.Executor.Run(ctx, target, "activate", mappingArgs(m))
		if err != nil {
			return err
		}
		if err := h.Await(ctx); err != nil {
			return err
		}
		if !h.Succeeded() {
			return fmt.Errorf("rollback: activate %s on %s failed", m.Key, target.Name)
		}
		m.Status = manifest.Activated
	}
	return nil
}

// redeactivate deactivates mappings sequentially, in the given order,
// during rollback.
func redeactivate(ctx context.Context, cfg ActivateConfig, mappings []*manifest.ActivationMapping) error {
	for _, m := range mappings {
		target := cfg.Targets[m.Key.Target]
		h, err := cfg.Executor.Run(ctx, target, "deactivate", mappingArgs(m))
		if err != nil {
			return err
		}
		if err := h.Await(ctx); err != nil {
			return err
		}
		if !h.Succeeded() {
			return fmt.Errorf("rollback: deactivate %s on %s failed", m.Key, target.Name)
		}
		m.Status = manifest.Deactivated
	}
	return nil
}

func reverse(in []*manifest.ActivationMapping) []*manifest.ActivationMapping {
	out := make([]*manifest.ActivationMapping, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}
