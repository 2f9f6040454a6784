package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/distctl/distctl/internal/fanout"
	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/phases"
	"github.com/distctl/distctl/internal/telemetry"
	"github.com/distctl/distctl/internal/transport"
)

// Flags is the bitset controlling optional phases and behavior, per
// spec.md §6.
type Flags uint8

const (
	// NoLock skips the lock and unlock phases entirely.
	NoLock Flags = 1 << iota
	// NoMigration skips the migrate phase.
	NoMigration
	// NoUpgrade treats the old manifest as empty: full activation, no
	// diff against a prior deployment.
	NoUpgrade
	// DeleteOld requests removal of old profile generations after a
	// successful deploy.
	DeleteOld
	// SetNoTargetProfiles skips step 1 of the profile phase.
	SetNoTargetProfiles
	// SetNoCoordinatorProfile skips step 2 of the profile phase.
	SetNoCoordinatorProfile
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// Status is the three-way deploy result of spec.md §4.8.
type Status int

const (
	// OK means the deploy fully converged.
	OK Status = iota
	// FAIL means no configuration change took lasting effect; re-running
	// is safe.
	FAIL
	// StateFail means new code is running but state is not fully
	// migrated; re-run to resume from migrate.
	StateFail
)

func (s Status) String() string {
	switch s {
	case OK:
		return "DEPLOY_OK"
	case StateFail:
		return "DEPLOY_STATE_FAIL"
	default:
		return "DEPLOY_FAIL"
	}
}

// Config bundles one invocation of Run, mirroring the deploy() operation
// signature of spec.md §6.
type Config struct {
	Executor *transport.Executor

	OldManifestPath string
	NewManifestPath string

	NewManifest *manifest.Manifest
	OldManifest *manifest.Manifest // nil when there is no previous deployment

	ProfileName            string
	CoordinatorProfileDir  string
	MaxConcurrentTransfers int64
	Keep                   int

	Flags Flags

	PreHook  func()
	PostHook func()

	// Logger receives one line per target operation and one per phase
	// summary (spec.md §6's ambient logging addition). The zero
	// logr.Logger is a safe no-op.
	Logger logr.Logger
}

// Run drives one deploy through the phase pipeline
// distribute -> lock -> activate -> migrate -> profiles -> unlock,
// short-circuiting on the first phase that fails, per spec.md §4.8's result
// mapping table.
func Run(ctx context.Context, cfg Config) (Status, error) {
	newManifest := cfg.NewManifest
	if newManifest == nil {
		return FAIL, fmt.Errorf("deploy: new manifest is required")
	}

	oldManifest := cfg.OldManifest
	if cfg.Flags.has(NoUpgrade) || oldManifest == nil {
		oldManifest = &manifest.Manifest{}
	}

	targets := mergeTargets(oldManifest, newManifest)
	gate := fanout.NewHostGate(targets).WithGlobalCap(cfg.MaxConcurrentTransfers)
	cfg.Executor = cfg.Executor.WithLogger(cfg.Logger)

	// Phase C4: distribute.
	ok, err := phases.Distribute(ctx, cfg.Executor, gate, targets, newManifest.Distribution)
	telemetry.PhaseSummary(cfg.Logger, "distribute", ok, err)
	if err != nil {
		return FAIL, fmt.Errorf("distribute: %w", err)
	}
	if !ok {
		return FAIL, fmt.Errorf("%w: distribute", ErrRemoteOpFailed)
	}

	// Phase C5: lock.
	locksHeld := false
	if !cfg.Flags.has(NoLock) {
		ok, err := phases.Lock(ctx, cfg.Executor, gate, targets, newManifest.Distribution, cfg.ProfileName, cfg.PreHook)
		telemetry.PhaseSummary(cfg.Logger, "lock", ok, err)
		if err != nil || !ok {
			return FAIL, fmt.Errorf("%w: %v", ErrLockFailed, err)
		}
		locksHeld = true
	} else if cfg.PreHook != nil {
		cfg.PreHook()
	}

	unlock := func() error {
		if !locksHeld {
			if cfg.PostHook != nil {
				cfg.PostHook()
			}
			return nil
		}
		ok, err := phases.Unlock(ctx, cfg.Executor, gate, targets, newManifest.Distribution, cfg.ProfileName, cfg.PostHook)
		telemetry.PhaseSummary(cfg.Logger, "unlock", ok, err)
		if err != nil || !ok {
			if err == nil {
				err = fmt.Errorf("unlock reported failure")
			}
			return err
		}
		return nil
	}

	// Phase C6: activate.
	status, err := phases.Activate(ctx, phases.ActivateConfig{
		Executor:      cfg.Executor,
		Gate:          gate,
		Targets:       targets,
		NewActivation: newManifest.Activation,
		OldActivation: oldManifest.Activation,
	})
	telemetry.PhaseSummary(cfg.Logger, "activate", status == phases.TransitionOK, err)
	if status != phases.TransitionOK {
		_ = unlock()
		if status == phases.TransitionRollbackFailed {
			return StateFail, fmt.Errorf("%w: %v", ErrActivationCatastrophe, err)
		}
		var cycleErr *fanout.ErrCycleDetected
		if errors.As(err, &cycleErr) {
			return FAIL, fmt.Errorf("%w: %v", ErrCycleDetected, err)
		}
		return FAIL, fmt.Errorf("%w: %v", ErrActivationRollback, err)
	}

	// Phase C7: migrate.
	if !cfg.Flags.has(NoMigration) {
		ok, err := phases.Migrate(ctx, phases.MigrateConfig{
			Executor:     cfg.Executor,
			Gate:         gate,
			Targets:      targets,
			NewSnapshots: newManifest.Snapshots,
			OldSnapshots: oldManifest.Snapshots,
			Keep:         cfg.Keep,
		})
		telemetry.PhaseSummary(cfg.Logger, "migrate", ok, err)
		if err != nil || !ok {
			_ = unlock()
			return StateFail, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
		}
	}

	// Phase C8: profiles. spec.md §9 places this before unlock so that an
	// observer on any target sees the new profile only when locks are
	// still held.
	ok, err = phases.Profile(ctx, phases.ProfileConfig{
		Executor:                cfg.Executor,
		Gate:                    gate,
		Targets:                 targets,
		Profiles:                newManifest.Profiles,
		ProfileName:             cfg.ProfileName,
		SetNoTargetProfiles:     cfg.Flags.has(SetNoTargetProfiles),
		SetNoCoordinatorProfile: cfg.Flags.has(SetNoCoordinatorProfile),
		CoordinatorProfileDir:   cfg.CoordinatorProfileDir,
		NewManifestPath:         cfg.NewManifestPath,
		Keep:                    cfg.Keep,
	})
	telemetry.PhaseSummary(cfg.Logger, "profile", ok, err)
	if err != nil || !ok {
		_ = unlock()
		if err == nil {
			err = fmt.Errorf("profile phase reported failure")
		}
		return FAIL, fmt.Errorf("%w: %v", ErrProfileSetFailed, err)
	}

	// Unlock: runs on every exit path once locks have been acquired. Its
	// own failure is diagnostic only; the deployment itself succeeded.
	if err := unlock(); err != nil {
		return FAIL, fmt.Errorf("unlock: %w", err)
	}

	// DELETE_OLD: only once the deploy has fully converged, ask every
	// target (and the coordinator itself) to prune profile generation
	// history. Its failure is diagnostic only (spec.md §6); it does not
	// change the result already earned above.
	if cfg.Flags.has(DeleteOld) {
		ok, err := phases.DeleteOldGenerations(ctx, phases.ProfileConfig{
			Executor:                cfg.Executor,
			Gate:                    gate,
			Targets:                 targets,
			Profiles:                newManifest.Profiles,
			ProfileName:             cfg.ProfileName,
			SetNoCoordinatorProfile: cfg.Flags.has(SetNoCoordinatorProfile),
			CoordinatorProfileDir:   cfg.CoordinatorProfileDir,
			Keep:                    cfg.Keep,
		})
		telemetry.PhaseSummary(cfg.Logger, "delete-old", ok, err)
	}

	return OK, nil
}

// mergeTargets unions the targets tables of both manifests: a target that
// only the old manifest still references (e.g. being drained) must still
// be reachable during deactivation and migrate.
func mergeTargets(oldManifest, newManifest *manifest.Manifest) map[string]*manifest.Target {
	out := make(map[string]*manifest.Target, len(newManifest.Targets)+len(oldManifest.Targets))
	for name, t := range oldManifest.Targets {
		out[name] = t
	}
	for name, t := range newManifest.Targets {
		out[name] = t
	}
	return out
}
