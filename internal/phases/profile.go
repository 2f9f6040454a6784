package phases

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/distctl/distctl/internal/fanout"
	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/transport"
)

// ProfileConfig bundles what Profile needs for one run of component C8.
type ProfileConfig struct {
	Executor *transport.Executor
	Gate     *fanout.HostGate
	Targets  map[string]*manifest.Target

	// Profiles is the manifest's profile mapping table: target name ->
	// (profile name -> closure path).
	Profiles    map[string]manifest.ProfileMapping
	ProfileName string

	SetNoTargetProfiles     bool
	SetNoCoordinatorProfile bool

	// CoordinatorProfileDir and NewManifestPath are only used when
	// SetNoCoordinatorProfile is false.
	CoordinatorProfileDir string
	NewManifestPath       string

	// Keep is the number of most recent profile generations retained per
	// target (and for the coordinator's own profile) when DeleteOldGenerations
	// runs. Zero means the default of 1.
	Keep int
}

type targetProfileItem struct {
	Target  string
	Profile string
	Closure string
}

// Profile runs component C8: publishing the new profile on every target,
// then, once every target has confirmed, committing the coordinator's own
// profile symlink (spec.md §4.7). Either sub-step can be individually
// disabled via the corresponding flag.
func Profile(ctx context.Context, cfg ProfileConfig) (bool, error) {
	if !cfg.SetNoTargetProfiles {
		ok, err := setTargetProfiles(ctx, cfg)
		if !ok || err != nil {
			return ok, err
		}
	}

	if !cfg.SetNoCoordinatorProfile {
		if err := publishCoordinatorProfile(cfg.CoordinatorProfileDir, cfg.ProfileName, cfg.NewManifestPath); err != nil {
			return false, fmt.Errorf("publish coordinator profile: %w", err)
		}
	}

	return true, nil
}

func setTargetProfiles(ctx context.Context, cfg ProfileConfig) (bool, error) {
	var items []targetProfileItem
	for target, profiles := range cfg.Profiles {
		for profile, closure := range profiles {
			items = append(items, targetProfileItem{Target: target, Profile: profile, Closure: closure})
		}
	}
	if len(items) == 0 {
		return true, nil
	}

	return fanout.Iterate(
		ctx, items, cfg.Gate,
		func(item targetProfileItem) string { return item.Target },
		func(ctx context.Context, item targetProfileItem) (*transport.Handle, error) {
			target, ok := cfg.Targets[item.Target]
			if !ok {
				return nil, fmt.Errorf("set_profile: unknown target %q", item.Target)
			}
			return cfg.Executor.Run(ctx, target, "set_profile", []string{item.Profile, item.Closure})
		},
		func(item targetProfileItem, h *transport.Handle, spawnErr error) {},
	)
}

// publishCoordinatorProfile atomically points
// <dir>/<profileName> at manifestPath. It creates a freshly-named symlink
// next to the target and renames it into place: on a POSIX filesystem,
// rename is atomic, so an observer always sees either the previous link or
// the new one, never neither (spec.md §4.7 step 2, §9). A timestamp-named
// generation link is recorded alongside the live symlink, giving
// deleteOldCoordinatorGenerations history to prune.
func publishCoordinatorProfile(dir, profileName, manifestPath string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create coordinator profile dir: %w", err)
	}

	genDir := filepath.Join(dir, profileName+".generations")
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		return fmt.Errorf("create coordinator profile generations dir: %w", err)
	}
	generation := filepath.Join(genDir, strconv.FormatInt(time.Now().UnixNano(), 10)+".link")
	if err := os.Symlink(manifestPath, generation); err != nil {
		return fmt.Errorf("record coordinator profile generation: %w", err)
	}

	target := filepath.Join(dir, profileName)
	tmp := fmt.Sprintf("%s.tmp-%s", target, uuid.New().String())

	if err := os.Symlink(manifestPath, tmp); err != nil {
		return fmt.Errorf("create staging symlink: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit staging symlink: %w", err)
	}
	return nil
}

// deleteOldCoordinatorGenerations removes every recorded generation of the
// coordinator's own profile except the keep most recent. The live symlink
// published by publishCoordinatorProfile is untouched.
func deleteOldCoordinatorGenerations(dir, profileName string, keep int) error {
	genDir := filepath.Join(dir, profileName+".generations")
	entries, err := os.ReadDir(genDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".link") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // generation names are unix-nano, so lexical == chronological

	if keep < 0 {
		keep = 0
	}
	if len(names) <= keep {
		return nil
	}
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(genDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// DeleteOldGenerations runs the DELETE_OLD post-deploy step (spec.md §6): it
// asks every target holding a profile to prune its profile generation
// history down to cfg.Keep, then prunes the coordinator's own profile
// generation history the same way. It only runs once a deploy has already
// converged; a failure here is diagnostic and does not change deploy's
// result status.
func DeleteOldGenerations(ctx context.Context, cfg ProfileConfig) (bool, error) {
	keep := cfg.Keep
	if keep <= 0 {
		keep = 1
	}

	var items []targetProfileItem
	for target, profiles := range cfg.Profiles {
		for profile := range profiles {
			items = append(items, targetProfileItem{Target: target, Profile: profile})
		}
	}

	ok := true
	if len(items) > 0 {
		var err error
		ok, err = fanout.Iterate(
			ctx, items, cfg.Gate,
			func(item targetProfileItem) string { return item.Target },
			func(ctx context.Context, item targetProfileItem) (*transport.Handle, error) {
				target, found := cfg.Targets[item.Target]
				if !found {
					return nil, fmt.Errorf("delete_generations: unknown target %q", item.Target)
				}
				return cfg.Executor.Run(ctx, target, "delete_generations", []string{item.Profile, strconv.Itoa(keep)})
			},
			func(item targetProfileItem, h *transport.Handle, spawnErr error) {},
		)
		if err != nil {
			return false, err
		}
	}

	if !cfg.SetNoCoordinatorProfile {
		if err := deleteOldCoordinatorGenerations(cfg.CoordinatorProfileDir, cfg.ProfileName, keep); err != nil {
			return false, err
		}
	}
	return ok, nil
}
