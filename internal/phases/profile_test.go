package phases

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/distctl/distctl/internal/fanout"
	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/transport"
	"github.com/distctl/distctl/internal/transport/transporttest"
)

func TestProfilePublishesTargetsAndCoordinator(t *testing.T) {
	targets := testTargets("t1", "t2")
	backend := transporttest.New()
	executor := transport.NewExecutor(map[string]transport.ClientInterface{"fake": backend})
	gate := fanout.NewHostGate(targets)

	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.xml")
	if err := os.WriteFile(manifestPath, []byte("<manifest/>"), 0o644); err != nil {
		t.Fatalf("write manifest fixture: %v", err)
	}

	profiles := map[string]manifest.ProfileMapping{
		"t1": {"default": "/nix/store/web"},
		"t2": {"default": "/nix/store/db"},
	}

	ok, err := Profile(context.Background(), ProfileConfig{
		Executor:              executor,
		Gate:                  gate,
		Targets:               targets,
		Profiles:              profiles,
		ProfileName:           "default",
		CoordinatorProfileDir: dir,
		NewManifestPath:       manifestPath,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected profile phase to succeed")
	}

	calls := backend.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 set_profile calls, got %d", len(calls))
	}
	for _, c := range calls {
		if c.Op != "set_profile" {
			t.Errorf("unexpected op %q", c.Op)
		}
	}

	link := filepath.Join(dir, "default")
	resolved, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("expected a coordinator profile symlink at %s: %v", link, err)
	}
	if resolved != manifestPath {
		t.Fatalf("expected symlink to point at %s, got %s", manifestPath, resolved)
	}
}

func TestProfileSkipsTargetsWhenFlagSet(t *testing.T) {
	targets := testTargets("t1")
	backend := transporttest.New()
	executor := transport.NewExecutor(map[string]transport.ClientInterface{"fake": backend})
	gate := fanout.NewHostGate(targets)

	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.xml")
	os.WriteFile(manifestPath, []byte("<manifest/>"), 0o644)

	ok, err := Profile(context.Background(), ProfileConfig{
		Executor:                executor,
		Gate:                    gate,
		Targets:                 targets,
		Profiles:                map[string]manifest.ProfileMapping{"t1": {"default": "/nix/store/web"}},
		ProfileName:             "default",
		SetNoTargetProfiles:     true,
		CoordinatorProfileDir:   dir,
		NewManifestPath:         manifestPath,
	})
	if err != nil || !ok {
		t.Fatalf("profile phase failed: ok=%v err=%v", ok, err)
	}
	if len(backend.Calls()) != 0 {
		t.Fatalf("expected no set_profile dispatches, got %v", backend.Calls())
	}
	if _, err := os.Lstat(filepath.Join(dir, "default")); err != nil {
		t.Fatal("expected the coordinator profile symlink to still be published")
	}
}

func TestProfileSkipsCoordinatorWhenFlagSet(t *testing.T) {
	targets := testTargets("t1")
	backend := transporttest.New()
	executor := transport.NewExecutor(map[string]transport.ClientInterface{"fake": backend})
	gate := fanout.NewHostGate(targets)

	dir := t.TempDir()

	ok, err := Profile(context.Background(), ProfileConfig{
		Executor:                executor,
		Gate:                    gate,
		Targets:                 targets,
		Profiles:                map[string]manifest.ProfileMapping{"t1": {"default": "/nix/store/web"}},
		ProfileName:             "default",
		SetNoCoordinatorProfile: true,
		CoordinatorProfileDir:   dir,
	})
	if err != nil || !ok {
		t.Fatalf("profile phase failed: ok=%v err=%v", ok, err)
	}
	if _, err := os.Lstat(filepath.Join(dir, "default")); !os.IsNotExist(err) {
		t.Fatal("expected no coordinator profile symlink when SetNoCoordinatorProfile is set")
	}
}

func TestDeleteOldGenerationsPrunesTargetsAndCoordinator(t *testing.T) {
	targets := testTargets("t1")
	backend := transporttest.New()
	executor := transport.NewExecutor(map[string]transport.ClientInterface{"fake": backend})
	gate := fanout.NewHostGate(targets)

	dir := t.TempDir()
	genDir := filepath.Join(dir, "default.generations")
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		t.Fatalf("seed coordinator generations dir: %v", err)
	}
	for _, name := range []string{"1.link", "2.link", "3.link"} {
		if err := os.Symlink("/nix/store/old", filepath.Join(genDir, name)); err != nil {
			t.Fatalf("seed generation %s: %v", name, err)
		}
	}

	ok, err := DeleteOldGenerations(context.Background(), ProfileConfig{
		Executor:              executor,
		Gate:                  gate,
		Targets:               targets,
		Profiles:              map[string]manifest.ProfileMapping{"t1": {"default": "/nix/store/web"}},
		ProfileName:           "default",
		CoordinatorProfileDir: dir,
		Keep:                  1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected delete-old to succeed")
	}

	calls := backend.Calls()
	if len(calls) != 1 || calls[0].Op != "delete_generations" {
		t.Fatalf("expected a single delete_generations call, got %+v", calls)
	}

	entries, err := os.ReadDir(genDir)
	if err != nil {
		t.Fatalf("read coordinator generations dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "3.link" {
		t.Fatalf("expected only the most recent coordinator generation retained, got %v", entries)
	}
}

func TestDeleteOldGenerationsSkipsCoordinatorWhenFlagSet(t *testing.T) {
	targets := testTargets("t1")
	backend := transporttest.New()
	executor := transport.NewExecutor(map[string]transport.ClientInterface{"fake": backend})
	gate := fanout.NewHostGate(targets)

	dir := t.TempDir()

	ok, err := DeleteOldGenerations(context.Background(), ProfileConfig{
		Executor:                executor,
		Gate:                    gate,
		Targets:                 targets,
		Profiles:                map[string]manifest.ProfileMapping{"t1": {"default": "/nix/store/web"}},
		ProfileName:             "default",
		SetNoCoordinatorProfile: true,
		CoordinatorProfileDir:   dir,
		Keep:                    1,
	})
	if err != nil || !ok {
		t.Fatalf("delete-old failed: ok=%v err=%v", ok, err)
	}
	if _, err := os.Lstat(filepath.Join(dir, "default.generations")); !os.IsNotExist(err) {
		t.Fatal("expected no coordinator generations dir to be touched when SetNoCoordinatorProfile is set")
	}
}

func TestProfileReportsTargetFailure(t *testing.T) {
	targets := testTargets("t1")
	backend := transporttest.New()
	backend.Fail["set_profile"] = true
	executor := transport.NewExecutor(map[string]transport.ClientInterface{"fake": backend})
	gate := fanout.NewHostGate(targets)

	ok, _ := Profile(context.Background(), ProfileConfig{
		Executor:    executor,
		Gate:        gate,
		Targets:     targets,
		Profiles:    map[string]manifest.ProfileMapping{"t1": {"default": "/nix/store/web"}},
		ProfileName: "default",
	})
	if ok {
		t.Fatal("expected profile phase to report failure when set_profile fails")
	}
}
