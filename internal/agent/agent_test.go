package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestLockComponentRejectsDoubleLock(t *testing.T) {
	a := newTestAgent(t)
	if err := a.LockComponent("default"); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := a.LockComponent("default"); err == nil {
		t.Fatal("expected second lock of the same profile to fail")
	}
	if err := a.UnlockComponent("default"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := a.LockComponent("default"); err != nil {
		t.Fatalf("lock after unlock should succeed: %v", err)
	}
}

func TestUnlockComponentOfUnlockedProfileIsNotAnError(t *testing.T) {
	a := newTestAgent(t)
	if err := a.UnlockComponent("never-locked"); err != nil {
		t.Fatalf("expected unlocking a never-locked profile to be a no-op, got %v", err)
	}
}

func TestActivateThenDeactivateRecordsState(t *testing.T) {
	a := newTestAgent(t)
	args := []string{"web", "c1", "process", "port=8080"}

	if err := a.Activate(args); err != nil {
		t.Fatalf("activate: %v", err)
	}
	path, err := a.activationPath("web", "c1")
	if err != nil {
		t.Fatalf("activationPath: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read activation record: %v", err)
	}
	if !strings.Contains(string(data), "active=true") {
		t.Fatalf("expected active=true in record, got %q", data)
	}

	if err := a.Deactivate(args); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("read activation record after deactivate: %v", err)
	}
	if !strings.Contains(string(data), "active=false") {
		t.Fatalf("expected active=false after deactivate, got %q", data)
	}
}

func TestSnapshotRetrieveRestoreRoundTrip(t *testing.T) {
	source := newTestAgent(t)
	dest := newTestAgent(t)
	// Both agents share one snapshot export root, as they would via a
	// shared NFS mount in a real deployment.
	shared := t.TempDir()
	source.SnapshotRoot = shared
	dest.SnapshotRoot = shared

	liveDir, err := source.liveStateDir("db", "c1")
	if err != nil {
		t.Fatalf("liveStateDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(liveDir, "data.db"), []byte("rows"), 0o644); err != nil {
		t.Fatalf("seed live state: %v", err)
	}

	if err := source.Snapshot("db", "c1", "postgresql"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	t.Setenv("DISTCTL_TARGET_NAME", "host2")
	if err := source.RetrieveSnapshots("db", "c1", "host2"); err != nil {
		t.Fatalf("retrieve_snapshots: %v", err)
	}

	if err := dest.Restore("db", "c1", "postgresql"); err != nil {
		t.Fatalf("restore: %v", err)
	}

	destLive, err := dest.liveStateDir("db", "c1")
	if err != nil {
		t.Fatalf("liveStateDir: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(destLive, "data.db"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(data) != "rows" {
		t.Fatalf("expected restored contents %q, got %q", "rows", data)
	}
}

func TestDeleteSnapshotsRetainsMostRecent(t *testing.T) {
	a := newTestAgent(t)
	genDir, err := a.generationsDir("db", "c1")
	if err != nil {
		t.Fatalf("generationsDir: %v", err)
	}
	for _, name := range []string{"1.tar.gz", "2.tar.gz", "3.tar.gz"} {
		if err := os.WriteFile(filepath.Join(genDir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seed generation %s: %v", name, err)
		}
	}

	if err := a.DeleteSnapshots("db", "c1", 1); err != nil {
		t.Fatalf("delete_snapshots: %v", err)
	}

	entries, err := os.ReadDir(genDir)
	if err != nil {
		t.Fatalf("read generations dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 retained generation, got %d: %v", len(entries), entries)
	}
	if entries[0].Name() != "3.tar.gz" {
		t.Fatalf("expected the most recent generation retained, got %q", entries[0].Name())
	}
}

func TestSetProfilePublishesSymlink(t *testing.T) {
	a := newTestAgent(t)
	if err := a.SetProfile("default", "/nix/store/web"); err != nil {
		t.Fatalf("set_profile: %v", err)
	}
	link := filepath.Join(a.StateDir, "profiles", "default")
	resolved, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if resolved != "/nix/store/web" {
		t.Fatalf("expected symlink to /nix/store/web, got %q", resolved)
	}

	// Publishing again must swap the link, not fail on an existing path.
	if err := a.SetProfile("default", "/nix/store/web-v2"); err != nil {
		t.Fatalf("set_profile (republish): %v", err)
	}
	resolved, err = os.Readlink(link)
	if err != nil {
		t.Fatalf("readlink after republish: %v", err)
	}
	if resolved != "/nix/store/web-v2" {
		t.Fatalf("expected symlink to swap to /nix/store/web-v2, got %q", resolved)
	}
}

func TestDeleteProfileGenerationsRetainsMostRecent(t *testing.T) {
	a := newTestAgent(t)
	for _, closure := range []string{"/nix/store/v1", "/nix/store/v2", "/nix/store/v3"} {
		if err := a.SetProfile("default", closure); err != nil {
			t.Fatalf("set_profile %s: %v", closure, err)
		}
	}

	if err := a.DeleteProfileGenerations("default", 1); err != nil {
		t.Fatalf("delete_generations: %v", err)
	}

	genDir, err := a.profileGenerationsDir("default")
	if err != nil {
		t.Fatalf("profileGenerationsDir: %v", err)
	}
	entries, err := os.ReadDir(genDir)
	if err != nil {
		t.Fatalf("read generations dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 retained generation, got %d: %v", len(entries), entries)
	}

	// The live symlink itself must be untouched by pruning history.
	link := filepath.Join(a.StateDir, "profiles", "default")
	resolved, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if resolved != "/nix/store/v3" {
		t.Fatalf("expected live symlink to still point at /nix/store/v3, got %q", resolved)
	}
}

func TestDispatchDeleteGenerationsRejectsMalformedKeep(t *testing.T) {
	a := newTestAgent(t)
	if err := a.Dispatch("delete_generations", []string{"default", "not-a-number"}); err == nil {
		t.Fatal("expected an error for a non-numeric keep argument")
	}
}

func TestDispatchRejectsUnknownOp(t *testing.T) {
	a := newTestAgent(t)
	if err := a.Dispatch("reticulate_splines", nil); err == nil {
		t.Fatal("expected an error for an unknown op")
	}
}

func TestDispatchCopyClosureRequiresExistingFile(t *testing.T) {
	a := newTestAgent(t)
	if err := a.Dispatch("copy_closure", []string{"/nonexistent/closure"}); err == nil {
		t.Fatal("expected copy_closure to fail when the closure is not present on disk")
	}
}

