package phases

import (
	"context"
	"testing"

	"github.com/distctl/distctl/internal/fanout"
	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/transport"
	"github.com/distctl/distctl/internal/transport/transporttest"
)

func snapKey(component, container, target string) manifest.SnapshotKey {
	return manifest.SnapshotKey{Component: component, Container: container, Target: target}
}

func TestMigrateTransfersMovedComponent(t *testing.T) {
	targets := testTargets("host1", "host2")
	backend := transporttest.New()
	executor := transport.NewExecutor(map[string]transport.ClientInterface{"fake": backend})
	gate := fanout.NewHostGate(targets)

	old := &manifest.SnapshotMapping{Key: snapKey("db", "c", "host1"), Service: "db"}
	fresh := &manifest.SnapshotMapping{Key: snapKey("db", "c", "host2"), Service: "db"}

	ok, err := Migrate(context.Background(), MigrateConfig{
		Executor:     executor,
		Gate:         gate,
		Targets:      targets,
		OldSnapshots: []*manifest.SnapshotMapping{old},
		NewSnapshots: []*manifest.SnapshotMapping{fresh},
		Keep:         1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected migrate to succeed")
	}
	if !fresh.Transferred {
		t.Fatal("expected the new mapping to be marked transferred")
	}

	var ops []string
	for _, c := range backend.Calls() {
		ops = append(ops, c.Op)
	}
	want := map[string]bool{
		"lock_snapshots": false, "snapshot": false, "retrieve_snapshots": false,
		"restore": false, "unlock_snapshots": false, "delete_snapshots": false,
	}
	for _, op := range ops {
		if _, known := want[op]; !known {
			t.Fatalf("unexpected op %q dispatched: %v", op, ops)
		}
		want[op] = true
	}
	for op, seen := range want {
		if !seen {
			t.Fatalf("expected op %q to be dispatched, got %v", op, ops)
		}
	}
}

func TestMigrateSkipsTransferWhenComponentDidNotMove(t *testing.T) {
	targets := testTargets("host1")
	backend := transporttest.New()
	executor := transport.NewExecutor(map[string]transport.ClientInterface{"fake": backend})
	gate := fanout.NewHostGate(targets)

	old := &manifest.SnapshotMapping{Key: snapKey("db", "c", "host1"), Service: "db"}
	fresh := &manifest.SnapshotMapping{Key: snapKey("db", "c", "host1"), Service: "db"}

	ok, err := Migrate(context.Background(), MigrateConfig{
		Executor:     executor,
		Gate:         gate,
		Targets:      targets,
		OldSnapshots: []*manifest.SnapshotMapping{old},
		NewSnapshots: []*manifest.SnapshotMapping{fresh},
	})
	if err != nil || !ok {
		t.Fatalf("migrate failed: ok=%v err=%v", ok, err)
	}
	if fresh.Transferred {
		t.Fatal("expected no transfer for a component that stayed on the same target")
	}
	for _, c := range backend.Calls() {
		if c.Op == "retrieve_snapshots" || c.Op == "restore" {
			t.Fatalf("unexpected %s call for a non-moved component", c.Op)
		}
	}
}

func TestMigrateFailsAndUnlocksOnSnapshotFailure(t *testing.T) {
	targets := testTargets("host1")
	backend := transporttest.New()
	backend.Fail["snapshot"] = true
	executor := transport.NewExecutor(map[string]transport.ClientInterface{"fake": backend})
	gate := fanout.NewHostGate(targets)

	old := &manifest.SnapshotMapping{Key: snapKey("db", "c", "host1"), Service: "db"}
	fresh := &manifest.SnapshotMapping{Key: snapKey("web", "c", "host1"), Service: "web"}

	ok, _ := Migrate(context.Background(), MigrateConfig{
		Executor:     executor,
		Gate:         gate,
		Targets:      targets,
		OldSnapshots: []*manifest.SnapshotMapping{old},
		NewSnapshots: []*manifest.SnapshotMapping{fresh},
	})
	if ok {
		t.Fatal("expected migrate to report failure when a snapshot sub-step fails")
	}

	var sawLock, sawUnlock bool
	for _, c := range backend.Calls() {
		switch c.Op {
		case "lock_snapshots":
			sawLock = true
		case "unlock_snapshots":
			sawUnlock = true
		}
	}
	if !sawLock {
		t.Fatal("expected state lock to have been attempted before the failing snapshot step")
	}
	if !sawUnlock {
		t.Fatal("expected state to be unlocked after the snapshot step failed")
	}
}

func TestMigrateClearsTransferredFlagsUpfront(t *testing.T) {
	targets := testTargets("host1")
	backend := transporttest.New()
	executor := transport.NewExecutor(map[string]transport.ClientInterface{"fake": backend})
	gate := fanout.NewHostGate(targets)

	fresh := &manifest.SnapshotMapping{Key: snapKey("db", "c", "host1"), Service: "db", Transferred: true}

	ok, err := Migrate(context.Background(), MigrateConfig{
		Executor:     executor,
		Gate:         gate,
		Targets:      targets,
		NewSnapshots: []*manifest.SnapshotMapping{fresh},
	})
	if err != nil || !ok {
		t.Fatalf("migrate failed: ok=%v err=%v", ok, err)
	}
	if fresh.Transferred {
		t.Fatal("expected Transferred to be cleared at the start of migrate since no matching obsolete mapping exists")
	}
}
