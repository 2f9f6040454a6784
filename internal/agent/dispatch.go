package agent

import (
	"fmt"
	"strconv"
)

// Dispatch runs one op by name, in the same spelling used throughout
// internal/phases and internal/transport. It is the single switch
// cmd/distctl-agent's main() calls into, kept separate from main() so it
// can be exercised directly by tests.
func (a *Agent) Dispatch(op string, args []string) error {
	switch op {
	case "copy_closure":
		if len(args) != 1 {
			return fmt.Errorf("copy_closure: expected 1 arg, got %d", len(args))
		}
		return a.CopyClosure(args[0])

	case "lock_component":
		if len(args) != 1 {
			return fmt.Errorf("lock_component: expected 1 arg, got %d", len(args))
		}
		return a.LockComponent(args[0])

	case "unlock_component":
		if len(args) != 1 {
			return fmt.Errorf("unlock_component: expected 1 arg, got %d", len(args))
		}
		return a.UnlockComponent(args[0])

	case "activate":
		return a.Activate(args)

	case "deactivate":
		return a.Deactivate(args)

	case "lock_snapshots":
		if len(args) != 1 {
			return fmt.Errorf("lock_snapshots: expected 1 arg, got %d", len(args))
		}
		return a.LockSnapshots(args[0])

	case "unlock_snapshots":
		if len(args) != 1 {
			return fmt.Errorf("unlock_snapshots: expected 1 arg, got %d", len(args))
		}
		return a.UnlockSnapshots(args[0])

	case "snapshot":
		if len(args) != 3 {
			return fmt.Errorf("snapshot: expected 3 args, got %d", len(args))
		}
		return a.Snapshot(args[0], args[1], args[2])

	case "retrieve_snapshots":
		if len(args) != 3 {
			return fmt.Errorf("retrieve_snapshots: expected 3 args, got %d", len(args))
		}
		return a.RetrieveSnapshots(args[0], args[1], args[2])

	case "restore":
		if len(args) != 3 {
			return fmt.Errorf("restore: expected 3 args, got %d", len(args))
		}
		return a.Restore(args[0], args[1], args[2])

	case "delete_snapshots":
		if len(args) != 3 {
			return fmt.Errorf("delete_snapshots: expected 3 args, got %d", len(args))
		}
		keep, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("delete_snapshots: invalid keep %q: %w", args[2], err)
		}
		return a.DeleteSnapshots(args[0], args[1], keep)

	case "set_profile":
		if len(args) != 2 {
			return fmt.Errorf("set_profile: expected 2 args, got %d", len(args))
		}
		return a.SetProfile(args[0], args[1])

	case "delete_generations":
		if len(args) != 2 {
			return fmt.Errorf("delete_generations: expected 2 args, got %d", len(args))
		}
		keep, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("delete_generations: invalid keep %q: %w", args[1], err)
		}
		return a.DeleteProfileGenerations(args[0], keep)

	default:
		return fmt.Errorf("unknown op %q", op)
	}
}
