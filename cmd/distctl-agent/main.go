// Command distctl-agent is the per-target helper the ssh, k8sexec, and
// azurerun transport backends invoke remotely: it implements every op
// named in internal/phases (copy_closure, lock_component, activate,
// snapshot, set_profile, ...) as a local filesystem action under
// -state-dir, and reports success or failure through its exit code. The
// ssh and k8sexec backends turn a non-zero exit into a failed
// transport.Handle; azurerun does not read the exit code.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/distctl/distctl/internal/agent"
)

func main() {
	stateDir := flag.String("state-dir", "/var/lib/distctl-agent", "directory holding this agent's local state")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: distctl-agent [-state-dir DIR] <op> [args...]")
		os.Exit(2)
	}

	a, err := agent.New(*stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "distctl-agent: %v\n", err)
		os.Exit(1)
	}

	if err := a.Dispatch(args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "distctl-agent: %s: %v\n", args[0], err)
		os.Exit(1)
	}
}
