// Package transporttest provides an in-memory transport.ClientInterface
// for exercising the coordinator's phases without real targets, in the
// same spirit as the teacher's internal/bmdemo/provider/fake package: a
// configurable simulator with per-operation failure injection and a
// recorded call log usable for concurrency and ordering assertions.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/transport"
)

// Call records one dispatched operation, with timestamps so tests can
// assert on bounded per-host concurrency (spec.md property 3 / scenario S6).
type Call struct {
	Target    string
	Op        string
	Args      []string
	StartedAt time.Time
	EndedAt   time.Time
}

// Backend is a fake transport.ClientInterface.
type Backend struct {
	mu sync.Mutex

	// Delay is applied to every call before it completes, simulating
	// network/process latency so concurrency caps are observable.
	Delay time.Duration

	// Fail, keyed by "op" or "op@target", marks an operation to fail.
	Fail map[string]bool

	calls      []Call
	inFlight   map[string]int
	maxInFlight map[string]int
}

// New builds an empty fake backend.
func New() *Backend {
	return &Backend{
		Fail:        make(map[string]bool),
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
	}
}

// Calls returns a snapshot of every dispatched call, in completion order.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// MaxInFlight returns the highest observed concurrent in-flight call count
// for the given target.
func (b *Backend) MaxInFlight(target string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxInFlight[target]
}

func (b *Backend) shouldFail(op, target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Fail[op] || b.Fail[fmt.Sprintf("%s@%s", op, target)]
}

// Run simulates a remote operation: it tracks in-flight concurrency,
// sleeps for Delay, and fails if the op/target pair is marked in Fail.
func (b *Backend) Run(ctx context.Context, target *manifest.Target, op string, args []string) (*transport.Handle, error) {
	run := transport.NewHandleFunc(op, target.Name, func(ctx context.Context) ([]byte, []byte, error) {
		started := time.Now()

		b.mu.Lock()
		b.inFlight[target.Name]++
		if b.inFlight[target.Name] > b.maxInFlight[target.Name] {
			b.maxInFlight[target.Name] = b.inFlight[target.Name]
		}
		b.mu.Unlock()

		defer func() {
			b.mu.Lock()
			b.inFlight[target.Name]--
			b.calls = append(b.calls, Call{
				Target:    target.Name,
				Op:        op,
				Args:      args,
				StartedAt: started,
				EndedAt:   time.Now(),
			})
			b.mu.Unlock()
		}()

		if b.Delay > 0 {
			select {
			case <-time.After(b.Delay):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		if b.shouldFail(op, target.Name) {
			return nil, []byte("simulated failure"), fmt.Errorf("simulated failure for %s on %s", op, target.Name)
		}
		return []byte("ok"), nil, nil
	})

	return run(ctx), nil
}
