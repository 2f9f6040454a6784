// Package transport implements the remote executor (component C2): a
// thin, faithful layer over external client-interface backends that each
// spawn one out-of-process operation per call and return a process-exit
// future. The executor itself performs no retries; its only contract is
// bounded concurrency (enforced by internal/fanout, which owns the
// per-host semaphores) and faithful propagation of the child's result.
package transport

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/distctl/distctl/internal/manifest"
)

// Status mirrors disnix's ProcReact_Status: a child either terminated
// normally or abnormally. Handles built by NewHandleFunc record every
// failed operation, a non-zero exit included, as StatusAbnormalTermination
// with Result false; StatusOk always comes with Result true. No exit code
// is kept.
type Status int

const (
	StatusOk Status = iota
	StatusAbnormalTermination
)

// Handle is a process-exit future: the result of one remote operation.
type Handle struct {
	Op     string
	Target string

	Status Status
	Result bool // true = success, mirrors disnix's result=1 convention

	Stdout []byte
	Stderr []byte

	// done carries the terminal error, if any, and is closed by the
	// backend once the operation has completed.
	done chan struct{}
	err  error
}

func newHandle(op, target string) *Handle {
	return &Handle{Op: op, Target: target, done: make(chan struct{})}
}

func (h *Handle) finish(ok bool, status Status, stdout, stderr []byte, err error) {
	h.Result = ok
	h.Status = status
	h.Stdout = stdout
	h.Stderr = stderr
	h.err = err
	close(h.done)
}

// Await blocks until the handle's operation has completed, or ctx is
// canceled, whichever comes first.
func (h *Handle) Await(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Succeeded reports whether the operation completed with Status == Ok and
// Result == true: the sole success criterion used throughout the engine.
func (h *Handle) Succeeded() bool {
	return h.Status == StatusOk && h.Result
}

// ClientInterface runs one named operation against a target and returns
// immediately with a handle for the caller to await. Implementations:
// sshclient, k8sexec, azurerun (see their respective subpackages), and
// transporttest.Backend for tests.
type ClientInterface interface {
	Run(ctx context.Context, target *manifest.Target, op string, args []string) (*Handle, error)
}

// NewHandleFunc lets a backend run its own synchronous work in a goroutine
// and report the outcome through the returned handle, without duplicating
// the done-channel bookkeeping in every backend.
func NewHandleFunc(op, target string, work func(ctx context.Context) (stdout, stderr []byte, err error)) func(ctx context.Context) *Handle {
	return func(ctx context.Context) *Handle {
		h := newHandle(op, target)
		go func() {
			stdout, stderr, err := work(ctx)
			if err != nil {
				h.finish(false, StatusAbnormalTermination, stdout, stderr, err)
				return
			}
			h.finish(true, StatusOk, stdout, stderr, nil)
		}()
		return h
	}
}

// Executor dispatches remote operations via the backend registered for a
// target's ClientInterface. It performs no concurrency control of its own:
// that is internal/fanout's job.
type Executor struct {
	backends map[string]ClientInterface
	log      logr.Logger
}

// NewExecutor builds an Executor from a client-interface name -> backend
// map, e.g. {"ssh": sshclient.New(...), "k8sexec": k8sexec.New(...)}. The
// zero logr.Logger is a safe no-op, so a Logger need not be set for the
// executor to work.
func NewExecutor(backends map[string]ClientInterface) *Executor {
	return &Executor{backends: backends}
}

// WithLogger attaches a logger that Run uses to emit one line per
// dispatched and completed target operation. Returns e for chaining.
func (e *Executor) WithLogger(log logr.Logger) *Executor {
	e.log = log
	return e
}

// Run spawns op against target through the backend named by
// target.ClientInterface.
func (e *Executor) Run(ctx context.Context, target *manifest.Target, op string, args []string) (*Handle, error) {
	backend, ok := e.backends[target.ClientInterface]
	if !ok {
		return nil, fmt.Errorf("no transport backend registered for client interface %q (target %s)", target.ClientInterface, target.Name)
	}

	log := e.log.WithValues("op", op, "target", target.Name)
	log.V(1).Info("dispatching target operation")

	h, err := backend.Run(ctx, target, op, args)
	if err != nil {
		log.Error(err, "failed to dispatch target operation")
		return nil, err
	}

	go func() {
		_ = h.Await(ctx)
		if h.Succeeded() {
			log.Info("target operation succeeded")
		} else {
			log.Info("target operation failed", "status", h.Status, "stderr", string(h.Stderr))
		}
	}()

	return h, nil
}
