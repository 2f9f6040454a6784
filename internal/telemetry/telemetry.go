// Package telemetry builds the structured logger distctl's phases and
// driver log through, and the handful of line shapes they emit for each
// target operation and phase summary.
package telemetry

import (
	"flag"

	"github.com/go-logr/logr"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// NewLogger configures the process-wide logger (zap, via
// controller-runtime's log.zap, as the rest of the Kubernetes-adjacent
// ecosystem does) and returns a named root logger for "coordinator". verbose
// selects development mode (human-friendly console encoding, debug level).
func NewLogger(verbose bool) logr.Logger {
	opts := zap.Options{Development: verbose}
	ctrllog.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	return ctrllog.Log.WithName("coordinator")
}

// BindFlags registers the -zap-* flags the underlying zap.Options
// understands (log level, encoder, stacktrace level) onto fs, mirroring how
// a controller-runtime binary wires them in main().
func BindFlags(fs *flag.FlagSet) *zap.Options {
	opts := &zap.Options{}
	opts.BindFlags(fs)
	return opts
}

// PhaseSummary logs one line summarizing a completed phase's aggregate
// result.
func PhaseSummary(log logr.Logger, phase string, ok bool, err error) {
	l := log.WithValues("phase", phase, "ok", ok)
	if err != nil {
		l.Error(err, "phase completed with error")
		return
	}
	l.Info("phase completed")
}
