// Package telemetry runs the optional pprof profiling endpoint and
// provides lightweight duration/event instrumentation hooks, grounded
// on the teacher's common/telemetry/telemetry.go.
package telemetry

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/lyzr/meshflow/internal/logger"
)

// Telemetry holds observability components for one process.
type Telemetry struct {
	log       *logger.Logger
	pprofAddr string
}

// New builds a Telemetry bound to pprofAddr (e.g. "localhost:6060").
func New(pprofAddr string, log *logger.Logger) *Telemetry {
	return &Telemetry{log: log, pprofAddr: pprofAddr}
}

// Start launches the pprof server in the background if pprofAddr is
// non-empty; it does not block and does not participate in graceful
// shutdown (pprof is diagnostic-only, dropped on process exit).
func (t *Telemetry) Start(_ context.Context) {
	if t.pprofAddr == "" {
		return
	}
	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server error", "err", err)
		}
	}()
}

// RecordDuration logs an operation's elapsed time since start.
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	t.log.Debug("operation completed", "operation", operation, "duration_ms", time.Since(start).Milliseconds())
}

// RecordEvent logs a structured telemetry event.
func (t *Telemetry) RecordEvent(event string, attrs map[string]any) {
	t.log.Info("telemetry_event", "event", event, "attrs", attrs)
}
