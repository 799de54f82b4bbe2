// Package watchdog periodically sweeps the agent registry and terminates
// workers that have stalled: no heartbeat within the configured threshold.
package watchdog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zulandar/foreman/internal/beads"
	"github.com/zulandar/foreman/internal/eventbus"
	"github.com/zulandar/foreman/internal/metrics"
	"github.com/zulandar/foreman/internal/registry"
	"github.com/zulandar/foreman/internal/retry"
	"github.com/zulandar/foreman/internal/telemetry"
)

const sweepInterval = 60 * time.Second

// Watchdog owns the periodic stall sweep.
type Watchdog struct {
	registry     *registry.Registry
	store        *beads.Store
	retryCtrl    *retry.Controller
	bus          *eventbus.Bus
	stallSeconds int

	startOnce sync.Once
}

// New returns a Watchdog wired to the given collaborators.
func New(reg *registry.Registry, store *beads.Store, retryCtrl *retry.Controller, bus *eventbus.Bus, stallSeconds int) *Watchdog {
	return &Watchdog{
		registry:     reg,
		store:        store,
		retryCtrl:    retryCtrl,
		bus:          bus,
		stallSeconds: stallSeconds,
	}
}

// Start begins the 60s sweep loop. It runs exactly once per process
// lifetime; subsequent calls are no-ops. The loop stops when ctx is
// cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.loop(ctx)
	})
}

func (w *Watchdog) loop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Sweep is exported for tests that want to drive a sweep deterministically
// instead of waiting on the real 60s ticker.
func (w *Watchdog) Sweep() {
	w.sweep(context.Background())
}

func (w *Watchdog) sweep(ctx context.Context) {
	_, span := telemetry.Tracer.Start(ctx, "watchdog.sweep")
	defer span.End()

	threshold := time.Duration(w.stallSeconds) * time.Second
	now := time.Now().UTC()

	stalled := 0
	for _, entry := range w.registry.List() {
		if now.Sub(entry.LastOutput) <= threshold {
			continue
		}

		if entry.PID > 0 {
			if proc, err := os.FindProcess(entry.PID); err == nil {
				if err := proc.Signal(syscall.SIGKILL); err != nil {
					fmt.Fprintf(os.Stderr, "watchdog: killing pid %d: %v\n", entry.PID, err)
				}
			}
		}

		if err := w.store.Release(entry.TaskID, entry.AgentID); err != nil {
			fmt.Fprintf(os.Stderr, "watchdog: releasing %s: %v\n", entry.TaskID, err)
		}
		if w.retryCtrl.QueueForRetry(entry.TaskID) {
			metrics.RetriesTotal.Inc()
		}
		metrics.StallsTotal.Inc()

		if w.bus != nil {
			w.bus.EmitTyped(eventbus.EventClaudeError, map[string]any{
				"agent_id": entry.AgentID,
				"task_id":  entry.TaskID,
				"reason":   "stall",
			})
		}
		w.registry.Unregister(entry.AgentID)
		stalled++
	}
	span.SetAttributes(attribute.Int("watchdog.stalled_count", stalled))
}
