// Package supervisor implements the end-to-end execution of one task by
// one worker: claim, spawn, stream, classify, release/retry.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zulandar/foreman/internal/beads"
	"github.com/zulandar/foreman/internal/eventbus"
	"github.com/zulandar/foreman/internal/memsample"
	"github.com/zulandar/foreman/internal/metrics"
	"github.com/zulandar/foreman/internal/notify"
	"github.com/zulandar/foreman/internal/progress"
	"github.com/zulandar/foreman/internal/registry"
	"github.com/zulandar/foreman/internal/retry"
	"github.com/zulandar/foreman/internal/telemetry"
	"github.com/zulandar/foreman/internal/worker"
)

const (
	defaultWallClockTimeout = 600 * time.Second
	stageCheckInterval      = 3 * time.Second
	memCheckInterval        = 30 * time.Second
	memWarnThresholdPct     = 87.5
	// killGracePeriod bounds how long Run waits for the worker to actually
	// exit after Kill, once the wall-clock timer or stream EOF has already
	// signaled it's done; it is not itself a wall-clock enforcement point.
	killGracePeriod = 5 * time.Second
)

// Options configures a Supervisor. Store, Bus, Tracker, Registry,
// RetryController, Notifier, and Driver are required collaborators; the
// rest tune the per-task behavior.
type Options struct {
	Store           *beads.Store
	Bus             *eventbus.Bus
	Tracker         *progress.Tracker
	Registry        *registry.Registry
	RetryController *retry.Controller
	Notifier        *notify.Sink
	Driver          *worker.Driver

	WorkDir             string
	PromptTemplate      string // plain text; {{description}} substituted
	LockTimeoutMinutes  int
	WallClockTimeout    time.Duration
}

// Supervisor drives Beads to completion, one at a time, per invocation of
// Run.
type Supervisor struct {
	opts Options
}

// New returns a configured Supervisor.
func New(opts Options) *Supervisor {
	if opts.LockTimeoutMinutes <= 0 {
		opts.LockTimeoutMinutes = 30
	}
	if opts.WallClockTimeout <= 0 {
		opts.WallClockTimeout = defaultWallClockTimeout
	}
	return &Supervisor{opts: opts}
}

// Run executes exactly one task-to-completion cycle. It returns worked=false
// when there was no eligible task to claim (idle), never an error in that
// case — contention and emptiness are not failures.
func (s *Supervisor) Run(ctx context.Context) (worked bool, err error) {
	o := s.opts

	taskID, err := o.RetryController.NextTaskID(o.Store)
	if err != nil {
		return false, err
	}
	if taskID == "" {
		return false, nil
	}

	bead, err := o.Store.Load(taskID)
	if err != nil {
		return false, err
	}

	agentID := "agent-" + uuid.NewString()

	claimCtx, claimSpan := telemetry.Tracer.Start(ctx, "supervisor.claim",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	claimed, err := o.Store.Claim(taskID, agentID, o.LockTimeoutMinutes)
	if err != nil {
		claimSpan.RecordError(err)
		claimSpan.SetStatus(codes.Error, err.Error())
		claimSpan.End()
		return false, err
	}
	claimSpan.SetAttributes(attribute.Bool("claimed", claimed))
	claimSpan.End()
	if !claimed {
		return false, nil // another supervisor raced and won
	}
	ctx = claimCtx

	metrics.BeadsClaimedTotal.Inc()
	o.Tracker.Start(taskID, bead.Name)

	promptPath, err := s.writePrompt(bead)
	if err != nil {
		s.onFailure(bead, agentID, "", fmt.Sprintf("preparing prompt: %v", err))
		return true, nil
	}
	defer os.Remove(promptPath)

	spawnCtx, spawnSpan := telemetry.Tracer.Start(ctx, "supervisor.spawn",
		trace.WithAttributes(attribute.String("task_id", taskID), attribute.String("agent_id", agentID)))
	proc, err := o.Driver.Start(spawnCtx, o.WorkDir, promptPath, nil)
	if err != nil {
		spawnSpan.RecordError(err)
		spawnSpan.SetStatus(codes.Error, err.Error())
		spawnSpan.End()
		s.onFailure(bead, agentID, "", fmt.Sprintf("launch failed: %v", err))
		return true, nil
	}
	defer spawnSpan.End()

	o.Registry.Register(agentID, proc.PID(), taskID)
	metrics.AgentsActive.Inc()
	defer metrics.AgentsActive.Dec()
	defer o.Registry.Unregister(agentID)

	// The wall-clock cap runs concurrently with streaming, not after it: a
	// worker that keeps writing output past the deadline must still be
	// killed, since stream only returns once the worker's stdout closes.
	deadline := time.AfterFunc(o.WallClockTimeout, proc.Kill)
	output := s.stream(taskID, agentID, bead, proc)
	timedOut := !deadline.Stop()

	status, waitErr := proc.Wait(killGracePeriod)
	if timedOut {
		status.TimedOut = true
		waitErr = worker.ErrTimeout
	}
	s.classify(bead, agentID, status, waitErr, output)

	return true, nil
}

// writePrompt materializes a task-specific prompt file from the caller's
// template plus the Bead's own fields.
func (s *Supervisor) writePrompt(b *beads.Bead) (string, error) {
	tmpl := s.opts.PromptTemplate
	if tmpl == "" {
		tmpl = "Implement the following task.\n\nName: {{name}}\nDescription:\n{{description}}\n"
	}
	content := strings.NewReplacer(
		"{{name}}", b.Name,
		"{{description}}", b.Description,
	).Replace(tmpl)

	f, err := os.CreateTemp("", "foreman-prompt-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// stream relays output lines to the bus and tracker until the worker's
// line channel closes.
func (s *Supervisor) stream(taskID, agentID string, bead *beads.Bead, proc *worker.Process) string {
	o := s.opts
	var buffer []string
	lastStageCheck := time.Time{}
	lastMemCheck := time.Time{}
	lastStage := progress.Stage("")

	for line := range proc.Lines() {
		buffer = append(buffer, line)
		o.Registry.UpdateHeartbeat(agentID)

		o.Bus.EmitTyped(eventbus.EventClaudeOutput, map[string]any{
			"agent_id":  agentID,
			"task_id":   taskID,
			"line":      line,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})

		now := time.Now()
		if now.Sub(lastStageCheck) >= stageCheckInterval {
			lastStageCheck = now
			window := strings.Join(tail(buffer, 20), "\n")
			if stage, ok := progress.DetectStage(window); ok && stage != lastStage {
				lastStage = stage
				o.Tracker.UpdateStage(taskID, stage, line)
			}
		}

		if now.Sub(lastMemCheck) >= memCheckInterval {
			lastMemCheck = now
			if reg, ok := o.Registry.Get(agentID); ok {
				if pct, sampled := memsample.Percent(int32(reg.PID), memLimitGB(o)); sampled && pct > memWarnThresholdPct {
					fmt.Fprintf(os.Stderr, "supervisor: agent %s at %.1f%% of memory cap\n", agentID, pct)
				}
			}
		}
	}

	return strings.Join(buffer, "\n")
}

func memLimitGB(o Options) float64 {
	if o.Driver == nil {
		return 0
	}
	return o.Driver.MemoryLimitGB
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// retro heuristically composes a two-sentence summary from the worker's
// combined output, mirroring the keyword-driven heuristic the orchestrator
// specifies.
func retro(taskName string, output string) string {
	lower := strings.ToLower(output)
	action := "Completed the implementation"
	switch {
	case strings.Contains(lower, "created") || strings.Contains(lower, "added"):
		action = "Added new functionality"
	case strings.Contains(lower, "fixed") || strings.Contains(lower, "bug"):
		action = "Fixed issues"
	case strings.Contains(lower, "test"):
		action = "Verified with tests"
	case strings.Contains(lower, "refactor"):
		action = "Improved code structure"
	}

	outcome := "Ready for review."
	switch {
	case strings.Contains(lower, "passing") || strings.Contains(lower, "success"):
		outcome = "All checks pass."
	case strings.Contains(lower, "error"):
		outcome = "Some issues need attention."
	}

	return fmt.Sprintf("%s for '%s'. %s", action, taskName, outcome)
}

func (s *Supervisor) classify(bead *beads.Bead, agentID string, status worker.ExitStatus, waitErr error, output string) {
	o := s.opts
	taskID := bead.ID

	o.Bus.EmitTyped(eventbus.EventClaudeDone, map[string]any{
		"agent_id":  agentID,
		"task_id":   taskID,
		"exit_code": status.Code,
	})

	switch {
	case waitErr != nil && status.TimedOut:
		s.terminal(bead, agentID, false, "timeout: wall-clock exceeded")
	case status.Err != nil:
		s.terminal(bead, agentID, false, fmt.Sprintf("exception: %v", status.Err))
	case status.Code == 0:
		r := retro(bead.Name, output)
		o.Tracker.Complete(taskID, r)
		// Mark passing before releasing: Release only resets a Bead still
		// in_progress back to pending, so the status must already reflect
		// the terminal outcome by the time the lock is dropped.
		bead.Status = beads.StatusPassing
		if err := o.Store.Save(bead, fmt.Sprintf("Complete: %s (passing)", bead.Name)); err != nil {
			fmt.Fprintf(os.Stderr, "supervisor: saving passing status: %v\n", err)
		}
		if err := o.Store.Release(taskID, agentID); err != nil {
			fmt.Fprintf(os.Stderr, "supervisor: release after success: %v\n", err)
		}
		o.RetryController.Clear(taskID)
		o.Notifier.Notify("passing", bead.Name, r)
		o.Bus.EmitTyped(eventbus.EventBoardUpdate, map[string]any{"task_id": taskID, "status": "passing"})
	default:
		s.terminal(bead, agentID, false, fmt.Sprintf("exit code %d", status.Code))
	}
}

func (s *Supervisor) terminal(bead *beads.Bead, agentID string, _ bool, reason string) {
	o := s.opts
	taskID := bead.ID

	o.Tracker.Fail(taskID, reason)
	if err := o.Store.Release(taskID, agentID); err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: release after failure: %v\n", err)
	}
	if o.RetryController.QueueForRetry(taskID) {
		metrics.RetriesTotal.Inc()
	} else {
		fmt.Fprintf(os.Stderr, "supervisor: retries exhausted for %s\n", taskID)
	}
	o.Notifier.Notify("failed", bead.Name, reason)
	o.Bus.EmitTyped(eventbus.EventBoardUpdate, map[string]any{"task_id": taskID, "status": "failed", "reason": reason})
}

func (s *Supervisor) onFailure(bead *beads.Bead, agentID, _ string, reason string) {
	s.opts.Bus.EmitTyped(eventbus.EventClaudeError, map[string]any{
		"agent_id": agentID,
		"task_id":  bead.ID,
		"reason":   reason,
	})
	s.terminal(bead, agentID, false, reason)
}
