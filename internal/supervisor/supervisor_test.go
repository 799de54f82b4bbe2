package supervisor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/foreman/internal/beads"
	"github.com/zulandar/foreman/internal/eventbus"
	"github.com/zulandar/foreman/internal/notify"
	"github.com/zulandar/foreman/internal/progress"
	"github.com/zulandar/foreman/internal/registry"
	"github.com/zulandar/foreman/internal/retry"
	"github.com/zulandar/foreman/internal/worker"
)

func newStore(t *testing.T) *beads.Store {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"}, {"config", "user.email", "a@b.c"}, {"config", "user.name", "a"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	store, err := beads.Open(dir, true)
	require.NoError(t, err)
	return store
}

func newSupervisor(t *testing.T, store *beads.Store, driver *worker.Driver) (*Supervisor, *retry.Controller) {
	t.Helper()
	return newSupervisorWithWallClock(t, store, driver, 5*time.Second)
}

func newSupervisorWithWallClock(t *testing.T, store *beads.Store, driver *worker.Driver, wallClock time.Duration) (*Supervisor, *retry.Controller) {
	t.Helper()
	retryCtrl := retry.NewController(2)
	sup := New(Options{
		Store:            store,
		Bus:              eventbus.New(),
		Tracker:          progress.NewTracker(nil),
		Registry:         registry.New(),
		RetryController:  retryCtrl,
		Notifier:         notify.New(""),
		Driver:           driver,
		WorkDir:          t.TempDir(),
		WallClockTimeout: wallClock,
	})
	return sup, retryCtrl
}

func TestRunHappyPath(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	store := newStore(t)
	require.NoError(t, store.Save(&beads.Bead{ID: "t1", Name: "Add login", Status: beads.StatusPending}, ""))

	driver := &worker.Driver{Command: "sh", Args: []string{"-c", "echo created feature; echo tests passing"}}
	sup, retryCtrl := newSupervisor(t, store, driver)

	worked, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	b, err := store.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, beads.StatusPassing, b.Status)
	assert.Equal(t, "", b.LockHolder)
	assert.Equal(t, 0, retryCtrl.Attempts("t1"))
}

func TestRunFailurePathQueuesRetry(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	store := newStore(t)
	require.NoError(t, store.Save(&beads.Bead{ID: "t2", Name: "Broken task", Status: beads.StatusPending}, ""))

	driver := &worker.Driver{Command: "sh", Args: []string{"-c", "echo boom; exit 1"}}
	sup, retryCtrl := newSupervisor(t, store, driver)

	worked, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	b, err := store.Load("t2")
	require.NoError(t, err)
	assert.Equal(t, beads.StatusPending, b.Status)
	assert.Equal(t, "", b.LockHolder)
	assert.Equal(t, 1, retryCtrl.Attempts("t2"))
}

func TestRunIdleWhenNoEligibleTask(t *testing.T) {
	store := newStore(t)
	driver := &worker.Driver{Command: "sh", Args: []string{"-c", "true"}}
	sup, _ := newSupervisor(t, store, driver)

	worked, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestRunRetryExhaustionStopsRequeue(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	store := newStore(t)
	require.NoError(t, store.Save(&beads.Bead{ID: "t3", Name: "Always fails", Status: beads.StatusPending}, ""))

	driver := &worker.Driver{Command: "sh", Args: []string{"-c", "exit 1"}}
	sup, retryCtrl := newSupervisor(t, store, driver)

	for i := 0; i < 2; i++ {
		worked, err := sup.Run(context.Background())
		require.NoError(t, err)
		require.True(t, worked)
	}
	assert.Equal(t, 2, retryCtrl.Attempts("t3"))

	// Third attempt: attempts already at the budget ceiling, so QueueForRetry
	// returns false and the FIFO gains no further entry for this task.
	worked, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, 2, retryCtrl.Attempts("t3"))
}

func TestRunKillsWorkerThatExceedsWallClockWhileStillEmittingOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	store := newStore(t)
	require.NoError(t, store.Save(&beads.Bead{ID: "t5", Name: "Chatty runaway", Status: beads.StatusPending}, ""))

	driver := &worker.Driver{Command: "sh", Args: []string{"-c", "while true; do echo tick; sleep 0.05; done"}}
	sup, retryCtrl := newSupervisorWithWallClock(t, store, driver, 300*time.Millisecond)

	start := time.Now()
	worked, err := sup.Run(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, worked)
	// The worker never exits on its own; a pass here means the wall-clock
	// timer killed it rather than waiting for stdout to close.
	assert.Less(t, elapsed, 5*time.Second)

	b, err := store.Load("t5")
	require.NoError(t, err)
	assert.Equal(t, beads.StatusPending, b.Status)
	assert.Equal(t, "", b.LockHolder)
	assert.Equal(t, 1, retryCtrl.Attempts("t5"))
}

func TestRunLaunchFailureMarksFailedWithoutPanicking(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Save(&beads.Bead{ID: "t4", Name: "No such binary", Status: beads.StatusPending}, ""))

	driver := &worker.Driver{Command: "/no/such/binary-foreman-test"}
	sup, retryCtrl := newSupervisor(t, store, driver)

	worked, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, 1, retryCtrl.Attempts("t4"))
}
