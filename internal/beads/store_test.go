package beads

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init")
	run("config", "user.email", "foreman@example.com")
	run("config", "user.name", "foreman")
	return dir
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := initRepo(t)
	store, err := Open(dir, true)
	require.NoError(t, err)

	b := &Bead{ID: "t-001", Name: "Add login", Status: StatusPending, Priority: 10}
	require.NoError(t, store.Save(b, ""))

	loaded, err := store.Load("t-001")
	require.NoError(t, err)
	assert.Equal(t, "Add login", loaded.Name)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.NotEmpty(t, loaded.GitCommit)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	dir := initRepo(t)
	store, err := Open(dir, true)
	require.NoError(t, err)

	_, err = store.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimExclusivity(t *testing.T) {
	dir := initRepo(t)
	store, err := Open(dir, true)
	require.NoError(t, err)

	require.NoError(t, store.Save(&Bead{ID: "t-002", Name: "race", Status: StatusPending}, ""))

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.Claim("t-002", "holder", 30)
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	b, err := store.Load("t-002")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, b.Status)
}

func TestClaimBlockedByExternalProcessFlock(t *testing.T) {
	dir := initRepo(t)
	store, err := Open(dir, true)
	require.NoError(t, err)

	require.NoError(t, store.Save(&Bead{ID: "t-flock", Name: "cross-process", Status: StatusPending}, ""))

	external := flock.New(store.flockPath("t-flock"))
	gotLock, err := external.TryLock()
	require.NoError(t, err)
	require.True(t, gotLock)
	defer external.Unlock()

	ok, err := store.Claim("t-flock", "holder", 30)
	require.NoError(t, err)
	assert.False(t, ok)

	b, err := store.Load("t-flock")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status)
}

func TestClaimHonorsExpiredLock(t *testing.T) {
	dir := initRepo(t)
	store, err := Open(dir, true)
	require.NoError(t, err)

	require.NoError(t, store.Save(&Bead{ID: "t-003", Name: "expiring", Status: StatusPending}, ""))
	ok, err := store.Claim("t-003", "holder-a", 0)
	require.NoError(t, err)
	require.True(t, ok)

	// timeout_minutes=0 means the deadline is already past; a different
	// holder's claim should now succeed.
	time.Sleep(10 * time.Millisecond)
	ok, err = store.Claim("t-003", "holder-b", 30)
	require.NoError(t, err)
	assert.True(t, ok)

	b, err := store.Load("t-003")
	require.NoError(t, err)
	assert.Equal(t, "holder-b", b.LockHolder)
}

func TestGetNextSkipsLiveInProgressInFavorOfPending(t *testing.T) {
	dir := initRepo(t)
	store, err := Open(dir, true)
	require.NoError(t, err)

	require.NoError(t, store.Save(&Bead{ID: "t-003b", Name: "actively-worked", Status: StatusPending}, ""))
	require.NoError(t, store.Save(&Bead{ID: "t-003c", Name: "waiting", Status: StatusPending}, ""))

	ok, err := store.Claim("t-003b", "holder-a", 30)
	require.NoError(t, err)
	require.True(t, ok)

	// t-003b is in_progress with a lock that hasn't expired: a live
	// supervisor still owns it, so GetNext must not return it again and
	// must not let it starve t-003c.
	next, err := store.GetNext()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t-003c", next.ID)
}

func TestGetNextResumesCrashedInProgressOverPending(t *testing.T) {
	dir := initRepo(t)
	store, err := Open(dir, true)
	require.NoError(t, err)

	require.NoError(t, store.Save(&Bead{ID: "t-003d", Name: "crashed", Status: StatusPending}, ""))
	require.NoError(t, store.Save(&Bead{ID: "t-003e", Name: "waiting", Status: StatusPending}, ""))

	ok, err := store.Claim("t-003d", "holder-a", 0)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(10 * time.Millisecond)

	// t-003d's lock has expired without a Release: its holder crashed.
	// GetNext should resume it ahead of the untouched pending Bead.
	next, err := store.GetNext()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t-003d", next.ID)

	ok, err = store.Claim(next.ID, "holder-b", 30)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseResetsToPending(t *testing.T) {
	dir := initRepo(t)
	store, err := Open(dir, true)
	require.NoError(t, err)

	require.NoError(t, store.Save(&Bead{ID: "t-004", Name: "release me", Status: StatusPending}, ""))
	ok, err := store.Claim("t-004", "holder", 30)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Release("t-004", "holder"))

	b, err := store.Load("t-004")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status)
	assert.Empty(t, b.LockHolder)
}

func TestReleaseMismatchedHolderIsNoop(t *testing.T) {
	dir := initRepo(t)
	store, err := Open(dir, true)
	require.NoError(t, err)

	require.NoError(t, store.Save(&Bead{ID: "t-005", Name: "mismatch", Status: StatusPending}, ""))
	ok, err := store.Claim("t-005", "holder-a", 30)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Release("t-005", "holder-b"))

	b, err := store.Load("t-005")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, b.Status)
	assert.Equal(t, "holder-a", b.LockHolder)
}

func TestStats(t *testing.T) {
	dir := initRepo(t)
	store, err := Open(dir, true)
	require.NoError(t, err)

	require.NoError(t, store.Save(&Bead{ID: "t-006", Name: "a", Status: StatusPassing}, ""))
	require.NoError(t, store.Save(&Bead{ID: "t-007", Name: "b", Status: StatusPending}, ""))
	require.NoError(t, store.Save(&Bead{ID: "t-008", Name: "c", Status: StatusPending}, ""))

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.InDelta(t, 33.3, stats.PercentDone, 0.1)
}

func TestGetNextPrefersInProgressThenNeedsReviewThenPending(t *testing.T) {
	dir := initRepo(t)
	store, err := Open(dir, true)
	require.NoError(t, err)

	require.NoError(t, store.Save(&Bead{ID: "t-009", Name: "pending-low", Status: StatusPending, Priority: 1}, ""))
	require.NoError(t, store.Save(&Bead{ID: "t-010", Name: "pending-high", Status: StatusPending, Priority: 5}, ""))

	next, err := store.GetNext()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t-010", next.ID)

	require.NoError(t, store.Save(&Bead{ID: "t-011", Name: "review", Status: StatusNeedsReview}, ""))
	next, err = store.GetNext()
	require.NoError(t, err)
	assert.Equal(t, "t-011", next.ID)
}

func TestUnknownYAMLKeysPreserved(t *testing.T) {
	dir := initRepo(t)
	store, err := Open(dir, false)
	require.NoError(t, err)

	path := filepath.Join(dir, ".beads", "beads", "t-012.yaml")
	raw := "id: t-012\nname: raw\nstatus: pending\npriority: 0\nfuture_field: keep-me\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	b, err := store.Load("t-012")
	require.NoError(t, err)
	assert.Equal(t, "keep-me", b.Extra["future_field"])

	require.NoError(t, store.Save(b, ""))
	reloaded, err := store.Load("t-012")
	require.NoError(t, err)
	assert.Equal(t, "keep-me", reloaded.Extra["future_field"])
}
