package worker

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestDriverStreamsLinesAndExitsZero(t *testing.T) {
	requireSh(t)
	d := &Driver{Command: "sh", Args: []string{"-c", "echo implementing; echo passing"}}

	p, err := d.Start(context.Background(), t.TempDir(), "", nil)
	require.NoError(t, err)

	var lines []string
	for line := range p.Lines() {
		lines = append(lines, line)
	}
	status, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Code)
	assert.Contains(t, lines, "implementing")
	assert.Contains(t, lines, "passing")
}

func TestDriverNonzeroExit(t *testing.T) {
	requireSh(t)
	d := &Driver{Command: "sh", Args: []string{"-c", "exit 3"}}

	p, err := d.Start(context.Background(), t.TempDir(), "", nil)
	require.NoError(t, err)
	for range p.Lines() {
	}
	status, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Code)
}

func TestDriverWaitTimeoutKillsProcess(t *testing.T) {
	requireSh(t)
	d := &Driver{Command: "sh", Args: []string{"-c", "sleep 5"}}

	p, err := d.Start(context.Background(), t.TempDir(), "", nil)
	require.NoError(t, err)

	status, err := p.Wait(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, status.TimedOut)
}

func TestDriverLaunchErrorForMissingExecutable(t *testing.T) {
	d := &Driver{Command: "this-binary-does-not-exist-xyz"}
	_, err := d.Start(context.Background(), t.TempDir(), "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunch)
}

func TestDriverPromptFileSubstitution(t *testing.T) {
	requireSh(t)
	d := &Driver{Command: "sh", Args: []string{"-c", "cat {{promptfile}}"}}

	dir := t.TempDir()
	promptPath := dir + "/prompt.txt"
	require.NoError(t, os.WriteFile(promptPath, []byte("do the thing"), 0644))

	p, err := d.Start(context.Background(), dir, promptPath, nil)
	require.NoError(t, err)
	var lines []string
	for line := range p.Lines() {
		lines = append(lines, line)
	}
	_, err = p.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Contains(t, lines, "do the thing")
}
