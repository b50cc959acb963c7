package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/aerophoenix/fleetd/internal/config"
	"github.com/devghori1264/aerophoenix/fleetd/internal/errdefs"
)

func newTestRunner(mode config.ExecMode) *Runner {
	cfg := config.Default().Infra
	cfg.ExecutionMode = mode
	cfg.CommandTimeout = 2 * time.Second
	return New(cfg)
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	r := newTestRunner(config.ModeMock)
	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestRunRejectsNonAllowlistedCommandInEveryMode(t *testing.T) {
	for _, mode := range []config.ExecMode{config.ModeMock, config.ModeBestEffort, config.ModeStrict} {
		r := newTestRunner(mode)
		_, err := r.Run(context.Background(), "rm", "-rf", "/")
		require.Error(t, err, string(mode))
		assert.True(t, errdefs.IsInvalidArgument(err), string(mode))
	}
}

func TestMockModeSimulatesWithoutTouchingHost(t *testing.T) {
	r := newTestRunner(config.ModeMock)
	r.lookPath = func(string) (string, error) {
		t.Fatal("mock mode must not look up binaries")
		return "", nil
	}

	run, err := r.Run(context.Background(), "firectl", "--kernel", "vmlinux")
	require.NoError(t, err)
	assert.True(t, run.Simulated)
	assert.Equal(t, 0, run.ReturnCode)
	assert.Equal(t, "mode=mock", run.Note)
	assert.Contains(t, run.Summary(), "simulated")
}

func TestBestEffortDegradesMissingBinaryToFallback(t *testing.T) {
	r := newTestRunner(config.ModeBestEffort)
	r.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	run, err := r.Run(context.Background(), "firectl", "--version")
	require.NoError(t, err)
	assert.True(t, run.Simulated)
	assert.NotEqual(t, 0, run.ReturnCode)
	assert.Contains(t, run.Note, "fallback:")
	assert.Contains(t, run.Note, "not found in PATH")
}

func TestStrictModeRaisesOnMissingBinary(t *testing.T) {
	r := newTestRunner(config.ModeStrict)
	r.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	_, err := r.Run(context.Background(), "firectl", "--version")
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestSummarize(t *testing.T) {
	runs := []CommandRun{
		{Command: []string{"ip", "netns", "add", "netns-vm1"}, ReturnCode: 0},
		{Command: []string{"firectl", "--kernel", "vmlinux"}, Simulated: true, Note: "mode=mock"},
	}
	summary := Summarize(runs)
	assert.Contains(t, summary, "ip netns add netns-vm1 [rc=0]")
	assert.Contains(t, summary, "firectl --kernel vmlinux [simulated] mode=mock")
	assert.Equal(t, "", Summarize(nil))
}
