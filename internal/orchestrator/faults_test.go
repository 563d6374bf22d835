package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"suiterunner/internal/executor/executortest"
	"suiterunner/internal/logmux"
	"suiterunner/internal/models"
	"suiterunner/internal/orchestrator"
	"suiterunner/internal/store"
)

// brokenArtifact accepts a fixed number of writes, then every write fails
type brokenArtifact struct {
	*os.File

	mu       sync.Mutex
	okWrites int
}

func (a *brokenArtifact) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.okWrites == 0 {
		return 0, errors.New("no space left on device")
	}
	a.okWrites--
	return a.File.Write(p)
}

func openBrokenArtifact(okWrites int) func(string) (io.WriteCloser, error) {
	return func(path string) (io.WriteCloser, error) {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return nil, err
		}
		return &brokenArtifact{File: f, okWrites: okWrites}, nil
	}
}

func TestService_ArtifactWriteFailureFailsRun(t *testing.T) {
	h := newHarnessWithMux(t, store.NewMemory(), orchestrator.Options{MaxConcurrency: 1},
		logmux.Options{OpenFile: openBrokenArtifact(5), Retries: 2})
	ctx := context.Background()

	lines := make([]string, 50)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i)
	}
	h.starter.Set("hold.sh", executortest.Script{Stdout: lines, HoldUntilFinished: true})

	faulty := h.submit(t, "hold.sh")
	next := h.submit(t, "pass.sh")

	run := h.waitStatus(t, faulty.ID, models.RunStatusFailed)
	assert.Equal(t, models.ReasonExecutionFault, run.Reason.String)
	assert.True(t, h.handleOf(t, faulty.ID).Killed(), "the execution unit is killed on a fault")
	assert.Equal(t, []models.RunStatus{models.RunStatusQueued, models.RunStatusRunning, models.RunStatusFailed},
		h.transitions.of(faulty.ID))

	persisted := readLog(t, h, faulty.ID)
	assert.Len(t, persisted, 5, "nothing after the failed write is recorded")
	assertGapFree(t, persisted)

	// the slot is released, so the next run still gets admitted
	h.waitStatus(t, next.ID, models.RunStatusSucceeded)
	h.waitIdle(t)

	failures, err := h.svc.Failures(ctx, faulty.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, models.FailureExecutionFault, failures[0].ErrorType)
	assert.Contains(t, failures[0].Message, "no space left on device")

	stored, err := h.store.GetRun(ctx, faulty.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
}

// runningWriteFails refuses to persist the running state of any run
type runningWriteFails struct {
	store.RunStore
}

func (s runningWriteFails) UpdateRun(ctx context.Context, run models.Run) error {
	if run.Status == models.RunStatusRunning {
		return errors.New("connection reset")
	}
	return s.RunStore.UpdateRun(ctx, run)
}

func TestService_UnpersistedRunningStateFailsRun(t *testing.T) {
	h := newHarness(t, runningWriteFails{RunStore: store.NewMemory()}, orchestrator.Options{MaxConcurrency: 1})
	ctx := context.Background()

	run := h.submit(t, "hold.sh")
	ended := h.waitStatus(t, run.ID, models.RunStatusFailed)
	h.waitIdle(t)

	assert.Equal(t, models.ReasonExecutionFault, ended.Reason.String)
	assert.True(t, h.handleOf(t, run.ID).Killed())
	assert.Empty(t, readLog(t, h, run.ID), "no output is captured for a run the store still has queued")

	failures, err := h.svc.Failures(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, models.FailureExecutionFault, failures[0].ErrorType)
	assert.Contains(t, failures[0].Message, "could not persist running state")

	stored, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, stored.Status, "the terminal record replaces the queued one")
}
