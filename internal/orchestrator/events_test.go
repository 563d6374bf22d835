package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"suiterunner/internal/executor/executortest"
	"suiterunner/internal/models"
	"suiterunner/internal/orchestrator"
	"suiterunner/internal/queue"
	"suiterunner/internal/registry"
	"suiterunner/internal/store"
	"suiterunner/internal/suite"
)

type MockQueueClient struct {
	mock.Mock
}

func (m *MockQueueClient) Publish(ctx context.Context, event queue.RunEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockQueueClient) Subscribe(ctx context.Context, handler func(queue.RunEvent)) error {
	args := m.Called(ctx, handler)
	return args.Error(0)
}

func (m *MockQueueClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

func newEventService(t *testing.T, events queue.Client) *orchestrator.Service {
	t.Helper()

	root := t.TempDir()
	for _, name := range []string{"pass.sh", "fail.sh"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("#!/bin/sh\n"), 0o755))
	}
	starter := executortest.NewStarter()
	starter.Set("pass.sh", executortest.Script{Stdout: []string{"ok"}})
	starter.Set("fail.sh", executortest.Script{ExitCode: 5})

	svc, err := orchestrator.New(orchestrator.Deps{
		Registry: registry.New(store.NewMemory(), registry.Options{LogDir: t.TempDir()}),
		Resolver: &suite.Resolver{Root: root},
		Starter:  starter,
		Events:   events,
	}, orchestrator.Options{MaxConcurrency: 1})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func waitPublished(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("run event was never published")
	}
}

func TestService_PublishesTerminalEvent(t *testing.T) {
	mockQueue := &MockQueueClient{}
	svc := newEventService(t, mockQueue)

	passed := make(chan struct{})
	failed := make(chan struct{})
	mockQueue.On("Publish", mock.Anything, mock.MatchedBy(func(event queue.RunEvent) bool {
		return event.SuitePath == "pass.sh" && event.Status == models.RunStatusSucceeded
	})).Return(nil).Once().Run(func(mock.Arguments) { close(passed) })
	mockQueue.On("Publish", mock.Anything, mock.MatchedBy(func(event queue.RunEvent) bool {
		return event.SuitePath == "fail.sh" &&
			event.Status == models.RunStatusFailed &&
			event.ExitCode.Int64 == 5
	})).Return(nil).Once().Run(func(mock.Arguments) { close(failed) })

	ok, err := svc.Submit(context.Background(), models.SuiteRef{Path: "pass.sh", Args: []string{"-v"}})
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), models.SuiteRef{Path: "fail.sh"})
	require.NoError(t, err)

	waitPublished(t, passed)
	waitPublished(t, failed)
	mockQueue.AssertExpectations(t)

	call := mockQueue.Calls[0]
	event := call.Arguments.Get(1).(queue.RunEvent)
	assert.Equal(t, ok.ID, event.RunID)
	assert.Equal(t, []string{"-v"}, event.Args)
	assert.True(t, event.EndedAt.Valid)
}

func TestService_PublishErrorDoesNotFailRun(t *testing.T) {
	mockQueue := &MockQueueClient{}
	svc := newEventService(t, mockQueue)

	done := make(chan struct{})
	mockQueue.On("Publish", mock.Anything, mock.Anything).
		Return(errors.New("redis down")).Once().Run(func(mock.Arguments) { close(done) })

	run, err := svc.Submit(context.Background(), models.SuiteRef{Path: "pass.sh"})
	require.NoError(t, err)
	waitPublished(t, done)

	got, err := svc.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, got.Status)
	mockQueue.AssertExpectations(t)
}
