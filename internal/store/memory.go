package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"suiterunner/internal/models"
)

// Memory is a process local RunStore. Nothing survives a restart.
type Memory struct {
	mu        sync.RWMutex
	runs      map[string]models.Run
	failures  map[string][]models.RunFailure
	failureID int64
}

func NewMemory() *Memory {
	return &Memory{
		runs:     make(map[string]models.Run),
		failures: make(map[string][]models.RunFailure),
	}
}

func (m *Memory) InsertRun(_ context.Context, run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, run.ID)
	}
	run.QueuePosition = 0
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *Memory) UpdateRun(_ context.Context, run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, run.ID)
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalRow, run.ID)
	}

	current.Status = run.Status
	current.StartedAt = run.StartedAt
	current.EndedAt = run.EndedAt
	current.ExitCode = run.ExitCode
	current.Reason = run.Reason
	m.runs[run.ID] = current
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return models.Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run.Clone(), nil
}

func (m *Memory) ListRuns(_ context.Context, filter models.RunFilter) ([]models.Run, error) {
	m.mu.RLock()
	runs := make([]models.Run, 0, len(m.runs))
	for _, run := range m.runs {
		if filter.Match(&run) {
			runs = append(runs, run.Clone())
		}
	}
	m.mu.RUnlock()

	models.SortRuns(runs)
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (m *Memory) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.runs, id)
	delete(m.failures, id)
	return nil
}

func (m *Memory) AddFailure(_ context.Context, failure models.RunFailure) (models.RunFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[failure.RunID]; !ok {
		return models.RunFailure{}, fmt.Errorf("%w: %s", ErrNotFound, failure.RunID)
	}
	m.failureID++
	failure.ID = m.failureID
	if failure.CreatedAt.IsZero() {
		failure.CreatedAt = time.Now().UTC()
	}
	m.failures[failure.RunID] = append(m.failures[failure.RunID], failure)
	return failure, nil
}

func (m *Memory) ListFailures(_ context.Context, runID string) ([]models.RunFailure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.runs[runID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return append([]models.RunFailure{}, m.failures[runID]...), nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}
