package queue

import (
	"context"
	"time"

	"github.com/guregu/null/v6"
	"suiterunner/internal/models"
)

// RunEvent is published once a run reaches a terminal state, for the notification service
type RunEvent struct {
	RunID       string           `json:"run_id"`
	SuitePath   string           `json:"suite_path"`
	Args        []string         `json:"args"`
	Status      models.RunStatus `json:"status"`
	ExitCode    null.Int         `json:"exit_code"`
	Reason      null.String      `json:"reason"`
	SubmittedAt time.Time        `json:"submitted_at"`
	StartedAt   null.Time        `json:"started_at"`
	EndedAt     null.Time        `json:"ended_at"`
	LogPath     string           `json:"log_path"`
}

// NewRunEvent describes the terminal snapshot of a run
func NewRunEvent(run models.Run) RunEvent {
	return RunEvent{
		RunID:       run.ID,
		SuitePath:   run.SuitePath,
		Args:        []string(run.Clone().SuiteArgs),
		Status:      run.Status,
		ExitCode:    run.ExitCode,
		Reason:      run.Reason,
		SubmittedAt: run.SubmittedAt,
		StartedAt:   run.StartedAt,
		EndedAt:     run.EndedAt,
		LogPath:     run.LogPath,
	}
}

// Client defines the interface for run event queue operations
type Client interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, handler func(RunEvent)) error
	Close() error
}

// NopClient drops every event. It is used when no queue is configured.
type NopClient struct{}

func (NopClient) Publish(context.Context, RunEvent) error { return nil }

func (NopClient) Subscribe(ctx context.Context, _ func(RunEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (NopClient) Close() error { return nil }
