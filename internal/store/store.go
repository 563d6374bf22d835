// Package store persists run records and failure logs.
package store

import (
	"context"
	"errors"

	"suiterunner/internal/models"
)

var (
	ErrNotFound = errors.New("run not found")
	ErrExists   = errors.New("run already exists")
	// ErrTerminalRow is returned when an update would rewrite a run that already ended
	ErrTerminalRow = errors.New("run record is already terminal")
)

// RunStore is the durable side of the run registry
type RunStore interface {
	InsertRun(ctx context.Context, run models.Run) error
	// UpdateRun overwrites the lifecycle columns of a run that is not yet terminal
	UpdateRun(ctx context.Context, run models.Run) error
	GetRun(ctx context.Context, id string) (models.Run, error)
	// ListRuns returns matching runs, newest submission first
	ListRuns(ctx context.Context, filter models.RunFilter) ([]models.Run, error)
	// DeleteRun removes a run and its failure records
	DeleteRun(ctx context.Context, id string) error

	AddFailure(ctx context.Context, failure models.RunFailure) (models.RunFailure, error)
	// ListFailures returns the failure log of a run, oldest first
	ListFailures(ctx context.Context, runID string) ([]models.RunFailure, error)

	Ping(ctx context.Context) error
	Close() error
}
