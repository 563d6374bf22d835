package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/guregu/null/v6"
)

// This file contains all the models under the `suite` schema

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true once no further transition is permitted
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// ParseRunStatus converts a raw string into a RunStatus, returning an error for unknown values
func ParseRunStatus(value string) (RunStatus, error) {
	s := RunStatus(value)
	if !s.Valid() {
		return "", fmt.Errorf("unknown run status %q", value)
	}
	return s, nil
}

// Terminal reasons recorded on the run when the exit code alone does not explain the outcome
const (
	ReasonOrphaned       = "orphaned-on-restart"
	ReasonCancelled      = "cancelled"
	ReasonShutdown       = "shutdown"
	ReasonSpawnError     = "spawn-error"
	ReasonExecutionFault = "execution-fault"
)

// SuiteRef is the opaque reference to an executable suite: a path relative to the suite root
// and the arguments passed to it
type SuiteRef struct {
	Path string   `json:"path"`
	Args []string `json:"args"`
}

// Arguments is a list of suite arguments, stored as a JSONB array
type Arguments []string

func (a Arguments) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(a))
}

func (a *Arguments) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*a = Arguments{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Arguments", src)
	}

	var args []string
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	*a = args
	return nil
}

// Run is a model representing the `suite.run` table. One Run is one execution of a suite.
type Run struct {
	ID          string      `db:"id" json:"id"`
	SuitePath   string      `db:"suite_path" json:"suitePath"`
	SuiteArgs   Arguments   `db:"suite_args" json:"args"`
	Status      RunStatus   `db:"status" json:"status"`
	SubmittedAt time.Time   `db:"submitted_at" json:"submittedAt"`
	StartedAt   null.Time   `db:"started_at" json:"startedAt"`
	EndedAt     null.Time   `db:"ended_at" json:"endedAt"`
	ExitCode    null.Int    `db:"exit_code" json:"exitCode"`
	Reason      null.String `db:"reason" json:"reason"`
	LogPath     string      `db:"log_path" json:"logPath"`

	// QueuePosition is the 1-based place in the wait line. Only set on queued snapshots.
	QueuePosition int `db:"-" json:"queuePosition,omitempty"`
}

// SuiteRef returns the suite reference the run was submitted with
func (r *Run) SuiteRef() SuiteRef {
	return SuiteRef{Path: r.SuitePath, Args: slices.Clone(r.SuiteArgs)}
}

// Clone returns a deep copy so that callers never alias the registry's record
func (r Run) Clone() Run {
	r.SuiteArgs = slices.Clone(r.SuiteArgs)
	return r
}

// RunFilter narrows down a run listing. Zero values mean "no constraint".
type RunFilter struct {
	Statuses []RunStatus
	Since    null.Time // submitted at or after
	Until    null.Time // submitted before
	Limit    int
}

// Match checks if a run satisfies the filter (the limit is not considered)
func (f *RunFilter) Match(run *Run) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, run.Status) {
		return false
	}
	if f.Since.Valid && run.SubmittedAt.Before(f.Since.Time) {
		return false
	}
	if f.Until.Valid && !run.SubmittedAt.Before(f.Until.Time) {
		return false
	}
	return true
}

// SortRuns orders runs by submission time, newest first. Ties are broken by id so the order is stable.
func SortRuns(runs []Run) {
	slices.SortStableFunc(runs, func(a, b Run) int {
		if c := b.SubmittedAt.Compare(a.SubmittedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

type StreamTag string

const (
	StreamStdout StreamTag = "stdout"
	StreamStderr StreamTag = "stderr"
)

// LogLine is one line of output captured from a run. Sequence numbers start at 0 and are gap-free per run.
type LogLine struct {
	RunID     string    `json:"runId"`
	Sequence  uint64    `json:"sequence"`
	Stream    StreamTag `json:"stream"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type FailureType string

const (
	FailureNonZeroExit    FailureType = "NonZeroExit"
	FailureSpawnError     FailureType = "SpawnError"
	FailureExecutionFault FailureType = "ExecutionFault"
	FailureOrphaned       FailureType = "Orphaned"
)

// RunFailure is a model representing the `suite.failure` table
type RunFailure struct {
	ID        int64       `db:"id" json:"id"`
	RunID     string      `db:"run_id" json:"runId"`
	ErrorType FailureType `db:"error_type" json:"errorType"`
	Message   string      `db:"message" json:"message"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"`
}
