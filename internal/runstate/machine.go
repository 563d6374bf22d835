package runstate

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"suiterunner/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid run state transition")
	ErrAlreadyTerminal   = errors.New("run is already in a terminal state")
)

// edges lists every permitted transition. Terminal states have no outgoing edge.
var edges = map[models.RunStatus][]models.RunStatus{
	models.RunStatusQueued:  {models.RunStatusRunning, models.RunStatusFailed, models.RunStatusCancelled},
	models.RunStatusRunning: {models.RunStatusSucceeded, models.RunStatusFailed, models.RunStatusCancelled},
}

// CanTransition reports whether the lifecycle permits moving from one state to the other
func CanTransition(from, to models.RunStatus) bool {
	return slices.Contains(edges[from], to)
}

// Outcome describes how a run ended
type Outcome struct {
	Status   models.RunStatus
	ExitCode null.Int
	Reason   null.String
}

// Observer is notified after every transition, outside the machine's lock
type Observer func(prev, next models.Run)

type Option func(m *Machine)

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithObserver(obs Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, obs) }
}

// Machine holds the authoritative lifecycle state of one run. All transitions go through it and are
// totally ordered by its lock.
type Machine struct {
	mu        sync.RWMutex
	run       models.Run
	now       func() time.Time
	observers []Observer
}

func New(run models.Run, opts ...Option) *Machine {
	m := &Machine{run: run.Clone(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) ID() string {
	return m.run.ID
}

// Snapshot returns a copy of the current run record
func (m *Machine) Snapshot() models.Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.run.Clone()
}

func (m *Machine) Status() models.RunStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.run.Status
}

// Start moves a queued run to running and stamps startedAt. Only the scheduler's admission path calls it.
func (m *Machine) Start() (models.Run, error) {
	m.mu.Lock()
	prev := m.run.Clone()
	if !CanTransition(m.run.Status, models.RunStatusRunning) {
		m.mu.Unlock()
		return prev, m.transitionErr(prev.Status, models.RunStatusRunning)
	}

	m.run.Status = models.RunStatusRunning
	m.run.StartedAt = null.TimeFrom(m.notBefore(m.run.SubmittedAt))
	next := m.run.Clone()
	m.mu.Unlock()

	m.notify(prev, next)
	return next, nil
}

// Finish moves the run into a terminal state and stamps endedAt. Exit codes are only kept on
// terminal records.
func (m *Machine) Finish(out Outcome) (models.Run, error) {
	if !out.Status.IsTerminal() {
		return m.Snapshot(), fmt.Errorf("%w: %s is not a terminal state", ErrInvalidTransition, out.Status)
	}

	m.mu.Lock()
	prev := m.run.Clone()
	if !CanTransition(m.run.Status, out.Status) {
		m.mu.Unlock()
		return prev, m.transitionErr(prev.Status, out.Status)
	}

	floor := m.run.SubmittedAt
	if m.run.StartedAt.Valid {
		floor = m.run.StartedAt.Time
	}
	m.run.Status = out.Status
	m.run.EndedAt = null.TimeFrom(m.notBefore(floor))
	m.run.ExitCode = out.ExitCode
	m.run.Reason = out.Reason
	next := m.run.Clone()
	m.mu.Unlock()

	m.notify(prev, next)
	return next, nil
}

// Cancel moves a queued or running run to cancelled. On a terminal run it is a no-op and reports
// changed=false.
func (m *Machine) Cancel(reason string) (run models.Run, changed bool, err error) {
	run, err = m.Finish(Outcome{Status: models.RunStatusCancelled, Reason: null.StringFrom(reason)})
	if errors.Is(err, ErrAlreadyTerminal) {
		return run, false, nil
	}
	return run, err == nil, err
}

func (m *Machine) transitionErr(from, to models.RunStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", ErrAlreadyTerminal, m.run.ID, from)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// notBefore never lets a timestamp rewind past an earlier one of the same run
func (m *Machine) notBefore(floor time.Time) time.Time {
	now := m.now()
	if now.Before(floor) {
		return floor
	}
	return now
}

func (m *Machine) notify(prev, next models.Run) {
	for _, obs := range m.observers {
		obs(prev, next)
	}
}
