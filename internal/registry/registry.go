// Package registry is the process wide table of runs: an in-memory index of live runs over the
// durable run store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"suiterunner/internal/logmux"
	"suiterunner/internal/models"
	"suiterunner/internal/retry"
	"suiterunner/internal/runstate"
	"suiterunner/internal/store"
)

var ErrNotFound = store.ErrNotFound

// ArtifactName is the file name of a run's log artifact inside its run directory
const ArtifactName = "output.jsonl"

type Options struct {
	LogDir     string
	Mux        logmux.Options
	Retries    int
	RetryDelay time.Duration
	// Observer is attached to every run's state machine
	Observer runstate.Observer
	Now      func() time.Time
}

// Entry holds the in-memory resources of a live run
type Entry struct {
	Machine *runstate.Machine
	Mux     *logmux.Mux
	RunDir  string
}

type Registry struct {
	store store.RunStore
	opts  Options

	mu      sync.RWMutex
	entries map[string]*Entry
}

func New(s store.RunStore, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{store: s, opts: opts, entries: make(map[string]*Entry)}
}

func (r *Registry) Store() store.RunStore {
	return r.store
}

// Create allocates an id, the run directory with its empty log artifact and the durable record of a
// queued run
func (r *Registry) Create(ctx context.Context, ref models.SuiteRef) (*Entry, error) {
	id := uuid.NewString()
	runDir := filepath.Join(r.opts.LogDir, id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create run directory: %w", err)
	}

	logPath := filepath.Join(runDir, ArtifactName)
	mux, err := logmux.Open(id, logPath, r.opts.Mux)
	if err != nil {
		_ = os.RemoveAll(runDir)
		return nil, err
	}

	run := models.Run{
		ID:          id,
		SuitePath:   ref.Path,
		SuiteArgs:   models.Arguments(slices.Clone(ref.Args)),
		Status:      models.RunStatusQueued,
		SubmittedAt: r.opts.Now().UTC(),
		LogPath:     logPath,
	}
	if _, err := retry.Do(r.opts.Retries, r.opts.RetryDelay, func() error {
		return r.store.InsertRun(ctx, run)
	}); err != nil {
		_ = mux.Close()
		_ = os.RemoveAll(runDir)
		return nil, fmt.Errorf("could not record run: %w", err)
	}

	entry := r.track(run, mux, runDir)
	log.Info().Str("run_id", id).Str("suite", ref.Path).Msg("Run created")
	return entry, nil
}

func (r *Registry) track(run models.Run, mux *logmux.Mux, runDir string) *Entry {
	opts := []runstate.Option{runstate.WithClock(r.opts.Now)}
	if r.opts.Observer != nil {
		opts = append(opts, runstate.WithObserver(r.opts.Observer))
	}
	entry := &Entry{
		Machine: runstate.New(run, opts...),
		Mux:     mux,
		RunDir:  runDir,
	}

	r.mu.Lock()
	r.entries[run.ID] = entry
	r.mu.Unlock()
	return entry
}

// Entry returns the in-memory resources of a run that is live or not yet collected
func (r *Registry) Entry(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry, ok
}

// Get returns the current snapshot of a run, preferring the in-memory record
func (r *Registry) Get(ctx context.Context, id string) (models.Run, error) {
	if entry, ok := r.Entry(id); ok {
		return entry.Machine.Snapshot(), nil
	}
	return r.store.GetRun(ctx, id)
}

// List returns runs matching the filter, newest submission first. In-memory records take precedence
// over possibly lagging durable ones.
func (r *Registry) List(ctx context.Context, filter models.RunFilter) ([]models.Run, error) {
	r.mu.RLock()
	live := make(map[string]models.Run, len(r.entries))
	for id, entry := range r.entries {
		live[id] = entry.Machine.Snapshot()
	}
	r.mu.RUnlock()

	query := filter
	if query.Limit > 0 {
		// overlaying can only disqualify rows of live runs
		query.Limit += len(live)
	}
	stored, err := r.store.ListRuns(ctx, query)
	if err != nil {
		return nil, err
	}

	runs := make([]models.Run, 0, len(stored)+len(live))
	seen := make(map[string]bool, len(stored))
	for _, run := range stored {
		if snap, ok := live[run.ID]; ok {
			run = snap
		}
		seen[run.ID] = true
		if filter.Match(&run) {
			runs = append(runs, run)
		}
	}
	for id, snap := range live {
		// the durable row may still carry a status the filter excluded
		if !seen[id] && filter.Match(&snap) {
			runs = append(runs, snap)
		}
	}

	models.SortRuns(runs)
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// Save persists the current lifecycle columns of a run with bounded retries
func (r *Registry) Save(ctx context.Context, run models.Run) error {
	var permanent error
	_, err := retry.Do(r.opts.Retries, r.opts.RetryDelay, func() error {
		err := r.store.UpdateRun(ctx, run)
		if errors.Is(err, store.ErrTerminalRow) || errors.Is(err, store.ErrNotFound) {
			permanent = err
			return nil
		}
		return err
	})
	if permanent != nil {
		return permanent
	}
	return err
}

// RecordFailure appends to the failure log of a run
func (r *Registry) RecordFailure(ctx context.Context, runID string, kind models.FailureType, message string) {
	failure := models.RunFailure{RunID: runID, ErrorType: kind, Message: message, CreatedAt: r.opts.Now().UTC()}
	if _, err := retry.Do(r.opts.Retries, r.opts.RetryDelay, func() error {
		_, err := r.store.AddFailure(ctx, failure)
		return err
	}); err != nil {
		log.Error().Err(err).Str("run_id", runID).Str("error_type", string(kind)).Msg("Could not record run failure")
	}
}

func (r *Registry) Failures(ctx context.Context, runID string) ([]models.RunFailure, error) {
	return r.store.ListFailures(ctx, runID)
}

// Recover reconciles the durable state left by a previous process. Runs left running are failed as
// orphans. Queued runs are tracked again and returned in submission order so they can be re-enqueued.
func (r *Registry) Recover(ctx context.Context) (queued []*Entry, orphaned int, err error) {
	orphans, err := r.store.ListRuns(ctx, models.RunFilter{Statuses: []models.RunStatus{models.RunStatusRunning}})
	if err != nil {
		return nil, orphaned, fmt.Errorf("could not list running runs: %w", err)
	}
	for _, run := range orphans {
		ended, err := runstate.New(run, runstate.WithClock(r.opts.Now)).Finish(runstate.Outcome{
			Status: models.RunStatusFailed,
			Reason: null.StringFrom(models.ReasonOrphaned),
		})
		if err != nil {
			return nil, orphaned, err
		}
		if err := r.Save(ctx, ended); err != nil {
			return nil, orphaned, fmt.Errorf("could not reconcile orphaned run %s: %w", run.ID, err)
		}
		r.RecordFailure(ctx, run.ID, models.FailureOrphaned, "run had no live execution after restart")
		if err := os.Chmod(run.LogPath, 0o444); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("run_id", run.ID).Msg("Could not make orphaned artifact read-only")
		}
		log.Warn().Str("run_id", run.ID).Msg("Reconciled orphaned run to failed")
		orphaned++
	}

	waiting, err := r.store.ListRuns(ctx, models.RunFilter{Statuses: []models.RunStatus{models.RunStatusQueued}})
	if err != nil {
		return nil, orphaned, fmt.Errorf("could not list queued runs: %w", err)
	}
	slices.Reverse(waiting)

	queued = make([]*Entry, 0, len(waiting))
	for _, run := range waiting {
		if _, ok := r.Entry(run.ID); ok {
			continue
		}
		mux, err := logmux.Open(run.ID, run.LogPath, r.opts.Mux)
		if err != nil {
			return nil, orphaned, err
		}
		queued = append(queued, r.track(run, mux, filepath.Dir(run.LogPath)))
	}
	return queued, orphaned, nil
}

// GC drops the in-memory resources of runs that ended more than retention ago. Their records and
// artifacts stay in durable storage.
func (r *Registry) GC(retention time.Duration) int {
	cutoff := r.opts.Now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	collected := 0
	for id, entry := range r.entries {
		run := entry.Machine.Snapshot()
		if !run.Status.IsTerminal() || run.EndedAt.Time.After(cutoff) {
			continue
		}
		if err := entry.Mux.Close(); err != nil {
			log.Warn().Err(err).Str("run_id", id).Msg("Could not close log artifact")
		}
		delete(r.entries, id)
		collected++
	}
	if collected > 0 {
		log.Debug().Int("collected", collected).Msg("Collected finished runs")
	}
	return collected
}

// Len is the number of runs held in memory
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
