// Package orchestrator accepts suite runs, admits them through the concurrency gate and drives each
// admitted run from spawn to its terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"suiterunner/internal/executor"
	"suiterunner/internal/logmux"
	"suiterunner/internal/metrics"
	"suiterunner/internal/models"
	"suiterunner/internal/queue"
	"suiterunner/internal/registry"
	"suiterunner/internal/scheduler"
	"suiterunner/internal/suite"
)

var (
	ErrNotFound     = registry.ErrNotFound
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

type Options struct {
	MaxConcurrency int
	// SuccessExitCodes are the exit codes mapped to succeeded. Defaults to [0].
	SuccessExitCodes []int
	DrainOnShutdown  bool

	// GCSchedule is the cron spec of the in-memory collection of finished runs. Empty disables it.
	GCSchedule string
	Retention  time.Duration
}

type Deps struct {
	Registry *registry.Registry
	Resolver *suite.Resolver
	Starter  executor.Starter
	Events   queue.Client     // optional
	Metrics  *metrics.Metrics // optional
}

type Service struct {
	registry *registry.Registry
	resolver *suite.Resolver
	starter  executor.Starter
	events   queue.Client
	metrics  *metrics.Metrics
	gate     *scheduler.Gate
	janitor  *registry.Janitor
	opts     Options

	isRunning bool
}

func New(deps Deps, opts Options) (*Service, error) {
	if deps.Registry == nil || deps.Resolver == nil || deps.Starter == nil {
		return nil, errors.New("orchestrator needs a registry, a resolver and a starter")
	}
	if len(opts.SuccessExitCodes) == 0 {
		opts.SuccessExitCodes = []int{0}
	}

	s := &Service{
		registry: deps.Registry,
		resolver: deps.Resolver,
		starter:  deps.Starter,
		events:   deps.Events,
		metrics:  deps.Metrics,
		opts:     opts,
	}
	if s.events == nil {
		s.events = queue.NopClient{}
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}

	gate, err := scheduler.NewGate(opts.MaxConcurrency, s.execute)
	if err != nil {
		return nil, err
	}
	s.gate = gate

	if opts.GCSchedule != "" {
		s.janitor = registry.NewJanitor(deps.Registry, opts.GCSchedule, opts.Retention)
	}
	return s, nil
}

// Start reconciles the state left by a previous process and re-enqueues its queued runs in
// submission order
func (s *Service) Start(ctx context.Context) error {
	if s.isRunning {
		return nil
	}

	queued, orphaned, err := s.registry.Recover(ctx)
	if err != nil {
		return fmt.Errorf("could not recover runs: %w", err)
	}
	s.metrics.OrphansRecovered(orphaned)

	for _, entry := range queued {
		if err := s.gate.Submit(entry.Machine.ID()); err != nil {
			return fmt.Errorf("could not re-enqueue run %s: %w", entry.Machine.ID(), err)
		}
	}

	if s.janitor != nil {
		if err := s.janitor.Start(); err != nil {
			return err
		}
	}

	s.isRunning = true
	log.Info().
		Int("requeued", len(queued)).
		Int("orphaned", orphaned).
		Int("max_concurrency", s.opts.MaxConcurrency).
		Msg("Orchestrator started")
	return nil
}

// Shutdown stops admitting runs. Waiting runs stay queued in durable storage for the next process
// and their log streams end with logmux.ErrReleased.
// Running ones are drained until ctx expires when DrainOnShutdown is set, otherwise they are killed.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.janitor != nil {
		s.janitor.Stop()
	}

	abandoned, err := s.gate.Stop(ctx, s.opts.DrainOnShutdown)
	for _, id := range abandoned {
		// their streams end now, the artifact is picked up again by the next process
		if entry, ok := s.registry.Entry(id); ok {
			if rerr := entry.Mux.Release(); rerr != nil {
				log.Warn().Err(rerr).Str("run_id", id).Msg("Could not release log artifact")
			}
		}
	}
	s.isRunning = false
	log.Info().Int("left_queued", len(abandoned)).Msg("Orchestrator stopped")
	return err
}

// Submit validates the suite reference and enqueues a new run. It returns the queued snapshot.
func (s *Service) Submit(ctx context.Context, ref models.SuiteRef) (models.Run, error) {
	resolved, err := s.resolver.Resolve(ref)
	if err != nil {
		return models.Run{}, err
	}

	entry, err := s.registry.Create(ctx, resolved)
	if err != nil {
		return models.Run{}, err
	}
	s.metrics.RunSubmitted()

	id := entry.Machine.ID()
	if err := s.gate.Submit(id); err != nil {
		if ended, changed, _ := entry.Machine.Cancel(models.ReasonShutdown); changed {
			s.finalize(entry, ended, nil)
		}
		if errors.Is(err, scheduler.ErrStopped) {
			return models.Run{}, ErrShuttingDown
		}
		return models.Run{}, err
	}
	return s.withPosition(entry.Machine.Snapshot()), nil
}

func (s *Service) Get(ctx context.Context, id string) (models.Run, error) {
	run, err := s.registry.Get(ctx, id)
	if err != nil {
		return models.Run{}, err
	}
	return s.withPosition(run), nil
}

func (s *Service) List(ctx context.Context, filter models.RunFilter) ([]models.Run, error) {
	runs, err := s.registry.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		runs[i] = s.withPosition(runs[i])
	}
	return runs, nil
}

// Cancel ends a queued run immediately and signals a running one. A running run stays running until
// its process has exited. Cancelling a terminal run is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) (models.Run, error) {
	entry, ok := s.registry.Entry(id)
	if !ok {
		// collected runs are always terminal
		return s.registry.Get(ctx, id)
	}
	if entry.Machine.Status().IsTerminal() {
		return entry.Machine.Snapshot(), nil
	}

	switch s.gate.Cancel(id) {
	case scheduler.CancelSignalled:
		log.Info().Str("run_id", id).Msg("Cancellation requested for running run")
		return entry.Machine.Snapshot(), nil
	default:
		// dequeued, or not handed to the gate yet. An admission that races with this sees the
		// terminal state and releases its slot right away.
		ended, changed, err := entry.Machine.Cancel(models.ReasonCancelled)
		if err != nil {
			return entry.Machine.Snapshot(), err
		}
		if changed {
			s.finalize(entry, ended, nil)
		}
		return ended, nil
	}
}

// Attach opens a log stream of a run starting at sequence from. Live runs stream from their
// multiplexer; collected runs are replayed from their artifact.
func (s *Service) Attach(ctx context.Context, id string, from uint64) (logmux.Stream, error) {
	if entry, ok := s.registry.Entry(id); ok {
		return entry.Mux.Attach(from), nil
	}

	run, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !run.Status.IsTerminal() {
		return nil, fmt.Errorf("run %s is %s but has no live log", id, run.Status)
	}
	return logmux.Replay(run.LogPath, from)
}

func (s *Service) Failures(ctx context.Context, id string) ([]models.RunFailure, error) {
	if _, err := s.registry.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.registry.Failures(ctx, id)
}

func (s *Service) SetMaxConcurrency(n int) error {
	if err := s.gate.SetMaxConcurrency(n); err != nil {
		return err
	}
	s.opts.MaxConcurrency = n
	return nil
}

func (s *Service) Stats() scheduler.Stats {
	return s.gate.Stats()
}

// Ping checks the durable store
func (s *Service) Ping(ctx context.Context) error {
	return s.registry.Store().Ping(ctx)
}

func (s *Service) withPosition(run models.Run) models.Run {
	if run.Status == models.RunStatusQueued {
		run.QueuePosition = s.gate.Position(run.ID)
	}
	return run
}

func (s *Service) isSuccess(code int) bool {
	return slices.Contains(s.opts.SuccessExitCodes, code)
}
