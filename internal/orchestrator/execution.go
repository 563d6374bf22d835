package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"suiterunner/internal/executor"
	"suiterunner/internal/models"
	"suiterunner/internal/queue"
	"suiterunner/internal/registry"
	"suiterunner/internal/runstate"
	"suiterunner/internal/scheduler"
)

type failureRecord struct {
	kind    models.FailureType
	message string
}

// execute is the admission callback of the gate. It owns the run's slot until it returns.
func (s *Service) execute(ctx context.Context, runID string) {
	defer s.gate.Release(runID)

	entry, ok := s.registry.Entry(runID)
	if !ok {
		log.Error().Str("run_id", runID).Msg("Admitted run is not in the registry")
		return
	}
	if entry.Machine.Status().IsTerminal() {
		// cancelled before it reached the gate
		return
	}

	run := entry.Machine.Snapshot()
	spec := s.resolver.Command(run.SuiteRef(), runID, entry.RunDir)

	handle, err := s.starter.Start(ctx, spec)
	if err != nil {
		s.spawnFailed(entry, err)
		return
	}

	started, err := entry.Machine.Start()
	if err != nil {
		// cancelled between admission and spawn
		log.Info().Str("run_id", runID).Msg("Run was cancelled before it started, killing execution unit")
		handle.Kill()
		_, _ = s.drain(handle)
		return
	}
	if err := s.registry.Save(context.Background(), started); err != nil {
		// a record left queued would be run again after a restart, so nothing may be captured
		s.persistFailed(entry, handle, err)
		return
	}
	log.Info().Str("run_id", runID).Str("suite", started.SuitePath).Msg("Run started")

	fault := s.capture(entry, handle)
	exitCode, waitErr := handle.Wait()
	if waitErr != nil {
		log.Warn().Err(waitErr).Str("run_id", runID).Msg("Execution unit ended abnormally")
	}

	outcome, failure := s.outcome(ctx, exitCode, fault)
	ended, err := entry.Machine.Finish(outcome)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Could not finish run")
		return
	}
	s.finalize(entry, ended, failure)
}

// capture pipes both output streams into the run's multiplexer until they are closed. A broken
// capture kills the execution unit and is returned as the fault.
func (s *Service) capture(entry *registry.Entry, handle executor.Handle) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fault error
	)
	pipe := func(stream models.StreamTag, r io.Reader) {
		defer wg.Done()
		if err := entry.Mux.Capture(stream, r); err != nil {
			mu.Lock()
			if fault == nil {
				fault = err
				handle.Kill()
			}
			mu.Unlock()
		}
	}

	wg.Add(2)
	go pipe(models.StreamStdout, handle.Stdout())
	go pipe(models.StreamStderr, handle.Stderr())
	wg.Wait()

	if fault != nil {
		log.Error().Err(fault).Str("run_id", entry.Machine.ID()).Msg("Output capture failed, execution unit killed")
	}
	return fault
}

// outcome maps how the unit ended to the run's terminal state. Cancellation wins over everything,
// then a capture fault, then the exit code.
func (s *Service) outcome(ctx context.Context, exitCode int, fault error) (runstate.Outcome, *failureRecord) {
	code := null.IntFrom(int64(exitCode))

	switch cause := context.Cause(ctx); {
	case errors.Is(cause, scheduler.ErrCancelled):
		return runstate.Outcome{Status: models.RunStatusCancelled, ExitCode: code, Reason: null.StringFrom(models.ReasonCancelled)}, nil
	case errors.Is(cause, scheduler.ErrShutdown):
		return runstate.Outcome{Status: models.RunStatusCancelled, ExitCode: code, Reason: null.StringFrom(models.ReasonShutdown)}, nil
	}

	if fault != nil {
		s.metrics.ExecutionFault()
		return runstate.Outcome{Status: models.RunStatusFailed, ExitCode: code, Reason: null.StringFrom(models.ReasonExecutionFault)},
			&failureRecord{kind: models.FailureExecutionFault, message: fault.Error()}
	}
	if s.isSuccess(exitCode) {
		return runstate.Outcome{Status: models.RunStatusSucceeded, ExitCode: code}, nil
	}
	return runstate.Outcome{Status: models.RunStatusFailed, ExitCode: code},
		&failureRecord{kind: models.FailureNonZeroExit, message: fmt.Sprintf("suite exited with code %d", exitCode)}
}

// spawnFailed ends a run that never started. It goes straight from queued to failed.
func (s *Service) spawnFailed(entry *registry.Entry, err error) {
	runID := entry.Machine.ID()
	log.Error().Err(err).Str("run_id", runID).Msg("Could not spawn execution unit")

	ended, ferr := entry.Machine.Finish(runstate.Outcome{
		Status: models.RunStatusFailed,
		Reason: null.StringFrom(models.ReasonSpawnError),
	})
	if ferr != nil {
		// cancelled while spawning, the cancellation already finalized it
		return
	}
	s.finalize(entry, ended, &failureRecord{kind: models.FailureSpawnError, message: err.Error()})
}

// persistFailed ends a run whose running state could not be recorded. The unit is killed before any
// of its output reaches the artifact.
func (s *Service) persistFailed(entry *registry.Entry, handle executor.Handle, err error) {
	runID := entry.Machine.ID()
	log.Error().Err(err).Str("run_id", runID).Msg("Could not persist running state, killing execution unit")

	handle.Kill()
	exitCode, _ := s.drain(handle)
	s.metrics.ExecutionFault()

	ended, ferr := entry.Machine.Finish(runstate.Outcome{
		Status:   models.RunStatusFailed,
		ExitCode: null.IntFrom(int64(exitCode)),
		Reason:   null.StringFrom(models.ReasonExecutionFault),
	})
	if ferr != nil {
		log.Error().Err(ferr).Str("run_id", runID).Msg("Could not finish run")
		return
	}
	s.finalize(entry, ended, &failureRecord{
		kind:    models.FailureExecutionFault,
		message: fmt.Sprintf("could not persist running state: %v", err),
	})
}

// finalize runs once per run after its terminal transition: the artifact is sealed, the record
// persisted, the failure logged and the event published. The gate slot is released by the caller.
func (s *Service) finalize(entry *registry.Entry, ended models.Run, failure *failureRecord) {
	ctx := context.Background()

	if err := entry.Mux.Close(); err != nil {
		log.Warn().Err(err).Str("run_id", ended.ID).Msg("Could not seal log artifact")
	}
	s.save(entry, ended)
	if failure != nil {
		s.registry.RecordFailure(ctx, ended.ID, failure.kind, failure.message)
	}
	if err := s.events.Publish(ctx, queue.NewRunEvent(ended)); err != nil {
		log.Warn().Err(err).Str("run_id", ended.ID).Msg("Could not publish run event")
	}

	log.Info().
		Str("run_id", ended.ID).
		Str("status", string(ended.Status)).
		Interface("exit_code", ended.ExitCode).
		Str("reason", ended.Reason.String).
		Int("lines", entry.Mux.Len()).
		Msg("Run finished")
}

func (s *Service) save(entry *registry.Entry, run models.Run) {
	if err := s.registry.Save(context.Background(), run); err != nil {
		log.Error().Err(err).Str("run_id", entry.Machine.ID()).Str("status", string(run.Status)).Msg("Could not persist run")
	}
}

// drain discards the output of a unit that will never be recorded and waits for it to exit
func (s *Service) drain(handle executor.Handle) (int, error) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, handle.Stdout())
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, handle.Stderr())
	}()
	wg.Wait()
	return handle.Wait()
}
