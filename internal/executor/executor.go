package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Spec fully describes a single process invocation
type Spec struct {
	Path string   // executable to launch
	Args []string // arguments after the executable
	Dir  string   // working directory
	Env  []string // KEY=VALUE pairs added on top of the parent's environment
}

// Handle is a live execution. Stdout and Stderr must be read until EOF before Wait reports the exit.
type Handle interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process has exited and both streams are closed
	Wait() (exitCode int, err error)
	// Kill asks the process to terminate and force kills it after the grace period. Safe to call
	// more than once.
	Kill()
}

// Starter launches execution units. Cancelling ctx kills the started unit.
type Starter interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
}

// SpawnError is returned when the suite could not be launched at all
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("could not spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitCodeSignaled is reported when the process was ended by a signal instead of exiting
const ExitCodeSignaled int = -1

// ProcessStarter runs suites as OS processes. Each process gets its own process group so that
// termination reaches any children it spawned.
type ProcessStarter struct {
	GracePeriod time.Duration
}

func NewProcessStarter(grace time.Duration) *ProcessStarter {
	return &ProcessStarter{GracePeriod: grace}
}

func (p *ProcessStarter) Start(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Path == "" {
		return nil, &SpawnError{Path: spec.Path, Err: errors.New("empty executable path")}
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)

	// Children that outlive the suite would otherwise hold the pipes open forever
	cmd.WaitDelay = max(p.GracePeriod, time.Second)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	log.Debug().
		Str("path", spec.Path).
		Strs("args", spec.Args).
		Int("pid", cmd.Process.Pid).
		Msg("Started execution unit")

	h := &processHandle{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		grace:  p.GracePeriod,
		done:   make(chan struct{}),
	}
	go h.wait(stdoutW, stderrW)
	go func() {
		select {
		case <-ctx.Done():
			h.Kill()
		case <-h.done:
		}
	}()

	return h, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	stdout *io.PipeReader
	stderr *io.PipeReader
	grace  time.Duration

	killOnce sync.Once
	done     chan struct{}
	exitCode int
	err      error
}

func (h *processHandle) Stdout() io.Reader { return h.stdout }
func (h *processHandle) Stderr() io.Reader { return h.stderr }

func (h *processHandle) wait(stdoutW, stderrW *io.PipeWriter) {
	err := h.cmd.Wait()
	_ = stdoutW.Close()
	_ = stderrW.Close()

	h.exitCode, h.err = exitStatus(h.cmd, err)
	close(h.done)
}

func (h *processHandle) Wait() (int, error) {
	<-h.done
	return h.exitCode, h.err
}

func (h *processHandle) Kill() {
	h.killOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}

		if h.grace <= 0 {
			h.forceKill()
			return
		}

		if err := terminate(h.cmd.Process); err != nil {
			log.Warn().Err(err).Int("pid", h.cmd.Process.Pid).Msg("Could not send termination signal")
		}

		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			select {
			case <-h.done:
			case <-timer.C:
				log.Warn().
					Int("pid", h.cmd.Process.Pid).
					Dur("grace", h.grace).
					Msg("Execution unit ignored termination, force killing")
				h.forceKill()
			}
		}()
	})
}

func (h *processHandle) forceKill() {
	if err := forceKill(h.cmd.Process); err != nil {
		log.Warn().Err(err).Int("pid", h.cmd.Process.Pid).Msg("Could not force kill execution unit")
	}
}

// exitStatus maps the result of cmd.Wait to an exit code. A non-zero exit is not an error.
func exitStatus(cmd *exec.Cmd, err error) (int, error) {
	var exitError *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitError):
		return exitError.ExitCode(), nil
	case errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil:
		return cmd.ProcessState.ExitCode(), nil
	default:
		return ExitCodeSignaled, err
	}
}
