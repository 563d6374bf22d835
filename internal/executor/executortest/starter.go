// Package executortest provides a scripted executor.Starter whose output and exit are driven by the test.
package executortest

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"time"

	"suiterunner/internal/executor"
)

// Script drives a fake execution unit
type Script struct {
	Stdout   []string
	Stderr   []string
	ExitCode int

	// SpawnErr makes Start fail with an executor.SpawnError wrapping this error
	SpawnErr error

	// HoldUntilFinished keeps the unit alive after printing until Handle.Finish or a kill
	HoldUntilFinished bool

	// IgnoreTerm ignores the termination signal, so only the force kill after the grace period ends it
	IgnoreTerm bool
}

// Starter is an executor.Starter that plays Scripts. Scripts are looked up by the base name of the
// spec path, falling back to Default.
type Starter struct {
	Default Script
	Grace   time.Duration

	mu        sync.Mutex
	scripts   map[string]Script
	handles   []*Handle
	active    int
	maxActive int
}

func NewStarter() *Starter {
	return &Starter{scripts: make(map[string]Script), Grace: 50 * time.Millisecond}
}

// Set registers the script played for a suite whose base name is name
func (s *Starter) Set(name string, script Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[name] = script
}

func (s *Starter) Start(ctx context.Context, spec executor.Spec) (executor.Handle, error) {
	s.mu.Lock()
	script, ok := s.scripts[filepath.Base(spec.Path)]
	if !ok {
		script = s.Default
	}
	if script.SpawnErr != nil {
		s.mu.Unlock()
		return nil, &executor.SpawnError{Path: spec.Path, Err: script.SpawnErr}
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	h := &Handle{
		Spec:     spec,
		script:   script,
		grace:    s.Grace,
		stdout:   stdoutR,
		stderr:   stderrR,
		finish:   make(chan struct{}),
		term:     make(chan struct{}),
		kill:     make(chan struct{}),
		done:     make(chan struct{}),
		exitCode: script.ExitCode,
	}
	s.handles = append(s.handles, h)
	s.active++
	s.maxActive = max(s.maxActive, s.active)
	s.mu.Unlock()

	go h.play(stdoutW, stderrW, func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	})
	go func() {
		select {
		case <-ctx.Done():
			h.Kill()
		case <-h.done:
		}
	}()

	return h, nil
}

// Handles returns every handle started so far, in start order
func (s *Starter) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles...)
}

// Active is the number of units currently alive
func (s *Starter) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// MaxActive is the largest number of simultaneously alive units observed
func (s *Starter) MaxActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

// Handle is a fake live execution
type Handle struct {
	Spec executor.Spec

	script Script
	grace  time.Duration
	stdout *io.PipeReader
	stderr *io.PipeReader

	finishOnce sync.Once
	killOnce   sync.Once
	finish     chan struct{}
	term       chan struct{}
	kill       chan struct{}
	done       chan struct{}

	mu       sync.Mutex
	exitCode int
	killed   bool
}

func (h *Handle) Stdout() io.Reader { return h.stdout }
func (h *Handle) Stderr() io.Reader { return h.stderr }

func (h *Handle) Wait() (int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, nil
}

// Finish lets a unit started with HoldUntilFinished exit with its scripted exit code
func (h *Handle) Finish() {
	h.finishOnce.Do(func() { close(h.finish) })
}

func (h *Handle) Kill() {
	h.killOnce.Do(func() {
		close(h.term)
		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			select {
			case <-h.done:
			case <-timer.C:
				close(h.kill)
			}
		}()
	})
}

// Killed reports whether the unit ended because it was killed
func (h *Handle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// Done is closed once the unit has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) play(stdoutW, stderrW *io.PipeWriter, onExit func()) {
	var wg sync.WaitGroup
	wg.Add(2)
	go h.write(&wg, stdoutW, h.script.Stdout)
	go h.write(&wg, stderrW, h.script.Stderr)
	wg.Wait()

	if h.script.HoldUntilFinished {
		h.hold()
	}

	_ = stdoutW.Close()
	_ = stderrW.Close()
	onExit()
	close(h.done)
}

func (h *Handle) hold() {
	terminated := h.term
	if h.script.IgnoreTerm {
		terminated = nil
	}

	select {
	case <-h.finish:
	case <-terminated:
		h.markKilled()
	case <-h.kill:
		h.markKilled()
	}
}

func (h *Handle) markKilled() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	h.exitCode = executor.ExitCodeSignaled
}

func (h *Handle) write(wg *sync.WaitGroup, w *io.PipeWriter, lines []string) {
	defer wg.Done()
	for _, line := range lines {
		select {
		case <-h.kill:
			return
		default:
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return
		}
	}
}
