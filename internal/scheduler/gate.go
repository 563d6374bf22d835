package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicate          = errors.New("run is already known to the scheduler")
	ErrStopped            = errors.New("scheduler is stopped")
	ErrInvalidConcurrency = errors.New("max concurrency must be at least 1")

	// ErrCancelled and ErrShutdown are the causes of an admitted run's context cancellation
	ErrCancelled = errors.New("run cancelled")
	ErrShutdown  = errors.New("scheduler shut down")
)

// AdmitFunc executes an admitted run on its own goroutine. The run keeps its slot until Release is
// called for it. The context is cancelled with ErrCancelled or ErrShutdown as its cause when the run
// must be killed.
type AdmitFunc func(ctx context.Context, runID string)

type CancelResult int

const (
	CancelNotFound CancelResult = iota
	// CancelDequeued means the run was still waiting and will never be admitted
	CancelDequeued
	// CancelSignalled means the run was admitted and its context was cancelled
	CancelSignalled
)

type Stats struct {
	MaxConcurrency int `json:"maxConcurrency"`
	Running        int `json:"running"`
	Queued         int `json:"queued"`
}

// Gate admits runs in strict FIFO order while never holding more than maxConcurrency slots
type Gate struct {
	mu      sync.Mutex
	max     int
	waiting *list.List // of run ids, oldest first
	index   map[string]*list.Element
	running map[string]context.CancelCauseFunc
	admit   AdmitFunc
	stopped bool
	wg      sync.WaitGroup
}

func NewGate(maxConcurrency int, admit AdmitFunc) (*Gate, error) {
	if maxConcurrency < 1 {
		return nil, ErrInvalidConcurrency
	}
	return &Gate{
		max:     maxConcurrency,
		waiting: list.New(),
		index:   make(map[string]*list.Element),
		running: make(map[string]context.CancelCauseFunc),
		admit:   admit,
	}, nil
}

// Submit enqueues a waiter for the run. It never blocks on admission.
func (g *Gate) Submit(runID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return ErrStopped
	}
	if _, ok := g.index[runID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, runID)
	}
	if _, ok := g.running[runID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, runID)
	}

	g.index[runID] = g.waiting.PushBack(runID)
	g.dispatch()
	return nil
}

// Cancel removes a waiting run from the line or signals an admitted one
func (g *Gate) Cancel(runID string) CancelResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	if elem, ok := g.index[runID]; ok {
		g.waiting.Remove(elem)
		delete(g.index, runID)
		return CancelDequeued
	}
	if cancel, ok := g.running[runID]; ok {
		cancel(ErrCancelled)
		return CancelSignalled
	}
	return CancelNotFound
}

// Release frees the slot of an admitted run that reached a terminal state and admits the next waiter
func (g *Gate) Release(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cancel, ok := g.running[runID]
	if !ok {
		return
	}
	cancel(context.Canceled)
	delete(g.running, runID)
	g.dispatch()
}

// SetMaxConcurrency reconfigures the bound. Raising it admits waiters immediately; lowering it never
// preempts admitted runs.
func (g *Gate) SetMaxConcurrency(n int) error {
	if n < 1 {
		return ErrInvalidConcurrency
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	log.Info().Int("from", g.max).Int("to", n).Msg("Max concurrency changed")
	g.max = n
	g.dispatch()
	return nil
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{MaxConcurrency: g.max, Running: len(g.running), Queued: g.waiting.Len()}
}

// Position returns the 1-based place of a waiting run in the line, or 0 if it is not waiting
func (g *Gate) Position(runID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.index[runID]; !ok {
		return 0
	}
	pos := 1
	for e := g.waiting.Front(); e != nil; e = e.Next() {
		if e.Value.(string) == runID {
			return pos
		}
		pos++
	}
	return 0
}

// Stop refuses further submissions and abandons every waiter, returning their ids in line order.
// With drain, admitted runs are allowed to finish until ctx expires; otherwise, or once ctx expires,
// they are cancelled with ErrShutdown. Stop returns once every admitted run was released.
func (g *Gate) Stop(ctx context.Context, drain bool) (abandoned []string, err error) {
	g.mu.Lock()
	g.stopped = true
	for e := g.waiting.Front(); e != nil; e = e.Next() {
		abandoned = append(abandoned, e.Value.(string))
	}
	g.waiting.Init()
	clear(g.index)
	if !drain {
		g.cancelRunning(ErrShutdown)
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return abandoned, nil
	case <-ctx.Done():
		log.Warn().Msg("Shutdown deadline reached, killing running executions")
		g.mu.Lock()
		g.cancelRunning(ErrShutdown)
		g.mu.Unlock()
		<-done
		return abandoned, ctx.Err()
	}
}

func (g *Gate) cancelRunning(cause error) {
	for _, cancel := range g.running {
		cancel(cause)
	}
}

// dispatch admits waiters while slots are free. It must be called with the lock held.
func (g *Gate) dispatch() {
	for !g.stopped && len(g.running) < g.max && g.waiting.Len() > 0 {
		front := g.waiting.Front()
		runID := g.waiting.Remove(front).(string)
		delete(g.index, runID)

		ctx, cancel := context.WithCancelCause(context.Background())
		g.running[runID] = cancel
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.admit(ctx, runID)
		}()

		log.Debug().Str("run_id", runID).Int("running", len(g.running)).Msg("Run admitted")
	}
}
