// Package logmux turns an execution's output into an ordered, persisted and replayable stream of
// log lines with any number of live subscribers.
package logmux

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"suiterunner/internal/models"
	"suiterunner/internal/retry"
)

var (
	ErrExecutionFault       = errors.New("execution fault")
	ErrBackpressureExceeded = errors.New("backpressure exceeded")
	ErrClosed               = errors.New("log multiplexer is closed")
	ErrReleased             = errors.New("log multiplexer was released before the run ended")
)

// DefaultMaxLineBytes bounds a single captured line. Longer output is split into several lines.
const DefaultMaxLineBytes = 64 * 1024

// minLineBytes is the smallest buffer bufio accepts
const minLineBytes = 16

type Options struct {
	// BufferSize is the number of live lines a subscriber may lag behind before it is dropped
	BufferSize int
	// Retries is the number of attempts for a single artifact write
	Retries    int
	RetryDelay time.Duration
	// OnDrop is called when a subscriber is dropped for being too slow
	OnDrop func(runID string)
	// OnLine is called after every appended line
	OnLine func(line models.LogLine)
	// MaxLineBytes is the longest payload Capture emits as one line
	MaxLineBytes int
	// OpenFile opens the artifact for appending. Defaults to an O_APPEND file.
	OpenFile func(path string) (io.WriteCloser, error)
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BufferSize < 1 {
		o.BufferSize = 256
	}
	if o.Retries < 1 {
		o.Retries = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = DefaultMaxLineBytes
	}
	o.MaxLineBytes = max(o.MaxLineBytes, minLineBytes)
	if o.OpenFile == nil {
		o.OpenFile = openArtifact
	}
	return o
}

// Mux is the single writer of one run's log artifact. Lines are numbered, persisted and fanned out
// in the same critical section, so the artifact, the in-memory history and every subscriber see the
// same sequence.
type Mux struct {
	runID string
	path  string
	opts  Options

	mu      sync.Mutex
	w       io.WriteCloser
	history []models.LogLine
	subs    map[*subscription]struct{}
	closed  bool
	// endErr is handed to subscribers when the mux ends without the run ending
	endErr error
	fault  error
}

// Open creates the mux over the artifact at path, creating the file if needed
func Open(runID, path string, opts Options) (*Mux, error) {
	opts = opts.withDefaults()
	w, err := opts.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not open log artifact: %w", err)
	}
	m := New(runID, w, opts)
	m.path = path
	return m, nil
}

func openArtifact(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
}

// New creates a mux persisting to w. The artifact is not made read-only on Close.
func New(runID string, w io.WriteCloser, opts Options) *Mux {
	return &Mux{
		runID: runID,
		opts:  opts.withDefaults(),
		w:     w,
		subs:  make(map[*subscription]struct{}),
	}
}

func (m *Mux) RunID() string {
	return m.runID
}

// Len is the number of lines appended so far
func (m *Mux) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// Fault returns the execution fault that stopped the mux from accepting lines, if any
func (m *Mux) Fault() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fault
}

// Append numbers, persists and fans out a single line. Invalid UTF-8 is replaced with U+FFFD before
// numbering, so live subscribers see exactly what the artifact holds. A persistence failure that
// survives the retries is an execution fault and the mux refuses every further line.
func (m *Mux) Append(stream models.StreamTag, payload string) (models.LogLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.LogLine{}, ErrClosed
	}
	if m.fault != nil {
		return models.LogLine{}, m.fault
	}

	line := models.LogLine{
		RunID:     m.runID,
		Sequence:  uint64(len(m.history)),
		Stream:    stream,
		Payload:   strings.ToValidUTF8(payload, "\uFFFD"),
		Timestamp: m.opts.Now().UTC(),
	}
	if err := m.persist(line); err != nil {
		m.fault = fmt.Errorf("%w: could not write log artifact: %w", ErrExecutionFault, err)
		log.Error().Err(err).Str("run_id", m.runID).Uint64("sequence", line.Sequence).Msg("Log artifact write failed")
		return models.LogLine{}, m.fault
	}
	m.history = append(m.history, line)

	for sub := range m.subs {
		select {
		case sub.ch <- line:
		default:
			m.drop(sub)
		}
	}

	if m.opts.OnLine != nil {
		m.opts.OnLine(line)
	}
	return line, nil
}

func (m *Mux) persist(line models.LogLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	_, err = retry.Do(m.opts.Retries, m.opts.RetryDelay, func() error {
		n, err := m.w.Write(data)
		// only the remainder is written again after a short write
		data = data[n:]
		if err == nil && len(data) > 0 {
			err = io.ErrShortWrite
		}
		return err
	})
	return err
}

// drop removes a subscriber that could not keep up. Lines already buffered stay readable.
func (m *Mux) drop(sub *subscription) {
	delete(m.subs, sub)
	sub.err = ErrBackpressureExceeded
	sub.closed = true
	close(sub.ch)

	log.Warn().Str("run_id", m.runID).Msg("Dropped slow log subscriber")
	if m.opts.OnDrop != nil {
		m.opts.OnDrop(m.runID)
	}
}

// Attach subscribes to the run's lines from sequence from onwards. The stream starts with every
// line already appended and then continues live until the mux is closed.
func (m *Mux) Attach(from uint64) Stream {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &subscription{
		mux:  m,
		from: from,
		ch:   make(chan models.LogLine, m.opts.BufferSize),
	}
	if from < uint64(len(m.history)) {
		// history is append only so the clipped slice is never written to again
		sub.backlog = slices.Clip(m.history[from:])
	}

	if m.closed {
		sub.closed = true
		sub.err = m.endErr
		close(sub.ch)
	} else {
		m.subs[sub] = struct{}{}
	}
	return sub
}

// Close relinquishes the artifact, makes it read-only and ends every live subscription once it has
// drained. Close is idempotent.
func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		sub.closed = true
		close(sub.ch)
	}
	m.subs = nil

	err := m.w.Close()
	if m.path != "" {
		if chmodErr := os.Chmod(m.path, 0o444); chmodErr != nil {
			err = errors.Join(err, chmodErr)
		}
	}
	return err
}

// Release ends every subscription with ErrReleased and closes the artifact without sealing it, so
// the run can be picked up again by a later process. Release after Close is a no-op.
func (m *Mux) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.endErr = ErrReleased
	for sub := range m.subs {
		sub.closed = true
		sub.err = ErrReleased
		close(sub.ch)
	}
	m.subs = nil
	return m.w.Close()
}

func (m *Mux) detach(sub *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.closed {
		return
	}
	delete(m.subs, sub)
	sub.closed = true
	close(sub.ch)
}
