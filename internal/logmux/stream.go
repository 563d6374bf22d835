package logmux

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"suiterunner/internal/models"
)

// Stream is a lazy, pull based sequence of log lines. Next returns io.EOF once the run's log is
// complete, or ErrBackpressureExceeded when the subscriber was dropped. Consuming a stream never
// blocks the writer.
type Stream interface {
	Next(ctx context.Context) (models.LogLine, error)
	Close() error
}

type subscription struct {
	mux     *Mux
	from    uint64
	backlog []models.LogLine
	ch      chan models.LogLine

	// guarded by mux.mu; err is written before ch is closed
	closed bool
	err    error
}

func (s *subscription) Next(ctx context.Context) (models.LogLine, error) {
	for {
		line, err := s.next(ctx)
		if err != nil {
			return line, err
		}
		if line.Sequence >= s.from {
			return line, nil
		}
	}
}

func (s *subscription) next(ctx context.Context) (models.LogLine, error) {
	if err := ctx.Err(); err != nil {
		return models.LogLine{}, err
	}
	if len(s.backlog) > 0 {
		line := s.backlog[0]
		s.backlog = s.backlog[1:]
		return line, nil
	}

	select {
	case line, ok := <-s.ch:
		if !ok {
			if s.err != nil {
				return models.LogLine{}, s.err
			}
			return models.LogLine{}, io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return models.LogLine{}, ctx.Err()
	}
}

// Close detaches the subscriber. It never affects the run or other subscribers.
func (s *subscription) Close() error {
	s.mux.detach(s)
	s.backlog = nil
	return nil
}

type replayStream struct {
	f      *os.File
	r      *bufio.Reader
	from   uint64
	closed bool
}

// Replay reads a persisted artifact from sequence from onwards. A truncated final row, left by a
// crash mid-write, is treated as the end of the log.
func Replay(path string, from uint64) (Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open log artifact: %w", err)
	}
	return &replayStream{f: f, r: bufio.NewReader(f), from: from}, nil
}

func (s *replayStream) Next(ctx context.Context) (models.LogLine, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.LogLine{}, err
		}
		if s.closed {
			return models.LogLine{}, io.EOF
		}

		row, err := s.r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// a row without its newline was never completely written
			return models.LogLine{}, io.EOF
		} else if err != nil {
			return models.LogLine{}, fmt.Errorf("could not read log artifact: %w", err)
		}

		row = bytes.TrimSpace(row)
		if len(row) == 0 {
			continue
		}

		var line models.LogLine
		if err := json.Unmarshal(row, &line); err != nil {
			return models.LogLine{}, fmt.Errorf("could not decode log artifact row: %w", err)
		}
		if line.Sequence >= s.from {
			return line, nil
		}
	}
}

func (s *replayStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// ReadAll collects every remaining line of a stream and closes it
func ReadAll(ctx context.Context, s Stream) ([]models.LogLine, error) {
	defer s.Close()

	var lines []models.LogLine
	for {
		line, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return lines, nil
		} else if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
}
