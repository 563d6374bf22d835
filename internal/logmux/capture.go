package logmux

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"suiterunner/internal/models"
)

// Capture reads r line by line until EOF and appends every line tagged with stream. A final line
// without a trailing newline is kept. Lines longer than Options.MaxLineBytes are split into several
// lines, never inside a UTF-8 sequence. After a failure the rest of r is discarded so the producing
// process never blocks on a full pipe; the returned error wraps ErrExecutionFault.
func (m *Mux) Capture(stream models.StreamTag, r io.Reader) error {
	br := bufio.NewReaderSize(r, m.opts.MaxLineBytes)

	var pending []byte
	for {
		chunk, readErr := br.ReadSlice('\n')
		// chunk is only valid until the next read
		buf := append(pending, chunk...)
		pending = nil

		if errors.Is(readErr, bufio.ErrBufferFull) {
			cut := runeBoundary(buf)
			pending = append([]byte(nil), buf[cut:]...)
			if err := m.appendCaptured(stream, string(buf[:cut]), br); err != nil {
				return err
			}
			continue
		}

		if len(buf) > 0 {
			payload := strings.TrimRight(string(buf), "\r\n")
			if err := m.appendCaptured(stream, payload, br); err != nil {
				return err
			}
		}

		if errors.Is(readErr, io.EOF) {
			return nil
		} else if readErr != nil {
			_, _ = io.Copy(io.Discard, br)
			return fmt.Errorf("%w: could not read %s: %w", ErrExecutionFault, stream, readErr)
		}
	}
}

func (m *Mux) appendCaptured(stream models.StreamTag, payload string, rest io.Reader) error {
	if _, err := m.Append(stream, payload); err != nil {
		_, _ = io.Copy(io.Discard, rest)
		if errors.Is(err, ErrExecutionFault) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrExecutionFault, err)
	}
	return nil
}

// runeBoundary is the length of b without a trailing incomplete UTF-8 sequence
func runeBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
