package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"suiterunner/internal/logmux"
	"suiterunner/internal/models"
)

type streamItem struct {
	line models.LogLine
	err  error
}

// StreamLogs pushes a run's log lines as server sent events. A reconnecting client resumes after the
// sequence in Last-Event-ID, or from the `from` query parameter.
func (t *RunRouter) StreamLogs(w http.ResponseWriter, r *http.Request) {
	if !t.config.UseSSE {
		http.Error(w, "log streaming is disabled, poll the log endpoint instead", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	from, err := streamOffset(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := t.runs.Attach(ctx, id, from)
	if err != nil {
		serveError(w, err, "Could not attach to run log")
		return
	}
	defer func() { _ = stream.Close() }()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	items := make(chan streamItem)
	go func() {
		defer close(items)
		for {
			line, err := stream.Next(ctx)
			select {
			case items <- streamItem{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	interval := t.config.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()

	var last null.Int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case item, ok := <-items:
			if !ok {
				return
			}
			if item.err != nil {
				t.endStream(ctx, w, id, last, item.err)
				flusher.Flush()
				return
			}
			if err := writeEvent(w, fmt.Sprint(item.line.Sequence), "line", item.line); err != nil {
				return
			}
			last = null.IntFrom(int64(item.line.Sequence))
			flusher.Flush()
		}
	}
}

// endStream writes the closing event: the terminal run record once the log is complete, or an error
// event when the subscriber was dropped
func (t *RunRouter) endStream(ctx context.Context, w io.Writer, id string, last null.Int, err error) {
	switch {
	case errors.Is(err, io.EOF):
		run, err := t.runs.Get(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("run_id", id).Msg("Could not fetch run at the end of its log")
			return
		}
		_ = writeEvent(w, "", "end", run)
	case errors.Is(err, logmux.ErrBackpressureExceeded):
		log.Warn().Str("run_id", id).Interface("last_sequence", last).Msg("Dropped slow log subscriber")
		_ = writeEvent(w, "", "error", StreamError{Error: "backpressure exceeded", LastSequence: last})
	case errors.Is(err, logmux.ErrReleased):
		log.Info().Str("run_id", id).Msg("Ending log stream of a run left queued at shutdown")
		_ = writeEvent(w, "", "error", StreamError{Error: "server shutting down", LastSequence: last})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		log.Error().Err(err).Str("run_id", id).Msg("Log stream failed")
		_ = writeEvent(w, "", "error", StreamError{Error: err.Error(), LastSequence: last})
	}
}

func writeEvent(w io.Writer, id, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// streamOffset is the first sequence to send. Last-Event-ID wins over the `from` query parameter.
func streamOffset(r *http.Request) (uint64, error) {
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		seq, err := parseSequence(lastID)
		if err != nil {
			return 0, fmt.Errorf("invalid Last-Event-ID: %w", err)
		}
		return seq + 1, nil
	}
	return parseSequence(r.URL.Query().Get("from"))
}
