package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"suiterunner/internal/logmux"
	"suiterunner/internal/models"
	"suiterunner/internal/orchestrator"
)

const defaultPingInterval = 10 * time.Second

type RunRouter struct {
	ctx    context.Context
	runs   *orchestrator.Service
	config *Config
	router chi.Router
}

func (t *RunRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	t.router.ServeHTTP(writer, request)
}

func NewRunRouter(ctx context.Context, runs *orchestrator.Service, config *Config, router chi.Router) *RunRouter {
	r := &RunRouter{
		ctx:    ctx,
		runs:   runs,
		config: config,
		router: router,
	}
	r.router.Post("/", r.Submit)
	r.router.Get("/", r.List)
	r.router.Get("/{id}", r.Get)
	r.router.Post("/{id}/cancel", r.Cancel)
	r.router.Get("/{id}/logs", r.StreamLogs)
	r.router.Get("/{id}/log", r.GetLog)
	r.router.Get("/{id}/failures", r.Failures)

	return r
}

func (t *RunRouter) Submit(w http.ResponseWriter, r *http.Request) {
	var payload SubmitRunRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	run, err := t.runs.Submit(r.Context(), models.SuiteRef{Path: payload.Suite, Args: payload.Args})
	if err != nil {
		serveError(w, err, "Could not submit run")
		return
	}
	serveJsonStatus(w, http.StatusAccepted, run)
}

func (t *RunRouter) List(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseRunFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runs, err := t.runs.List(r.Context(), filter)
	if err != nil {
		serveError(w, err, "Failed to fetch runs")
		return
	}
	serveJson(w, runs)
}

func (t *RunRouter) Get(w http.ResponseWriter, r *http.Request) {
	run, err := t.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serveError(w, err, "Failed to fetch run")
		return
	}
	serveJson(w, run)
}

func (t *RunRouter) Cancel(w http.ResponseWriter, r *http.Request) {
	run, err := t.runs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serveError(w, err, "Could not cancel run")
		return
	}
	serveJson(w, run)
}

func (t *RunRouter) Failures(w http.ResponseWriter, r *http.Request) {
	failures, err := t.runs.Failures(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serveError(w, err, "Failed to fetch run failures")
		return
	}
	if failures == nil {
		failures = []models.RunFailure{}
	}
	serveJson(w, failures)
}

// GetLog serves the persisted artifact as plain text, one payload per line. It is the polling
// fallback of the log stream; `from` skips lines already seen.
func (t *RunRouter) GetLog(w http.ResponseWriter, r *http.Request) {
	from, err := parseSequence(r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	run, err := t.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serveError(w, err, "Failed to fetch run")
		return
	}

	var lines []models.LogLine
	stream, err := logmux.Replay(run.LogPath, from)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		serveError(w, err, "Could not read run log")
		return
	default:
		if lines, err = logmux.ReadAll(r.Context(), stream); err != nil {
			serveError(w, err, "Could not read run log")
			return
		}
	}

	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line.Payload)
		sb.WriteByte('\n')
	}

	next := from
	if len(lines) > 0 {
		next = lines[len(lines)-1].Sequence + 1
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Next-Sequence", strconv.FormatUint(next, 10))
	w.Header().Set("X-Run-Status", string(run.Status))
	if _, err := w.Write([]byte(sb.String())); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("Could not write run log")
	}
}

func parseSequence(value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, errors.New("sequence must be a non-negative integer")
	}
	return seq, nil
}
