package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"suiterunner/internal/configfiles"
	"suiterunner/internal/metrics"
	"suiterunner/internal/orchestrator"
	"suiterunner/internal/suite"
	"suiterunner/internal/uistate"
)

type Server struct {
	ctx     context.Context
	router  *chi.Mux
	handler http.Handler
}

type Config struct {
	AllowedOrigins []string
	// UseSSE enables the push log channel. Without it clients poll the text log endpoint.
	UseSSE       bool
	PingInterval time.Duration
}

type Deps struct {
	Runs          *orchestrator.Service
	Suites        *suite.Resolver
	SuitePatterns []string
	Configs       *configfiles.Service
	UI            *uistate.Store
	Metrics       *metrics.Metrics // optional
}

// New creates a new API server instance
func New(ctx context.Context, deps Deps, config *Config) *Server {
	s := &Server{
		ctx:    ctx,
		router: chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	if deps.Metrics != nil {
		s.router.Handle("/metrics", deps.Metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			NewRunRouter(ctx, deps.Runs, config, r)
		})
		r.Route("/scheduler", func(r chi.Router) {
			NewSchedulerRouter(deps.Runs, r)
		})
		r.Get("/db_check", func(w http.ResponseWriter, r *http.Request) {
			if err := deps.Runs.Ping(r.Context()); err != nil {
				log.Error().Err(err).Msg("Database check failed")
				http.Error(w, "database unreachable", http.StatusServiceUnavailable)
				return
			}
			serveJson(w, map[string]string{"status": "ok"})
		})

		r.Get("/suites", func(w http.ResponseWriter, _ *http.Request) {
			entries, err := deps.Suites.Discover(deps.SuitePatterns)
			if err != nil {
				log.Error().Err(err).Msg("Could not discover suites")
				http.Error(w, "could not discover suites", http.StatusInternalServerError)
				return
			}
			serveJson(w, entries)
		})

		r.Route("/config", func(r chi.Router) {
			NewConfigRouter(deps.Configs, r)
		})
		r.Route("/ui", func(r chi.Router) {
			NewUIRouter(deps.UI, r)
		})
	})

	s.handler = cors.New(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Last-Event-ID"},
	}).Handler(s.router)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

func serveJson(w http.ResponseWriter, payload any) {
	serveJsonStatus(w, http.StatusOK, payload)
}

func serveJsonStatus(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Failed to encode payload", http.StatusInternalServerError)
		log.Error().Err(err).Msg("JSON encoding issue")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

// serveError maps domain errors to status codes. Unexpected errors are logged and hidden behind msg.
func serveError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, configfiles.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, suite.ErrInvalidSuiteRef),
		errors.Is(err, configfiles.ErrPathTraversal),
		errors.Is(err, configfiles.ErrUnsupportedFormat):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Error().Err(err).Msg(msg)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}
