package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"suiterunner/internal/configfiles"
	"suiterunner/internal/orchestrator"
	"suiterunner/internal/uistate"
)

func NewSchedulerRouter(runs *orchestrator.Service, r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		serveJson(w, runs.Stats())
	})
	r.Put("/", func(w http.ResponseWriter, r *http.Request) {
		var payload SchedulerRequest
		if err := readJson(w, r, &payload); err != nil {
			return
		}
		if err := payload.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := runs.SetMaxConcurrency(payload.MaxConcurrency); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		serveJson(w, runs.Stats())
	})
}

func NewConfigRouter(configs *configfiles.Service, r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		content, err := configs.Read(path)
		if err != nil {
			serveError(w, err, "Could not read config")
			return
		}
		serveJson(w, ConfigPayload{Path: path, Content: content})
	})
	r.Put("/", func(w http.ResponseWriter, r *http.Request) {
		var payload ConfigPayload
		if err := readJson(w, r, &payload); err != nil {
			return
		}
		content, err := configs.Write(payload.Path, payload.Content)
		if err != nil {
			serveError(w, err, "Could not write config")
			return
		}
		serveJson(w, ConfigPayload{Path: payload.Path, Content: content})
	})
	r.Get("/folders", func(w http.ResponseWriter, _ *http.Request) {
		folders, err := configs.ListFolders()
		if err != nil {
			serveError(w, err, "Could not list config folders")
			return
		}
		serveJson(w, ConfigFolders{Folders: folders})
	})
}

func NewUIRouter(store *uistate.Store, r chi.Router) {
	r.Get("/lock", func(w http.ResponseWriter, _ *http.Request) {
		serveJson(w, store.Lock())
	})
	r.Post("/lock", func(w http.ResponseWriter, r *http.Request) {
		var payload UILockRequest
		if err := readJson(w, r, &payload); err != nil {
			return
		}
		serveJson(w, store.SetLock(payload.Locked, payload.Owner))
	})
	r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
		serveJson(w, UIState{State: store.State()})
	})
	r.Post("/state", func(w http.ResponseWriter, r *http.Request) {
		var payload UIState
		if err := readJson(w, r, &payload); err != nil {
			return
		}
		serveJson(w, UIState{State: store.Merge(payload.State)})
	})
}
