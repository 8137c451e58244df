package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pixyz/scheduler/pkg/backend"
	"github.com/pixyz/scheduler/pkg/broker"
	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/metrics"
	"github.com/pixyz/scheduler/pkg/script"
	"github.com/pixyz/scheduler/pkg/share"
)

// Server is the HTTP facade over the scheduler: job submission, status,
// outputs and the raw backend view consumed by remote peers.
type Server struct {
	backend   backend.Backend
	broker    *broker.Broker
	store     *share.Store
	loader    *script.Loader
	keyDigest string // hex SHA-256 of the api key; empty disables auth
}

// NewServer wires the facade. keyDigest is the hex SHA-256 of the accepted
// x-api-key value; when empty every request passes, which is only meant for
// development setups.
func NewServer(be backend.Backend, br *broker.Broker, store *share.Store,
	loader *script.Loader, keyDigest string) *Server {
	if keyDigest == "" {
		log.Logger.Warn().Msg("no api key digest configured, authentication is disabled")
	}
	return &Server{
		backend:   be,
		broker:    br,
		store:     store,
		loader:    loader,
		keyDigest: keyDigest,
	}
}

// Router assembles the chi route tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestMetrics)

	r.Get("/", s.handleBanner)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/processes", s.handleListProcesses)
		r.Get("/processes/{name}", s.handleProcessDoc)

		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{uuid}", s.handleJobState)
		r.Get("/jobs/{uuid}/details", s.handleJobDetails)
		r.Get("/jobs/{uuid}/outputs", s.handleListOutputs)
		r.Get("/jobs/{uuid}/outputs/archive", s.handleArchive)
		r.Get("/jobs/{uuid}/outputs/*", s.handleStreamOutput)

		r.Get("/backend/get_task_meta/{uuid}", s.handleTaskMeta)
	})
	return r
}

func (s *Server) handleBanner(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "pixyz-scheduler api")
}

// writeJSON sends v as the response body
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to encode response")
	}
}

// errorBody is the uniform error shape of the facade
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, code int, message string, details ...string) {
	body := errorBody{Code: code, Message: message}
	if len(details) > 0 {
		body.Details = details[0]
	}
	writeJSON(w, code, body)
}
