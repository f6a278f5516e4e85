// Package api serves the sync status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ethsync/stagesync/common"
	"github.com/ethsync/stagesync/log"
	"github.com/ethsync/stagesync/metrics"
	"github.com/ethsync/stagesync/stagedsync"
)

const (
	moduleName = "api"
)

// CheckpointSource reports the durable checkpoints of all stages.
type CheckpointSource interface {
	Checkpoints(ctx context.Context) ([]stagedsync.StageProgress, error)
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Msg string `json:"msg"`
}

// StatusAPI serves the sync status.
type StatusAPI struct {
	router      *chi.Mux
	checkpoints CheckpointSource
	status      *StatusTracker
	logger      *log.Logger
}

// NewStatusAPI creates the API. Request metrics are recorded in m, if non-nil.
func NewStatusAPI(checkpoints CheckpointSource, status *StatusTracker, m *metrics.RequestMetrics, l *log.Logger) *StatusAPI {
	a := &StatusAPI{
		router:      chi.NewRouter(),
		checkpoints: checkpoints,
		status:      status,
		logger:      l.WithModule(moduleName),
	}
	if m != nil {
		a.router.Use(MetricsMiddleware(m, a.logger))
	}
	a.router.Use(middleware.Recoverer)
	a.router.Route("/v1", func(r chi.Router) {
		r.Get("/stages", a.getStages)
		r.Get("/status", a.getStatus)
	})
	a.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return a
}

// Router gets the router of the API.
func (a *StatusAPI) Router() *chi.Mux {
	return a.router
}

// Run serves the API on endpoint until ctx is done.
func (a *StatusAPI) Run(ctx context.Context, endpoint string) error {
	server := &http.Server{
		Addr:           endpoint,
		Handler:        a.router,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return common.RunServer(ctx, server, a.logger)
}

func (a *StatusAPI) getStages(w http.ResponseWriter, r *http.Request) {
	progress, err := a.checkpoints.Checkpoints(r.Context())
	if err != nil {
		a.logger.Error("reading checkpoints", "err", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Msg: "failed to read checkpoints"})
		return
	}
	a.writeJSON(w, http.StatusOK, progress)
}

func (a *StatusAPI) getStatus(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.status.Snapshot())
}

func (a *StatusAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("writing response", "err", err)
	}
}
