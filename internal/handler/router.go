package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"scriptcage/internal/metrics"
	"scriptcage/internal/middleware"
	"scriptcage/internal/service"
	"scriptcage/internal/store"
)

// Deps are the services the HTTP API is built on. Metrics may be nil.
type Deps struct {
	Runner         *service.ScriptRunner
	Collections    *service.CollectionRunner
	Runs           *store.Store
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         zerolog.Logger
}

func NewRouter(d Deps) http.Handler {
	runH := NewRunHandler(d.Runner, d.Runs)
	collectionH := NewCollectionHandler(d.Collections)

	var conns prometheus.Gauge
	if d.Metrics != nil {
		conns = d.Metrics.StreamConnections
	}
	streamH := NewStreamHandler(d.Runner, d.AllowedOrigins, conns, d.Logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORSWithOrigins(d.AllowedOrigins))
	r.Use(middleware.WorkspaceID)
	r.Use(middleware.RequestLogger(d.Logger))

	r.Route("/api", func(r chi.Router) {
		// Runs
		r.Get("/runs", runH.List)
		r.Post("/runs", runH.Create)
		r.Get("/runs/stream", streamH.Serve)
		r.Get("/runs/{id}", runH.Get)
		r.Delete("/runs/{id}", runH.Delete)

		// Collection runs
		r.Post("/collection-runs", collectionH.Run)
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
	return r
}
