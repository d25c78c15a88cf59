// Package server wires the citetrace service graph behind an HTTP API.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/citetrace-ai/citetrace/internal/jobs"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/progress"
	"github.com/citetrace-ai/citetrace/internal/provenance"
	"github.com/citetrace-ai/citetrace/internal/retrieval"
	"github.com/citetrace-ai/citetrace/internal/server/handlers"
	"github.com/citetrace-ai/citetrace/internal/server/middleware"
)

// App bundles the wired services the router exposes.
type App struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Manager *jobs.Manager
	Bus     *progress.Bus
	Asker   *retrieval.Asker
	Reader  *provenance.Reader
	Sweeper *provenance.Sweeper
	Ready   func() error
	APIKey  string
}

// NewRouter creates the API router with all routes configured.
func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"citetrace"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if app.Ready != nil {
			if err := app.Ready(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	if app.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", app.Metrics.Handler())
	}

	ingestion := handlers.NewIngestionHandler(app.Logger, app.Manager)
	stream := handlers.NewStreamHandler(app.Logger, app.Bus, app.Manager)
	query := handlers.NewQueryHandler(app.Logger, app.Asker)
	documents := handlers.NewDocumentHandler(app.Logger, app.Reader, app.Sweeper)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(middleware.AuthConfig{APIKey: app.APIKey}))

		r.Route("/ingest", func(r chi.Router) {
			r.Post("/", ingestion.Submit)
			r.Post("/batch", ingestion.SubmitBatch)
			r.Get("/{jobID}", ingestion.Status)
			r.Post("/{jobID}/cancel", ingestion.Cancel)
			r.Post("/{jobID}/retry", ingestion.Retry)
		})

		r.Get("/stream/{jobID}", stream.Stream)

		r.Post("/query", query.Query)

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", documents.List)
			r.Get("/{docID}", documents.Get)
			r.Delete("/{docID}", documents.Delete)
			r.Get("/{docID}/chunks", documents.Chunks)
			r.Get("/{docID}/entities", documents.Entities)
			r.Get("/{docID}/exports", documents.Exports)
		})

		r.Get("/entities/{entityID}/relations", documents.Relations)
		r.Post("/exports", documents.RecordExport)
		r.Post("/sweep", documents.Sweep)
	})

	return r
}
