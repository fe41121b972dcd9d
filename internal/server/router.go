package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/watzon/forge/internal/metrics"
	"github.com/watzon/forge/internal/server/handlers"
	"github.com/watzon/forge/internal/server/requestlog"
)

// NewRouter builds the HTTP routes of srv.
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(OwnerMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(MetricsMiddleware)
	if srv.cfg.Server.CORS.Enabled {
		r.Use(CORSMiddleware(srv.cfg.Server.CORS))
	}
	if srv.cfg.Server.MaxBodySize > 0 {
		r.Use(MaxBodySizeMiddleware(srv.cfg.Server.MaxBodySize))
	}
	r.Use(requestlog.Middleware(srv.requestLogs))

	c := srv.components
	fn := handlers.NewFunctionHandlers(c.Deploys, c.Invoker, c.History)
	inv := handlers.NewInvocationHandlers(c.Deploys, c.History)
	health := handlers.NewHealthHandlers(srv.db, c.Engine, c.Cache, c.Recorder, srv.version)
	logs := handlers.NewLogsHandlers(srv.requestLogs)

	r.Get("/health", health.Health)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Get("/health/stats", health.Stats)

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		srv.db.ReportStats()
		if c.Recorder != nil {
			metrics.SetRecorderQueueDepth(c.Recorder.Pending())
		}
		metrics.Handler().ServeHTTP(w, req)
	})

	r.Route("/functions", func(r chi.Router) {
		r.Post("/", fn.Deploy)
		r.Get("/", fn.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", fn.Get)
			r.Put("/", fn.Update)
			r.Patch("/", fn.SetActive)
			r.Delete("/", fn.Delete)
			r.Post("/invoke", fn.Invoke)
			r.Get("/stats", inv.Stats)
			r.Get("/invocations", inv.List)
		})
	})

	r.Route("/logs", func(r chi.Router) {
		r.Get("/", logs.List)
		r.Get("/stats", logs.Stats)
		r.Delete("/", logs.Clear)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		handlers.NotFound(w, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		handlers.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})

	return r
}
