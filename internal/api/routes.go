// Package api serves the dagrunner REST API and run event streams.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server routes requests to Handlers.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	tracing  bool
}

type route struct {
	method  string
	path    string
	handler http.HandlerFunc
}

// NewServer builds the router. extra middleware (auth, rate limiting) runs
// inside recovery, logging and CORS.
func NewServer(h *Handlers, extra ...mux.MiddlewareFunc) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		tracing:  h.config.OTELEnabled,
	}
	s.setupRoutes(extra)
	return s
}

// Router returns the handler for http.Server, wrapped in otelhttp when
// tracing is on.
func (s *Server) Router() http.Handler {
	if !s.tracing {
		return s.router
	}
	return otelhttp.NewHandler(s.router, "dagrunner-api",
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routeTemplate(r)
		}),
	)
}

func (s *Server) apiRoutes() []route {
	h := s.handlers
	return []route{
		{http.MethodGet, "/dags", h.ListDAGs},
		{http.MethodPost, "/dags", h.CreateDAG},
		{http.MethodGet, "/dags/{dagId}", h.GetDAG},
		{http.MethodPatch, "/dags/{dagId}", h.PatchDAG},
		{http.MethodDelete, "/dags/{dagId}", h.DeleteDAG},
		{http.MethodPost, "/dags/{dagId}/runs", h.TriggerRun},
		{http.MethodGet, "/dags/{dagId}/runs", h.ListDAGRuns},

		{http.MethodGet, "/runs/{runId}", h.GetRun},
		{http.MethodDelete, "/runs/{runId}", h.DeleteRun},
		{http.MethodPost, "/runs/{runId}/cancel", h.CancelRun},
		{http.MethodGet, "/runs/{runId}/events", h.StreamEvents},

		{http.MethodGet, "/runs/{runId}/tasks", h.ListTasks},
		{http.MethodPost, "/runs/{runId}/tasks/{taskId}/clear", h.ClearTask},
		{http.MethodGet, "/runs/{runId}/tasks/{taskId}/logs", h.GetTaskLog},

		{http.MethodGet, "/runs/{runId}/xcom", h.ListXCom},
		{http.MethodGet, "/runs/{runId}/xcom/{taskId}/{key}", h.GetXCom},
	}
}

func (s *Server) setupRoutes(extra []mux.MiddlewareFunc) {
	r := s.router
	for _, p := range []string{"/health", "/healthz"} {
		r.HandleFunc(p, s.handlers.Health).Methods(http.MethodGet)
	}
	r.HandleFunc("/ready", s.handlers.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	for _, rt := range s.apiRoutes() {
		v1.HandleFunc(rt.path, rt.handler).Methods(rt.method)
	}

	// matched so CORS middleware sees preflights for every path
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Use(s.handlers.RecoveryMiddleware, s.handlers.LoggingMiddleware, s.handlers.CORSMiddleware)
	r.Use(extra...)
}
