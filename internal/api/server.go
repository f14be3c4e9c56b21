// Package api serves the navigation store, satellite states and constellation
// snapshots over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jprillam8/gnsstk/internal/auth"
	"github.com/jprillam8/gnsstk/internal/cache"
	"github.com/jprillam8/gnsstk/internal/health"
	"github.com/jprillam8/gnsstk/internal/httputil"
	"github.com/jprillam8/gnsstk/internal/metrics"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/navstore"
	"github.com/jprillam8/gnsstk/internal/pipeline"
	"github.com/jprillam8/gnsstk/internal/propagation"
	"github.com/jprillam8/gnsstk/internal/stream"
)

// Deps are the components the handlers read from. Pipeline, Cache and
// Stream may be nil; their routes are then not registered or fall back to
// direct computation.
type Deps struct {
	Store      *navstore.Shared
	Snapshots  *propagation.Snapshotter
	Pipeline   *pipeline.Pipeline
	Cache      *cache.SnapshotCache
	Stream     *stream.Handler
	Fit        navdata.FitPolicy
	TrustProxy bool
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(addr string, logger *slog.Logger, authCfg auth.Config, deps Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           newHandler(logger, authCfg, deps),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// newHandler registers the routes and builds the middleware chain:
// metrics -> logging -> auth -> mux.
func newHandler(logger *slog.Logger, authCfg auth.Config, deps Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(func() bool { return deps.Store.Len() > 0 }))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/stats", statsHandler(deps))
	mux.HandleFunc("GET /api/v1/satellites", satellitesHandler(deps.Store))
	mux.HandleFunc("GET /api/v1/nav/{sat}", navHandler(deps.Store))
	mux.HandleFunc("GET /api/v1/xvt/{sat}", xvtHandler(deps.Store, deps.Fit))
	mux.HandleFunc("GET /api/v1/timeoffset", timeOffsetHandler(deps.Store))
	mux.HandleFunc("GET /api/v1/snapshot", snapshotHandler(logger, deps.Snapshots, deps.Cache))
	mux.HandleFunc("GET /api/v1/series", seriesHandler(logger, deps.Snapshots))
	mux.HandleFunc("GET /api/v1/passes", passesHandler(deps.Store, deps.Fit))
	mux.HandleFunc("POST /api/v1/edit", editHandler(logger, deps.Store))

	if deps.Pipeline != nil {
		mux.HandleFunc("GET /api/v1/state", stateHandler(deps.Pipeline))
		mux.HandleFunc("POST /api/v1/state", resetHandler(deps.Pipeline))
	}
	if deps.Stream != nil {
		mux.HandleFunc("GET /api/v1/stream", deps.Stream.HandleRecords)
	}

	var handler http.Handler = mux
	handler = auth.Middleware(authCfg)(handler)
	handler = loggingMiddleware(logger, deps.TrustProxy)(handler)
	handler = metrics.Middleware(handler)
	return handler
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", httputil.ClientIP(r, trustProxy),
			)
		})
	}
}
