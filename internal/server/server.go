// HTTP surface: multipart upload into the filter pipeline, artifact serving
// and run history
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"imagica/internal/config"
	"imagica/internal/core"
	"imagica/internal/filters"
	"imagica/internal/metrics"
	"imagica/internal/store"
)

// Runner executes one pipeline run
type Runner interface {
	Run(ctx context.Context, source string, spec core.Spec) (*core.Result, error)
}

type Server struct {
	cfg      *config.Config
	runner   Runner
	registry *filters.Registry
	store    store.Store
	metrics  *metrics.Evaluator
	log      logrus.FieldLogger
	mux      *http.ServeMux
}

func New(cfg *config.Config, runner Runner, registry *filters.Registry, st store.Store, log logrus.FieldLogger) *Server {
	s := &Server{
		cfg:      cfg,
		runner:   runner,
		registry: registry,
		store:    st,
		log:      log,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("POST /upload", s.handleUpload)
	s.mux.HandleFunc("GET /uploads/{file}", s.handleArtifact)
	s.mux.HandleFunc("GET /api/filters", s.handleFilters)
	s.mux.HandleFunc("GET /api/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	return s
}

// SetEvaluator lists the metrics a run can report on GET /api/filters.
func (s *Server) SetEvaluator(evaluator *metrics.Evaluator) {
	s.metrics = evaluator
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"bytes":       rec.bytes,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote":      r.RemoteAddr,
		}).Log(logLevelFor(rec.status), "request")
	})
}
