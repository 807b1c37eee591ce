// Package api exposes the HTTP interface for the ingestion service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creatorlift/engagement-ingest/internal/admission"
	"github.com/creatorlift/engagement-ingest/internal/config"
	"github.com/creatorlift/engagement-ingest/internal/ingest"
	"github.com/creatorlift/engagement-ingest/internal/metrics"
	"github.com/creatorlift/engagement-ingest/internal/scheduler"
	"github.com/creatorlift/engagement-ingest/internal/stats"
)

// BatchRunner executes one synchronous batch run.
type BatchRunner interface {
	Run(ctx context.Context, batchSize int, maxProcessingTime time.Duration) (ingest.RunReport, error)
}

// SchedulerControl is the slice of the scheduler the API needs.
type SchedulerControl interface {
	Status() scheduler.Status
	TriggerManual(ctx context.Context) error
}

// Server wires HTTP handlers to the queue subsystems.
type Server struct {
	router    chi.Router
	admission *admission.Service
	runner    BatchRunner
	reporter  *stats.Reporter
	sched     SchedulerControl
	store     ingest.QueueStore
	clock     ingest.Clock
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The run endpoint
// lives outside the default timeout group since a batch run may legitimately
// take the full processing budget.
func NewServer(
	adm *admission.Service,
	runner BatchRunner,
	reporter *stats.Reporter,
	sched SchedulerControl,
	store ingest.QueueStore,
	clock ingest.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		admission: adm,
		runner:    runner,
		reporter:  reporter,
		sched:     sched,
		store:     store,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(60 * time.Second))
		r.Route("/v1", func(r chi.Router) {
			r.Route("/queue", func(r chi.Router) {
				r.Post("/requests", s.queueRequests)
				r.Post("/requests/{request_id}/requeue", s.requeueRequest)
				r.Get("/stats", s.queueStats)
				r.Post("/cleanup", s.cleanup)
			})
			r.Route("/scheduler", func(r chi.Router) {
				r.Get("/status", s.schedulerStatus)
				r.Post("/trigger", s.schedulerTrigger)
			})
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.MaxProcessingTime() + time.Minute))
		r.Post("/v1/queue/run", s.runQueue)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.CountByStatus(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
