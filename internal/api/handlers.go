package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/creatorlift/engagement-ingest/internal/admission"
	"github.com/creatorlift/engagement-ingest/internal/ingest"
)

type queueRequestsBody struct {
	Requests []ingest.FetchIntent `json:"requests"`
}

type runBody struct {
	BatchSize            *int `json:"batch_size"`
	MaxProcessingMinutes *int `json:"max_processing_minutes"`
}

type cleanupBody struct {
	RetentionDays *int `json:"retention_days"`
}

type runResponse struct {
	Processed      int     `json:"processed"`
	Skipped        int     `json:"skipped"`
	Failed         int     `json:"failed"`
	RateLimited    int     `json:"rate_limited"`
	Total          int     `json:"total"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Message        string  `json:"message,omitempty"`
}

func (s *Server) queueRequests(w http.ResponseWriter, r *http.Request) {
	var body queueRequestsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(body.Requests) == 0 {
		writeError(w, http.StatusBadRequest, "requests must not be empty")
		return
	}

	queued, err := s.admission.Queue(r.Context(), body.Requests)
	if err != nil {
		if errors.Is(err, admission.ErrInvalidIntent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("admission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue requests")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

func (s *Server) runQueue(w http.ResponseWriter, r *http.Request) {
	var body runBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	batchSize := s.cfg.Queue.BatchSizeDefault
	if body.BatchSize != nil && *body.BatchSize > 0 {
		batchSize = *body.BatchSize
	}
	budget := s.cfg.MaxProcessingTime()
	if body.MaxProcessingMinutes != nil && *body.MaxProcessingMinutes > 0 {
		budget = time.Duration(*body.MaxProcessingMinutes) * time.Minute
	}

	report, err := s.runner.Run(r.Context(), batchSize, budget)
	if err != nil {
		if errors.Is(err, ingest.ErrRunActive) {
			writeError(w, http.StatusConflict, "a batch run is already active")
			return
		}
		s.logger.Error("batch run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "batch run failed")
		return
	}

	resp := runResponse{
		Processed:      report.Processed,
		Skipped:        report.Skipped,
		Failed:         report.Failed,
		RateLimited:    report.RateLimited,
		Total:          report.Total,
		ElapsedSeconds: report.ElapsedSeconds(),
	}
	if report.Total == 0 {
		resp.Message = "nothing to do"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reporter.Report(r.Context())
	if err != nil {
		s.logger.Error("stats report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) requeueRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	err := s.store.Requeue(r.Context(), requestID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{
			"request_id": requestID,
			"status":     string(ingest.StatusPending),
		})
	case errors.Is(err, ingest.ErrNotFound):
		writeError(w, http.StatusNotFound, "request not found")
	case errors.Is(err, ingest.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("requeue failed", zap.String("request_id", requestID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "requeue failed")
	}
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	var body cleanupBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	retention := s.cfg.Retention()
	if body.RetentionDays != nil {
		if *body.RetentionDays <= 0 {
			writeError(w, http.StatusBadRequest, "retention_days must be > 0")
			return
		}
		retention = time.Duration(*body.RetentionDays) * 24 * time.Hour
	}

	cutoff := s.clock.Now().Add(-retention)
	removed, err := s.store.DeleteOlderThan(r.Context(), cutoff)
	if err != nil {
		s.logger.Error("cleanup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
		"cutoff":  cutoff,
	})
}

func (s *Server) schedulerStatus(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusNotFound, "scheduler disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) schedulerTrigger(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusNotFound, "scheduler disabled")
		return
	}
	if err := s.sched.TriggerManual(r.Context()); err != nil {
		if errors.Is(err, ingest.ErrRunActive) {
			writeError(w, http.StatusConflict, "a batch run is already active")
			return
		}
		s.logger.Error("manual trigger failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "trigger failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
