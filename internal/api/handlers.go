package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/internal/queue"
	"github.com/lei/simple-analytics/internal/service"
)

const (
	maxBodyBytes         = 1 << 20
	defaultMaxEventBytes = 64 << 20
)

// Handlers contains HTTP handler functions
type Handlers struct {
	service       *service.Service
	keepalive     time.Duration
	maxEventBytes int64
	upgrader      websocket.Upgrader
}

// NewHandlers creates a new handlers instance. keepalive is the interval
// between comment frames on idle event streams. maxEventBytes caps ingress
// bodies, which carry whole result sets.
func NewHandlers(svc *service.Service, keepalive time.Duration, maxEventBytes int64) *Handlers {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	if maxEventBytes <= 0 {
		maxEventBytes = defaultMaxEventBytes
	}
	return &Handlers{
		service:       svc,
		keepalive:     keepalive,
		maxEventBytes: maxEventBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// origin is not checked, the job token authorizes the stream
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := h.service.HealthCheck(r.Context())

	status := http.StatusOK
	if health["status"] == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}

// SubmitJob handles POST /jobs
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		if logger != nil {
			logger.Warn("invalid request body", "error", err)
		}
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := models.DecodeJobRequest(body)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	// the authenticated key decides who the job belongs to
	req.UserID = GetUserID(r.Context())

	job, err := h.service.SubmitJob(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if logger != nil {
		logger.Info("job submitted", "job_id", job.ID, "api_key_name", GetAPIKeyName(r.Context()))
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":    job.ID,
		"jobToken": job.Token,
	})
}

// GetJob handles GET /jobs/{job_id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	status, err := h.service.GetJobStatus(r.Context(), jobID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// CancelJob handles POST /jobs/{job_id}/cancel. Known and unknown ids get
// the same acknowledgement.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	jobID := chi.URLParam(r, "job_id")

	found, err := h.service.CancelJob(r.Context(), jobID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if logger != nil {
		logger.Info("cancel acknowledged", "job_id", jobID, "found", found)
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Job cancelled"})
}

// IngestEvent handles POST /internal/jobs/{job_id}/event
func (h *Handlers) IngestEvent(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, http.StatusRequestEntityTooLarge, "event exceeds ingress size limit")
			return
		}
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	event, err := models.DecodeJobEvent(body)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if err := h.service.IngestEvent(r.Context(), jobID, event); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// respondError writes a JSON error response with logging
func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	logger := GetLogger(r.Context())
	requestID := GetRequestID(r.Context())

	if logger != nil {
		logger.Error("returning error response",
			"status", status,
			"message", message,
			"request_id", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message":    message,
			"code":       status,
			"request_id": requestID,
		},
	})
}

// handleServiceError maps service errors to HTTP responses with detailed logging
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := GetLogger(r.Context())
	requestID := GetRequestID(r.Context())

	if logger != nil {
		logger.Error("service error occurred",
			"error", err.Error(),
			"error_type", fmt.Sprintf("%T", err),
			"request_id", requestID)
	}

	var validationErr *models.ValidationError
	switch {
	case errors.As(err, &validationErr):
		respondError(w, r, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, service.ErrInvalidEvent):
		respondError(w, r, http.StatusBadRequest, "invalid job event")
	case errors.Is(err, queue.ErrJobNotFound):
		respondError(w, r, http.StatusNotFound, "job not found")
	case errors.Is(err, service.ErrMissingToken):
		respondError(w, r, http.StatusUnauthorized, "missing job token")
	case errors.Is(err, queue.ErrInvalidToken):
		respondError(w, r, http.StatusForbidden, "invalid job token")
	case errors.Is(err, queue.ErrQueueUnavailable):
		respondError(w, r, http.StatusServiceUnavailable, "job queue unavailable")
	default:
		respondError(w, r, http.StatusInternalServerError, "internal server error")
	}
}
