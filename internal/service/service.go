package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lei/simple-analytics/internal/events"
	"github.com/lei/simple-analytics/internal/metrics"
	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/internal/queue"
	"github.com/lei/simple-analytics/pkg/logger"
)

var (
	// ErrMissingToken indicates a stream request without a job token
	ErrMissingToken = errors.New("missing job token")
	// ErrInvalidEvent indicates an ingress event that cannot be delivered
	ErrInvalidEvent = errors.New("invalid job event")
)

// JobQueue is the producer side of the job queue
type JobQueue interface {
	Enqueue(ctx context.Context, req models.JobRequest) (*models.Job, error)
	Status(ctx context.Context, id string) (*models.JobStatus, error)
	Cancel(ctx context.Context, id string) (bool, error)
	VerifyToken(ctx context.Context, id, token string) error
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (queue.Stats, error)
}

// CheckFunc reports the health of a dependency
type CheckFunc func(ctx context.Context) error

// Service coordinates the queue and the event bus for the API layer
type Service struct {
	queue   JobQueue
	bus     *events.Bus
	metrics metrics.Recorder
	checks  map[string]CheckFunc
	logger  *logger.Logger
}

// NewService creates a new service instance
func NewService(q JobQueue, bus *events.Bus, rec metrics.Recorder, log *logger.Logger) *Service {
	if rec == nil {
		rec = metrics.Noop{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		queue:   q,
		bus:     bus,
		metrics: rec,
		checks:  make(map[string]CheckFunc),
		logger:  log,
	}
}

// AddHealthCheck registers an extra dependency check reported by HealthCheck
func (s *Service) AddHealthCheck(name string, fn CheckFunc) {
	s.checks[name] = fn
}

// SubmitJob validates and enqueues a job request
func (s *Service) SubmitJob(ctx context.Context, req models.JobRequest) (*models.Job, error) {
	log := logger.FromContext(ctx, s.logger)

	if err := req.Validate(); err != nil {
		log.Debug("service: job request rejected", "error", err)
		return nil, err
	}

	job, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		log.Error("service: enqueue failed", "error", err)
		return nil, fmt.Errorf("submit job: %w", err)
	}
	s.metrics.JobEnqueued()

	log.Info("service: job submitted",
		"job_id", job.ID,
		"user_id", req.UserID,
		"metric_type", req.MetricType)
	return job, nil
}

// GetJobStatus returns the queue view of a job
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*models.JobStatus, error) {
	log := logger.FromContext(ctx, s.logger)

	status, err := s.queue.Status(ctx, jobID)
	if err != nil {
		if !errors.Is(err, queue.ErrJobNotFound) {
			log.Error("service: job status failed", "job_id", jobID, "error", err)
		}
		return nil, err
	}

	log.Debug("service: job status retrieved", "job_id", jobID, "state", status.State)
	return status, nil
}

// CancelJob requests cancellation. The boolean reports whether the job was
// known; callers acknowledge the request either way.
func (s *Service) CancelJob(ctx context.Context, jobID string) (bool, error) {
	log := logger.FromContext(ctx, s.logger)

	found, err := s.queue.Cancel(ctx, jobID)
	if err != nil {
		log.Error("service: cancel failed", "job_id", jobID, "error", err)
		return false, err
	}
	s.metrics.JobCancelRequested(found)

	log.Info("service: cancel requested", "job_id", jobID, "found", found)
	return found, nil
}

// OpenStream verifies the job token and subscribes to the job's events.
// The caller must Close the subscription.
func (s *Service) OpenStream(ctx context.Context, jobID, token string) (*events.Subscription, error) {
	log := logger.FromContext(ctx, s.logger)

	if token == "" {
		log.Warn("service: stream refused, no token", "job_id", jobID)
		return nil, ErrMissingToken
	}
	if err := s.queue.VerifyToken(ctx, jobID, token); err != nil {
		log.Warn("service: stream refused", "job_id", jobID, "error", err)
		return nil, err
	}

	sub := s.bus.Subscribe(jobID)
	log.Info("service: stream opened", "job_id", jobID)
	return sub, nil
}

// IngestEvent republishes an event received from a worker into the local bus
func (s *Service) IngestEvent(ctx context.Context, jobID string, event models.JobEvent) error {
	log := logger.FromContext(ctx, s.logger)

	if jobID == "" || !event.Type.Valid() {
		return ErrInvalidEvent
	}
	if event.JobID != "" && event.JobID != jobID {
		log.Warn("service: ingress event job id mismatch, using path id",
			"job_id", jobID,
			"event_job_id", event.JobID)
	}

	if err := s.bus.Publish(ctx, jobID, event); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	s.metrics.EventIngested(string(event.Type))

	log.Debug("service: event ingested",
		"job_id", jobID,
		"type", event.Type,
		"subscribers", s.bus.SubscriberCount(jobID))
	return nil
}

// HealthCheck performs health checks on the queue and registered dependencies
func (s *Service) HealthCheck(ctx context.Context) map[string]interface{} {
	log := logger.FromContext(ctx, s.logger)

	health := map[string]interface{}{
		"status":  "healthy",
		"service": "simple-analytics-gateway",
	}
	checks := make(map[string]interface{})
	health["checks"] = checks

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.queue.Ping(healthCtx); err != nil {
		log.Warn("service: queue health check failed", "error", err)
		checks["queue"] = map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		}
		health["status"] = "unhealthy"
	} else {
		queueCheck := map[string]interface{}{"status": "healthy"}
		if stats, err := s.queue.Stats(healthCtx); err == nil {
			queueCheck["depth"] = stats
		}
		checks["queue"] = queueCheck
	}

	checks["streams"] = map[string]interface{}{
		"status":      "healthy",
		"active_jobs": s.bus.ActiveJobs(),
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.checks[name](healthCtx); err != nil {
			log.Warn("service: dependency health check failed", "check", name, "error", err)
			checks[name] = map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			}
			if health["status"] == "healthy" {
				health["status"] = "degraded"
			}
			continue
		}
		checks[name] = map[string]interface{}{"status": "healthy"}
	}

	log.Debug("service: health check completed", "status", health["status"])
	return health
}
