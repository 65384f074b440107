package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder captures job, pipeline and stream metrics
type Recorder interface {
	JobEnqueued()
	JobCancelRequested(found bool)
	JobFinished(outcome string)
	SafetyRejected()
	ObserveStage(stage string, durationSeconds float64)
	EventIngested(eventType string)
	SubscriberAdded()
	SubscriberRemoved()
	SubscriberDropped()
}

// HTTPMetrics captures request metrics for the API
type HTTPMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Job outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Noop implements Recorder and HTTPMetrics without emitting anything
type Noop struct{}

func (Noop) JobEnqueued()                                   {}
func (Noop) JobCancelRequested(bool)                        {}
func (Noop) JobFinished(string)                             {}
func (Noop) SafetyRejected()                                {}
func (Noop) ObserveStage(string, float64)                   {}
func (Noop) EventIngested(string)                           {}
func (Noop) SubscriberAdded()                               {}
func (Noop) SubscriberRemoved()                             {}
func (Noop) SubscriberDropped()                             {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Recorder and HTTPMetrics backed by Prometheus collectors
type Prom struct {
	jobsEnqueued   prometheus.Counter
	cancelRequests *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	safetyRejected prometheus.Counter
	stageDuration  *prometheus.HistogramVec
	eventsIngested *prometheus.CounterVec
	subscribers    prometheus.Gauge
	droppedSubs    prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
}

// NewProm creates the collectors and registers them on reg
func NewProm(namespace string, reg prometheus.Registerer) (*Prom, error) {
	p := &Prom{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted onto the queue",
		}),
		cancelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_cancel_requests_total",
			Help:      "Cancel requests by whether the job was found",
		}, []string{"found"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs finished by outcome",
		}, []string{"outcome"}),
		safetyRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sql_safety_rejections_total",
			Help:      "Generated statements rejected by the safety gate",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Pipeline stage latency",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Job events received from workers by type",
		}, []string{"type"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Open stream subscriptions",
		}),
		droppedSubs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_subscribers_dropped_total",
			Help:      "Subscribers dropped for falling behind",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	collectors := []prometheus.Collector{
		p.jobsEnqueued, p.cancelRequests, p.jobsFinished, p.safetyRejected,
		p.stageDuration, p.eventsIngested, p.subscribers, p.droppedSubs,
		p.httpRequests, p.httpLatency,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prom) JobEnqueued() { p.jobsEnqueued.Inc() }

func (p *Prom) JobCancelRequested(found bool) {
	label := "false"
	if found {
		label = "true"
	}
	p.cancelRequests.WithLabelValues(label).Inc()
}

func (p *Prom) JobFinished(outcome string) { p.jobsFinished.WithLabelValues(outcome).Inc() }

func (p *Prom) SafetyRejected() { p.safetyRejected.Inc() }

func (p *Prom) ObserveStage(stage string, durationSeconds float64) {
	p.stageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

func (p *Prom) EventIngested(eventType string) { p.eventsIngested.WithLabelValues(eventType).Inc() }

func (p *Prom) SubscriberAdded()   { p.subscribers.Inc() }
func (p *Prom) SubscriberRemoved() { p.subscribers.Dec() }
func (p *Prom) SubscriberDropped() { p.droppedSubs.Inc() }

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.httpRequests.WithLabelValues(method, route, status).Inc()
	p.httpLatency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler exposes the collectors in g over HTTP
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
