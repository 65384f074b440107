// Package gateway assembles the analytics API and worker processes so they
// can be run standalone or embedded into other Go applications.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/lei/simple-analytics/internal/api"
	"github.com/lei/simple-analytics/internal/config"
	"github.com/lei/simple-analytics/internal/events"
	"github.com/lei/simple-analytics/internal/metrics"
	"github.com/lei/simple-analytics/internal/queue"
	"github.com/lei/simple-analytics/internal/service"
	"github.com/lei/simple-analytics/pkg/logger"
)

// Configuration types shared by the gateway and the worker
type (
	Config          = config.Config
	ServerConfig    = config.ServerConfig
	AuthConfig      = config.AuthConfig
	APIKey          = config.APIKey
	CORSConfig      = config.CORSConfig
	RedisConfig     = config.RedisConfig
	QueueConfig     = config.QueueConfig
	EventsConfig    = config.EventsConfig
	AIBackendConfig = config.AIBackendConfig
	AnalyticsConfig = config.AnalyticsConfig
	MetadataConfig  = config.MetadataConfig
	PipelineConfig  = config.PipelineConfig
	LoggingConfig   = config.LoggingConfig
	MetricsConfig   = config.MetricsConfig
)

// LoadConfig reads a YAML config file and applies defaults
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

const shutdownTimeout = 30 * time.Second

// Option customizes New and NewWorker
type Option func(*options)

type options struct {
	publisher events.Publisher
	logger    *logger.Logger
}

// WithPublisher sends worker job events to p instead of the configured
// transport. Pass Gateway.Publisher() to run a worker inside the gateway's
// process. New ignores it.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithLogger overrides the logger built from the logging config
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

func applyOptions(cfg *Config, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	return o
}

// Gateway is the API process: job submission, status, cancel, event
// streams and the worker event ingress
type Gateway struct {
	config   *Config
	queue    *queue.RedisQueue
	bus      *events.Bus
	service  *service.Service
	nats     *events.NatsTransport
	registry *prometheus.Registry
	router   http.Handler
	server   *http.Server
	internal *http.Server
	logger   *logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// New creates a Gateway and connects to its backing services
func New(cfg *Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	cfg.ApplyDefaults()
	if err := cfg.ValidateGateway(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}

	appLogger := applyOptions(cfg, opts).logger

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom, err := metrics.NewProm(cfg.Metrics.Namespace, registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	q, err := queue.NewRedisQueue(cfg.Redis.URL, queueOptions(cfg), appLogger)
	if err != nil {
		return nil, fmt.Errorf("initialize job queue: %w", err)
	}

	registry.MustRegister(metrics.NewQueueDepthCollector(cfg.Metrics.Namespace, func(ctx context.Context) (map[string]int64, error) {
		stats, err := q.Stats(ctx)
		return stats.ByState(), err
	}))

	bus := events.NewBus(
		events.WithBuffer(cfg.Events.SubscriberBuffer),
		events.WithObserver(prom),
		events.WithLogger(appLogger),
	)

	svc := service.NewService(q, bus, prom, appLogger)

	g := &Gateway{
		config:   cfg,
		queue:    q,
		bus:      bus,
		service:  svc,
		registry: registry,
		logger:   appLogger,
	}

	if cfg.Events.Transport == config.TransportNATS {
		nt, err := events.DialNats(cfg.Events.NatsURL, "simple-analytics-gateway", appLogger)
		if err != nil {
			q.Close()
			return nil, fmt.Errorf("initialize nats bridge: %w", err)
		}
		if err := nt.Bridge(bus); err != nil {
			nt.Close()
			q.Close()
			return nil, err
		}
		g.nats = nt
		svc.AddHealthCheck("nats", func(context.Context) error {
			if !nt.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
		appLogger.Info("nats bridge started", "url", cfg.Events.NatsURL, "subject", events.Subject("*"))
	}

	handlers := api.NewHandlers(svc, cfg.Events.Keepalive, cfg.Events.MaxEventBytes)
	authMiddleware := api.NewAuthMiddleware(cfg.Auth.APIKeys)
	loggingMiddleware := api.NewLoggingMiddleware(appLogger)

	g.router = api.NewRouter(handlers, authMiddleware, loggingMiddleware, api.RouterOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		MaxInFlight:    cfg.Server.MaxInFlight,
		MountIngress:   cfg.Server.InternalPort == 0,
		HTTPMetrics:    prom,
		MetricsHandler: metrics.Handler(registry),
	})

	g.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      g.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if cfg.Server.InternalPort != 0 {
		g.internal = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.InternalPort),
			Handler:      api.NewInternalRouter(handlers, loggingMiddleware),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	return g, nil
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
// This is a blocking call.
func (g *Gateway) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	servers := []*http.Server{g.server}
	if g.internal != nil {
		servers = append(servers, g.internal)
	}

	for _, srv := range servers {
		srv := srv
		group.Go(func() error {
			g.logger.Info("starting http server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		g.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var err error
		for _, srv := range servers {
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				srv.Close()
				err = multierr.Append(err, fmt.Errorf("graceful shutdown failed: %w", serr))
			}
		}
		return err
	})

	err := group.Wait()
	err = multierr.Append(err, g.Close())
	if err == nil {
		g.logger.Info("server stopped gracefully")
	}
	return err
}

// Close releases the queue and event transport connections
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.closeErr = multierr.Append(g.nats.Close(), g.queue.Close())
		g.logger.Sync()
	})
	return g.closeErr
}

// Handler returns the http.Handler for the gateway.
// Use this to mount the gateway inside an existing HTTP server.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Service returns the underlying service layer
func (g *Gateway) Service() *service.Service {
	return g.service
}

// Publisher returns the gateway's local event bus for an in-process worker
func (g *Gateway) Publisher() events.Publisher {
	return g.bus
}

// Registry returns the Prometheus registry served on /metrics
func (g *Gateway) Registry() *prometheus.Registry {
	return g.registry
}

func queueOptions(cfg *Config) queue.Options {
	return queue.Options{
		Name:               cfg.Queue.Name,
		TokenTTL:           cfg.Queue.TokenTTL,
		CompletedRetention: cfg.Queue.CompletedRetention,
		FailedRetention:    cfg.Queue.FailedRetention,
		StallTimeout:       cfg.Queue.StallTimeout,
	}
}
