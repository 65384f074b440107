package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/lei/simple-analytics/internal/analytics"
	"github.com/lei/simple-analytics/internal/config"
	"github.com/lei/simple-analytics/internal/events"
	"github.com/lei/simple-analytics/internal/metadata"
	"github.com/lei/simple-analytics/internal/metrics"
	"github.com/lei/simple-analytics/internal/processor"
	"github.com/lei/simple-analytics/internal/provider/aibackend"
	"github.com/lei/simple-analytics/internal/queue"
	"github.com/lei/simple-analytics/internal/sqldb"
	"github.com/lei/simple-analytics/internal/worker"
	"github.com/lei/simple-analytics/pkg/logger"
)

// Worker is the job processing process: it consumes the queue, runs the
// pipeline and publishes progress events
type Worker struct {
	config    *Config
	queue     *queue.RedisQueue
	analytics *sql.DB
	metadata  *sql.DB
	nats      *events.NatsTransport
	pool      *worker.Pool
	pruner    *worker.Pruner
	metrics   *http.Server
	logger    *logger.Logger
	closeOnce sync.Once
	closeErr  error
}

// NewWorker connects to every backing service and fails fast if one is
// unreachable
func NewWorker(ctx context.Context, cfg *Config, opts ...Option) (w *Worker, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	cfg.ApplyDefaults()
	if err := cfg.ValidateWorker(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}

	o := applyOptions(cfg, opts)
	appLogger := o.logger

	w = &Worker{config: cfg, logger: appLogger}
	defer func() {
		if err != nil {
			w.Close()
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom, err := metrics.NewProm(cfg.Metrics.Namespace, registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	w.queue, err = queue.NewRedisQueue(cfg.Redis.URL, queueOptions(cfg), appLogger)
	if err != nil {
		return nil, fmt.Errorf("initialize job queue: %w", err)
	}

	w.analytics, err = sqldb.Open(ctx, sqldb.Options{
		Driver:       cfg.Analytics.Driver,
		DSN:          cfg.Analytics.DSN,
		MaxOpenConns: cfg.Analytics.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("analytics database: %w", err)
	}

	store, err := w.openMetadata(ctx)
	if err != nil {
		return nil, err
	}

	publisher := o.publisher
	if publisher == nil {
		publisher, err = w.openPublisher()
		if err != nil {
			return nil, err
		}
	}

	proc := processor.New(processor.Deps{
		Metadata: store,
		Provider: aibackend.NewAdapter(&aibackend.Config{
			URL:     cfg.AIBackend.URL,
			APIKey:  cfg.AIBackend.APIKey,
			Timeout: cfg.AIBackend.Timeout,
			Dialect: cfg.AIBackend.Dialect,
		}, appLogger),
		Runner: analytics.NewExecutor(w.analytics, analytics.Options{
			QueryTimeout: cfg.Analytics.QueryTimeout,
			MaxRows:      cfg.Analytics.MaxRows,
		}, appLogger),
		Publisher: publisher,
		Cancels:   w.queue,
		Metrics:   prom,
	}, processor.Options{ExplainSQL: cfg.Pipeline.ExplainSQL}, appLogger)

	w.pool = worker.NewPool(w.queue, proc, prom, worker.Options{
		Concurrency:       cfg.Queue.Concurrency,
		PollTimeout:       cfg.Queue.PollTimeout,
		HeartbeatInterval: cfg.Queue.StallTimeout / 4,
	}, appLogger)

	w.pruner, err = worker.NewPruner(w.queue, publisher, cfg.Queue.PruneSchedule, appLogger)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Port != 0 {
		w.metrics = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metrics.Handler(registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return w, nil
}

func (w *Worker) openMetadata(ctx context.Context) (metadata.Store, error) {
	cfg := w.config.Metadata
	if strings.EqualFold(cfg.Driver, "yaml") {
		md, err := config.LoadCatalog(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("metadata catalog: %w", err)
		}
		return metadata.NewStaticStore(md), nil
	}

	if cfg.Driver == w.config.Analytics.Driver && cfg.DSN == w.config.Analytics.DSN {
		return metadata.NewSQLStore(w.analytics, cfg.Examples, w.logger), nil
	}

	db, err := sqldb.Open(ctx, sqldb.Options{Driver: cfg.Driver, DSN: cfg.DSN, MaxOpenConns: 4})
	if err != nil {
		return nil, fmt.Errorf("metadata database: %w", err)
	}
	w.metadata = db
	return metadata.NewSQLStore(db, cfg.Examples, w.logger), nil
}

func (w *Worker) openPublisher() (events.Publisher, error) {
	cfg := w.config.Events
	if cfg.Transport == config.TransportNATS {
		nt, err := events.DialNats(cfg.NatsURL, "simple-analytics-worker", w.logger)
		if err != nil {
			return nil, fmt.Errorf("initialize nats publisher: %w", err)
		}
		w.nats = nt
		return nt, nil
	}
	return events.NewHTTPPublisher(cfg.IngressURL, cfg.PublishTimeout, w.logger), nil
}

// Run consumes jobs until ctx is cancelled. In-flight jobs finish before
// Run returns. This is a blocking call.
func (w *Worker) Run(ctx context.Context) error {
	w.pruner.Start()
	defer w.pruner.Stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		w.logger.Info("worker started",
			"queue", w.config.Queue.Name,
			"concurrency", w.config.Queue.Concurrency,
			"transport", w.config.Events.Transport)
		return w.pool.Run(gctx)
	})

	if w.metrics != nil {
		group.Go(func() error {
			w.logger.Info("starting metrics server", "addr", w.metrics.Addr)
			if err := w.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return w.metrics.Shutdown(shutdownCtx)
		})
	}

	err := group.Wait()
	if w.nats != nil {
		err = multierr.Append(err, w.nats.Flush(w.config.Events.PublishTimeout))
	}
	err = multierr.Append(err, w.Close())
	if err == nil {
		w.logger.Info("worker stopped gracefully")
	}
	return err
}

// Active reports the number of jobs currently being processed
func (w *Worker) Active() int64 {
	return w.pool.Active()
}

// Close releases every connection the worker holds
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		err := w.nats.Close()
		if w.queue != nil {
			err = multierr.Append(err, w.queue.Close())
		}
		if w.metadata != nil {
			err = multierr.Append(err, w.metadata.Close())
		}
		if w.analytics != nil {
			err = multierr.Append(err, w.analytics.Close())
		}
		w.logger.Sync()
		w.closeErr = err
	})
	return w.closeErr
}
