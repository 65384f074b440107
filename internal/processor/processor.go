// Package processor runs the staged analytics pipeline for a single job.
package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/lei/simple-analytics/internal/analytics"
	"github.com/lei/simple-analytics/internal/events"
	"github.com/lei/simple-analytics/internal/metadata"
	"github.com/lei/simple-analytics/internal/metrics"
	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/internal/provider"
	"github.com/lei/simple-analytics/internal/sqlsafety"
	"github.com/lei/simple-analytics/pkg/logger"
)

// Messages carried by pipeline events
const (
	MsgReceived       = "Job received. Fetching context..."
	MsgContextFetched = "Context fetched. Generating SQL..."
	MsgSQLValidated   = "SQL generated. Validating safety..."
	MsgExplained      = "SQL explanation available."
	MsgExecuting      = "Executing query on database..."
	MsgAnalyzing      = "AI is analyzing the data for insights..."
	MsgDone           = "Analysis complete."
	MsgCancelled      = "Job cancelled"
	MsgGeneration     = "AI Service failed to generate a valid SQL query."
	MsgAnalysisFailed = "Failed to generate analysis."
	MsgRowsOmitted    = "Result too large to stream; rows omitted."
	MsgInternal       = "Internal error while processing the job."
)

// ErrPanic wraps a panic recovered while running the pipeline
var ErrPanic = errors.New("processor panicked")

// Progress reported with each event
const (
	progressReceived  = 0.05
	progressContext   = 0.2
	progressValidated = 0.4
	progressExplained = 0.45
	progressExecuting = 0.5
	progressData      = 0.7
	progressAnalyzing = 0.8
	progressDone      = 1.0
)

// QueryRunner executes validated statements
type QueryRunner interface {
	Query(ctx context.Context, statement string) (*analytics.Result, error)
}

// CancelChecker reports advisory cancel requests
type CancelChecker interface {
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}

// Options toggles optional pipeline behavior
type Options struct {
	ExplainSQL bool
}

// Deps are the collaborators of a Processor
type Deps struct {
	Metadata  metadata.Store
	Provider  provider.Provider
	Runner    QueryRunner
	Publisher events.Publisher
	Cancels   CancelChecker
	Metrics   metrics.Recorder
}

// Processor executes jobs one stage at a time
type Processor struct {
	metadata  metadata.Store
	provider  provider.Provider
	runner    QueryRunner
	publisher events.Publisher
	cancels   CancelChecker
	metrics   metrics.Recorder
	opts      Options
	logger    *logger.Logger
}

// New creates a processor
func New(deps Deps, opts Options, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	return &Processor{
		metadata:  deps.Metadata,
		provider:  deps.Provider,
		runner:    deps.Runner,
		publisher: deps.Publisher,
		cancels:   deps.Cancels,
		metrics:   deps.Metrics,
		opts:      opts,
		logger:    log,
	}
}

// run carries per-job state through the stages
type run struct {
	p     *Processor
	job   *models.Job
	ctx   context.Context
	log   *logger.Logger
	stage models.Stage

	// terminal is set once a done or error event was published
	terminal bool
}

// Process runs every stage for job and emits exactly one terminal event.
// The returned error is the cause of the terminal error event, if any.
// A panic in any stage is reported as an error event wrapping ErrPanic.
func (p *Processor) Process(ctx context.Context, job *models.Job) (err error) {
	log := p.logger.With("job_id", job.ID)
	r := &run{
		p:     p,
		job:   job,
		ctx:   logger.NewContext(ctx, log),
		log:   log,
		stage: models.StageReceived,
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("processor: stage panicked",
				"stage", r.stage,
				"panic", rec,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, rec)
			if !r.terminal {
				r.fail(err)
			}
		}
	}()

	if err := r.execute(); err != nil {
		r.fail(err)
		return err
	}
	return nil
}

func (r *run) execute() error {
	req := r.job.Request

	r.emit(models.JobEvent{Type: models.EventTypeStep, Message: MsgReceived, Progress: progressReceived})

	// CONTEXT_FETCHED
	if err := r.checkCancel(); err != nil {
		return err
	}
	subject := req.MetricType
	if subject == "" {
		subject = req.NaturalLanguageQuery
	}
	var md *models.Metadata
	err := r.timed(models.StageContextFetched, func() error {
		var err error
		md, err = r.p.metadata.Fetch(r.ctx, subject)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch metadata: %w", err)
	}
	r.emit(models.JobEvent{Type: models.EventTypeStep, Message: MsgContextFetched, Progress: progressContext})

	// SQL_GENERATED
	if err := r.checkCancel(); err != nil {
		return err
	}
	var generated *provider.GenerateResult
	err = r.timed(models.StageSQLGenerated, func() error {
		var err error
		generated, err = r.p.provider.GenerateSQL(r.ctx, provider.GenerateRequest{
			NaturalLanguage: req.NaturalLanguageQuery,
			TimeRange:       req.TimeRange,
			MetricType:      req.MetricType,
			Filters:         req.Filters,
			Metadata:        md,
			UserID:          req.UserID,
			JobID:           r.job.ID,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("generate sql: %w", err)
	}
	if generated == nil {
		return provider.ErrGeneration
	}
	statement := sqlsafety.Normalize(generated.SQL)
	if statement == "" {
		return provider.ErrGeneration
	}

	// SQL_VALIDATED
	r.stage = models.StageSQLValidated
	if err := sqlsafety.EnsureSafe(statement); err != nil {
		r.p.metrics.SafetyRejected()
		r.log.Warn("processor: generated sql rejected", "error", err)
		return err
	}
	r.emit(models.JobEvent{
		Type:     models.EventTypeStep,
		Message:  MsgSQLValidated,
		Progress: progressValidated,
		SQLQuery: statement,
	})

	if r.p.opts.ExplainSQL {
		r.explain(statement)
	}

	// EXECUTED
	if err := r.checkCancel(); err != nil {
		return err
	}
	r.emit(models.JobEvent{Type: models.EventTypeStep, Message: MsgExecuting, Progress: progressExecuting})
	var result *analytics.Result
	err = r.timed(models.StageExecuted, func() error {
		var err error
		result, err = r.p.runner.Query(r.ctx, statement)
		return err
	})
	if err != nil {
		return err
	}
	if result == nil {
		result = &analytics.Result{}
	}
	r.emitRows(models.JobEvent{
		Type:      models.EventTypeData,
		Message:   dataMessage(len(result.Rows)),
		Progress:  progressData,
		Rows:      result.Rows,
		Truncated: result.Truncated,
	})

	// ANALYZED
	var analysis *models.AnalysisResult
	if len(result.Rows) > 0 {
		if err := r.checkCancel(); err != nil {
			return err
		}
		r.emit(models.JobEvent{Type: models.EventTypeStep, Message: MsgAnalyzing, Progress: progressAnalyzing})
		analysis = r.analyze(statement, result, md)
	}

	// DONE
	r.stage = models.StageDone
	err = r.emitRows(models.JobEvent{
		Type:      models.EventTypeDone,
		Message:   MsgDone,
		Progress:  progressDone,
		Rows:      result.Rows,
		Truncated: result.Truncated,
		Analysis:  analysis,
	})
	if err != nil {
		return fmt.Errorf("publish done event: %w", err)
	}
	r.terminal = true
	r.log.Info("processor: job complete",
		"rows", len(result.Rows),
		"truncated", result.Truncated,
		"analyzed", analysis != nil)
	return nil
}

// analyze never fails the job; errors degrade to a placeholder result
func (r *run) analyze(statement string, result *analytics.Result, md *models.Metadata) *models.AnalysisResult {
	var analysis *models.AnalysisResult
	err := r.timed(models.StageAnalyzed, func() error {
		var err error
		analysis, err = r.p.provider.AnalyzeResults(r.ctx, provider.AnalyzeRequest{
			Rows:     result.Rows,
			Columns:  result.Columns,
			Query:    r.job.Request.NaturalLanguageQuery,
			SQL:      statement,
			Metadata: md,
		})
		return err
	})
	if err != nil || analysis == nil {
		r.log.Warn("processor: analysis failed, using placeholder", "error", err)
		return DegradedAnalysis()
	}
	return analysis
}

// explain emits a reasoning event; failures are logged and ignored
func (r *run) explain(statement string) {
	exp, err := r.p.provider.ExplainSQL(r.ctx, statement)
	if err != nil {
		r.log.Warn("processor: explain sql failed", "error", err)
		return
	}
	if exp == nil || strings.TrimSpace(exp.Explanation) == "" {
		return
	}
	r.emit(models.JobEvent{
		Type:           models.EventTypeReasoning,
		Message:        MsgExplained,
		Progress:       progressExplained,
		SQLExplanation: exp.Explanation,
	})
}

// checkCancel is called at stage boundaries only
func (r *run) checkCancel() error {
	if r.p.cancels == nil {
		return nil
	}
	requested, err := r.p.cancels.CancelRequested(r.ctx, r.job.ID)
	if err != nil {
		r.log.Warn("processor: cancel check failed", "error", err)
		return nil
	}
	if requested {
		r.log.Info("processor: cancel observed", "stage", r.stage)
		return models.ErrJobCancelled
	}
	return nil
}

func (r *run) timed(stage models.Stage, fn func() error) error {
	r.stage = stage
	start := time.Now()
	err := fn()
	r.p.metrics.ObserveStage(string(stage), time.Since(start).Seconds())
	return err
}

// emit publishes event. Failures of non-terminal events are logged and
// otherwise ignored; callers that must deliver check the error.
func (r *run) emit(event models.JobEvent) error {
	err := r.p.publisher.Publish(r.ctx, r.job.ID, event)
	if err != nil {
		r.log.Warn("processor: publish event failed",
			"type", event.Type,
			"rows", len(event.Rows),
			"error", err)
	}
	return err
}

// emitRows publishes an event carrying a result set. When the transport
// refuses it, the event is sent again without rows so the stream still
// sees the stage.
func (r *run) emitRows(event models.JobEvent) error {
	err := r.emit(event)
	if err == nil || len(event.Rows) == 0 {
		return err
	}
	event.Rows = nil
	event.Message = MsgRowsOmitted
	return r.emit(event)
}

func (r *run) fail(err error) {
	r.log.Error("processor: job failed", "stage", r.stage, "error", err)
	r.stage = models.StageError
	r.terminal = true
	r.emit(models.JobEvent{
		Type:    models.EventTypeError,
		Message: FailureMessage(err),
		Error:   err.Error(),
	})
}

// FailureMessage is the human-readable text for a terminal error event
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrJobCancelled):
		return MsgCancelled
	case errors.Is(err, sqlsafety.ErrSafetyViolation):
		return sqlsafety.ViolationMessage
	case errors.Is(err, provider.ErrGeneration):
		return MsgGeneration
	case errors.Is(err, ErrPanic):
		return MsgInternal
	default:
		return err.Error()
	}
}

// DegradedAnalysis is substituted when the analysis call fails
func DegradedAnalysis() *models.AnalysisResult {
	return &models.AnalysisResult{
		Analysis:        MsgAnalysisFailed,
		Anomalies:       []string{},
		Recommendations: []string{},
	}
}

func dataMessage(n int) string {
	if n == 0 {
		return "Query returned 0 rows."
	}
	return fmt.Sprintf("Query returned %d rows. Analyzing results...", n)
}
