package aibackend

import (
	"context"
	"strings"
	"time"

	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/internal/provider"
	"github.com/lei/simple-analytics/pkg/logger"
)

// Adapter implements the Provider interface for the HTTP AI backend
type Adapter struct {
	client *Client
	config *Config
	logger *logger.Logger
}

// Config contains AI backend connection settings
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Dialect string
}

// NewAdapter creates a new AI backend adapter
func NewAdapter(cfg *Config, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Dialect == "" {
		cfg.Dialect = defaultDialect
	}
	return &Adapter{
		client: NewClient(cfg.URL, cfg.APIKey, cfg.Timeout, log),
		config: cfg,
		logger: log,
	}
}

// GenerateSQL implements Provider.GenerateSQL
func (a *Adapter) GenerateSQL(ctx context.Context, req provider.GenerateRequest) (*provider.GenerateResult, error) {
	log := logger.FromContext(ctx, a.logger)

	resp, err := a.client.generateSQL(ctx, mapGenerateRequest(req))
	if err != nil {
		log.Error("provider: generate sql failed", "job_id", req.JobID, "error", err)
		return nil, err
	}

	result := mapGenerateResponse(resp)
	if strings.TrimSpace(result.SQL) == "" {
		log.Warn("provider: backend returned no sql", "job_id", req.JobID)
		return nil, provider.ErrGeneration
	}
	if len(result.Warnings) > 0 {
		log.Info("provider: generation warnings", "job_id", req.JobID, "warnings", result.Warnings)
	}
	return result, nil
}

// AnalyzeResults implements Provider.AnalyzeResults
func (a *Adapter) AnalyzeResults(ctx context.Context, req provider.AnalyzeRequest) (*models.AnalysisResult, error) {
	resp, err := a.client.analyzeResults(ctx, mapAnalyzeRequest(req))
	if err != nil {
		logger.FromContext(ctx, a.logger).Error("provider: analyze results failed", "rows", len(req.Rows), "error", err)
		return nil, err
	}
	return mapAnalyzeResponse(resp), nil
}

// ExplainSQL implements Provider.ExplainSQL
func (a *Adapter) ExplainSQL(ctx context.Context, sql string) (*provider.Explanation, error) {
	resp, err := a.client.explainSQL(ctx, &explainRequest{SQL: sql, Dialect: a.config.Dialect})
	if err != nil {
		return nil, err
	}
	return &provider.Explanation{
		Explanation: resp.Explanation,
		KeyPoints:   resp.KeyPoints,
	}, nil
}
