package provider

import (
	"context"

	"github.com/lei/simple-analytics/internal/models"
)

// Provider abstracts the AI backend used by the job pipeline
type Provider interface {
	// GenerateSQL turns a natural-language question into a SQL statement
	GenerateSQL(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// AnalyzeResults produces a narrative over query results
	AnalyzeResults(ctx context.Context, req AnalyzeRequest) (*models.AnalysisResult, error)

	// ExplainSQL describes what a statement does in plain language
	ExplainSQL(ctx context.Context, sql string) (*Explanation, error)
}

// GenerateRequest contains the question, hints and schema context
type GenerateRequest struct {
	NaturalLanguage string
	TimeRange       string
	MetricType      string
	Filters         map[string]interface{}
	Metadata        *models.Metadata
	UserID          int
	JobID           string
}

// GenerateResult is the raw generation output before normalization
type GenerateResult struct {
	SQL       string
	Reasoning string
	Warnings  []string
}

// AnalyzeRequest contains the executed query and its rows
type AnalyzeRequest struct {
	Rows     []models.Row
	Columns  []string
	Query    string
	SQL      string
	Metadata *models.Metadata
}

// Explanation is a plain-language description of a statement
type Explanation struct {
	Explanation string
	KeyPoints   []string
}
