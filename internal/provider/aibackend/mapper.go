package aibackend

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/internal/provider"
)

const defaultDialect = "tsql"

type generateSQLRequest struct {
	NaturalLanguage string                 `json:"natural_language"`
	TimeRange       string                 `json:"time_range,omitempty"`
	MetricType      string                 `json:"metric_type,omitempty"`
	Filters         map[string]interface{} `json:"filters,omitempty"`
	Metadata        *models.Metadata       `json:"metadata,omitempty"`
	UserID          int                    `json:"user_id,omitempty"`
	JobID           string                 `json:"job_id,omitempty"`
}

type generateSQLResponse struct {
	GeneratedSQL string   `json:"generated_sql"`
	SQL          string   `json:"sql"`
	Reasoning    string   `json:"reasoning"`
	Warnings     []string `json:"warnings"`
}

type analyzeRequest struct {
	Rows     []models.Row     `json:"rows"`
	Columns  []string         `json:"columns,omitempty"`
	Query    string           `json:"query"`
	SQL      string           `json:"sql"`
	Metadata *models.Metadata `json:"metadata,omitempty"`
}

type analyzeResponse struct {
	Analysis        string   `json:"analysis"`
	Anomalies       []string `json:"anomalies"`
	Recommendations []string `json:"recommendations"`
}

type explainRequest struct {
	SQL     string `json:"sql"`
	Dialect string `json:"dialect"`
}

type explainResponse struct {
	Explanation string   `json:"explanation"`
	KeyPoints   []string `json:"key_points"`
}

// mapGenerateRequest converts a pipeline request to the wire shape
func mapGenerateRequest(req provider.GenerateRequest) *generateSQLRequest {
	return &generateSQLRequest{
		NaturalLanguage: req.NaturalLanguage,
		TimeRange:       req.TimeRange,
		MetricType:      req.MetricType,
		Filters:         req.Filters,
		Metadata:        req.Metadata,
		UserID:          req.UserID,
		JobID:           req.JobID,
	}
}

// mapGenerateResponse accepts either generated_sql or sql
func mapGenerateResponse(resp *generateSQLResponse) *provider.GenerateResult {
	sql := resp.GeneratedSQL
	if strings.TrimSpace(sql) == "" {
		sql = resp.SQL
	}
	return &provider.GenerateResult{
		SQL:       sql,
		Reasoning: resp.Reasoning,
		Warnings:  resp.Warnings,
	}
}

// mapAnalyzeRequest fills in column names from the rows when absent
func mapAnalyzeRequest(req provider.AnalyzeRequest) *analyzeRequest {
	columns := req.Columns
	if len(columns) == 0 {
		columns = columnsOf(req.Rows)
	}
	rows := req.Rows
	if rows == nil {
		rows = []models.Row{}
	}
	return &analyzeRequest{
		Rows:     rows,
		Columns:  columns,
		Query:    req.Query,
		SQL:      req.SQL,
		Metadata: req.Metadata,
	}
}

// mapAnalyzeResponse never returns nil slices so clients always see arrays
func mapAnalyzeResponse(resp *analyzeResponse) *models.AnalysisResult {
	result := &models.AnalysisResult{
		Analysis:        resp.Analysis,
		Anomalies:       resp.Anomalies,
		Recommendations: resp.Recommendations,
	}
	if result.Anomalies == nil {
		result.Anomalies = []string{}
	}
	if result.Recommendations == nil {
		result.Recommendations = []string{}
	}
	return result
}

func columnsOf(rows []models.Row) []string {
	if len(rows) == 0 {
		return nil
	}
	columns := make([]string, 0, len(rows[0]))
	for name := range rows[0] {
		columns = append(columns, name)
	}
	sort.Strings(columns)
	return columns
}

// parseError converts HTTP error responses to provider errors
func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	message := strings.TrimSpace(string(body))
	var errResp struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		switch {
		case errResp.Error != "":
			message = errResp.Error
		case errResp.Detail != "":
			message = errResp.Detail
		}
	}

	upstream := &provider.UpstreamError{
		Code:    resp.StatusCode,
		Message: message,
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		upstream.Err = provider.ErrUnauthorized
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		upstream.Err = provider.ErrUnavailable
	}
	return upstream
}
