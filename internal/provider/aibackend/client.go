package aibackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lei/simple-analytics/internal/provider"
	"github.com/lei/simple-analytics/pkg/logger"
)

const (
	pathGenerateSQL    = "/v1/generate_sql"
	pathAnalyzeResults = "/v1/analyze_results"
	pathExplainSQL     = "/v1/explain_sql"
)

// Client handles HTTP communication with the AI backend
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a new AI backend client
func NewClient(baseURL, apiKey string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log,
	}
}

// doRequest performs an HTTP request against the backend
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	log := logger.FromContext(ctx, c.logger)
	log.Debug("provider: http request",
		"method", method,
		"path", path)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		log.Error("provider: failed to create request", "error", err)
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("provider: http request failed",
			"method", method,
			"path", path,
			"duration", time.Since(start),
			"error", err)
		return nil, &provider.UpstreamError{Message: "request failed", Err: err}
	}

	log.Debug("provider: http response",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	return resp, nil
}

// postJSON sends in as JSON to path and decodes the response into out
func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &provider.UpstreamError{
			Code:    resp.StatusCode,
			Message: "decode response",
			Err:     err,
		}
	}
	return nil
}

// generateSQL calls /v1/generate_sql
func (c *Client) generateSQL(ctx context.Context, req *generateSQLRequest) (*generateSQLResponse, error) {
	var resp generateSQLResponse
	if err := c.postJSON(ctx, pathGenerateSQL, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// analyzeResults calls /v1/analyze_results
func (c *Client) analyzeResults(ctx context.Context, req *analyzeRequest) (*analyzeResponse, error) {
	var resp analyzeResponse
	if err := c.postJSON(ctx, pathAnalyzeResults, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// explainSQL calls /v1/explain_sql
func (c *Client) explainSQL(ctx context.Context, req *explainRequest) (*explainResponse, error) {
	var resp explainResponse
	if err := c.postJSON(ctx, pathExplainSQL, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
