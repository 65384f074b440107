package aibackend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAdapter(&Config{URL: srv.URL, APIKey: "secret", Timeout: 5 * time.Second}, nil)
}

func TestGenerateSQLSendsContext(t *testing.T) {
	var got map[string]interface{}
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generate_sql", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"generated_sql": "SELECT 1",
			"reasoning":     "trivial",
		})
	})

	result, err := adapter.GenerateSQL(context.Background(), provider.GenerateRequest{
		NaturalLanguage: "avg cpu",
		MetricType:      "cpu",
		Filters:         map[string]interface{}{"env": "prod"},
		Metadata:        &models.Metadata{Tables: []models.TableInfo{{Schema: "dbo", Name: "Servers"}}},
		UserID:          3,
		JobID:           "job-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", result.SQL)
	assert.Equal(t, "trivial", result.Reasoning)

	assert.Equal(t, "avg cpu", got["natural_language"])
	assert.Equal(t, "cpu", got["metric_type"])
	assert.Equal(t, "job-1", got["job_id"])
	assert.Equal(t, float64(3), got["user_id"])
	metadata, ok := got["metadata"].(map[string]interface{})
	require.True(t, ok)
	tables := metadata["tables"].([]interface{})
	assert.Equal(t, "Servers", tables[0].(map[string]interface{})["name"])
}

func TestGenerateSQLFallsBackToSQLField(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sql":"SELECT 2"}`))
	})

	result, err := adapter.GenerateSQL(context.Background(), provider.GenerateRequest{NaturalLanguage: "q"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2", result.SQL)
}

func TestGenerateSQLEmpty(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"generated_sql":"  "}`))
	})

	_, err := adapter.GenerateSQL(context.Background(), provider.GenerateRequest{NaturalLanguage: "q"})
	assert.ErrorIs(t, err, provider.ErrGeneration)
}

func TestUpstreamErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		message  string
	}{
		{"bad request", http.StatusBadRequest, `{"detail":"natural_language required"}`, nil, "natural_language required"},
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key"}`, provider.ErrUnauthorized, "bad key"},
		{"unavailable", http.StatusServiceUnavailable, `overloaded`, provider.ErrUnavailable, "overloaded"},
		{"server error", http.StatusInternalServerError, `boom`, nil, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := adapter.GenerateSQL(context.Background(), provider.GenerateRequest{NaturalLanguage: "q"})
			require.Error(t, err)
			assert.ErrorIs(t, err, provider.ErrUpstream)

			var upstream *provider.UpstreamError
			require.True(t, errors.As(err, &upstream))
			assert.Equal(t, tt.status, upstream.Code)
			assert.Equal(t, tt.message, upstream.Message)
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
		})
	}
}

func TestUnreachableBackendIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	adapter := NewAdapter(&Config{URL: url, Timeout: time.Second}, nil)
	_, err := adapter.AnalyzeResults(context.Background(), provider.AnalyzeRequest{})
	assert.ErrorIs(t, err, provider.ErrUpstream)
}

func TestAnalyzeResults(t *testing.T) {
	var got analyzeRequest
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/analyze_results", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"analysis":"cpu is high on web-1"}`))
	})

	result, err := adapter.AnalyzeResults(context.Background(), provider.AnalyzeRequest{
		Rows:  []models.Row{{"server": "web-1", "avg_cpu": 91.5}},
		Query: "avg cpu",
		SQL:   "SELECT server, avg_cpu FROM t",
	})
	require.NoError(t, err)
	assert.Equal(t, "cpu is high on web-1", result.Analysis)
	assert.NotNil(t, result.Anomalies)
	assert.NotNil(t, result.Recommendations)

	assert.Equal(t, []string{"avg_cpu", "server"}, got.Columns)
	assert.Equal(t, "avg cpu", got.Query)
	require.Len(t, got.Rows, 1)
}

func TestExplainSQL(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var req explainRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tsql", req.Dialect)
		assert.Equal(t, "SELECT 1", req.SQL)
		w.Write([]byte(`{"explanation":"returns one","key_points":["constant"]}`))
	})

	exp, err := adapter.ExplainSQL(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "returns one", exp.Explanation)
	assert.Equal(t, []string{"constant"}, exp.KeyPoints)
}

func TestDecodeFailure(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	_, err := adapter.ExplainSQL(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, provider.ErrUpstream)
}
