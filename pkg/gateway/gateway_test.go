package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lei/simple-analytics/internal/config"
	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/internal/sqldb"
	"github.com/lei/simple-analytics/pkg/logger"
)

const testKey = "gateway-test-key"

const catalog = `
tables:
  - schema: main
    name: ServerMetrics
    description: per-minute host metrics
columns:
  - table_schema: main
    table_name: ServerMetrics
    name: server
    data_type: text
  - table_schema: main
    table_name: ServerMetrics
    name: cpu
    data_type: real
`

func startRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

// fakeAIBackend answers generate and analyze calls with fixed payloads
func fakeAIBackend(t *testing.T, sql string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/generate_sql":
			json.NewEncoder(w).Encode(map[string]interface{}{"generated_sql": sql})
		case "/v1/analyze_results":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"analysis":        "web-1 runs hot",
				"anomalies":       []string{"web-1"},
				"recommendations": []string{"scale out"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, redisAddr, aiURL string) *Config {
	t.Helper()
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "analytics.db")
	db, err := sqldb.Open(context.Background(), sqldb.Options{Driver: "sqlite", DSN: dbPath})
	require.NoError(t, err)
	_, err = db.Exec(`
CREATE TABLE ServerMetrics (server TEXT, cpu REAL);
INSERT INTO ServerMetrics VALUES ('web-1', 90), ('web-1', 93), ('db-1', 20);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalog), 0o644))

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
auth:
  api_keys:
    - name: tester
      key: %s
      user_id: 3
redis:
  url: redis://%s/0
queue:
  poll_timeout: 100ms
  completed_retention: 1h
ai_backend:
  url: %s
analytics:
  driver: sqlite
  dsn: %s
metadata:
  driver: yaml
  dsn: %s
events:
  keepalive: 1s
logging:
  level: error
`, testKey, redisAddr, aiURL, dbPath, catalogPath)))
	require.NoError(t, err)
	return cfg
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	cfg, err := config.Parse([]byte(`server: {port: 8080}`))
	require.NoError(t, err)
	_, err = New(cfg, WithLogger(logger.NewNop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_keys")

	_, err = NewWorker(context.Background(), cfg, WithLogger(logger.NewNop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ai_backend.url")
}

func TestNewFailsWhenRedisIsDown(t *testing.T) {
	srv := startRedis(t)
	cfg := testConfig(t, srv.Addr(), "http://127.0.0.1:1")
	srv.Close()

	_, err := New(cfg, WithLogger(logger.NewNop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job queue")

	_, err = NewWorker(context.Background(), cfg, WithLogger(logger.NewNop()))
	require.Error(t, err)
}

func TestGatewayHealth(t *testing.T) {
	srv := startRedis(t)
	cfg := testConfig(t, srv.Addr(), "http://127.0.0.1:1")

	gw, err := New(cfg, WithLogger(logger.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "simple-analytics-gateway", body["service"])
}

func TestGatewayStartStopsOnCancel(t *testing.T) {
	srv := startRedis(t)
	cfg := testConfig(t, srv.Addr(), "http://127.0.0.1:1")
	cfg.Server.Port = 0

	gw, err := New(cfg, WithLogger(logger.NewNop()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestSingleProcessJobLifecycle(t *testing.T) {
	srv := startRedis(t)
	ai := fakeAIBackend(t, "SELECT server, AVG(cpu) AS avg_cpu FROM ServerMetrics GROUP BY server ORDER BY avg_cpu DESC")
	cfg := testConfig(t, srv.Addr(), ai.URL)
	nop := WithLogger(logger.NewNop())

	gw, err := New(cfg, nop)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	req, _ := http.NewRequest("POST", server.URL+"/jobs",
		strings.NewReader(`{"naturalLanguageQuery":"which servers run hot?","metricType":"cpu"}`))
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var submitted struct {
		JobID    string `json:"jobId"`
		JobToken string `json:"jobToken"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	resp.Body.Close()
	require.NotEmpty(t, submitted.JobID)

	stream, err := http.Get(server.URL + "/v2/jobs/" + submitted.JobID + "/stream?t=" + submitted.JobToken)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)

	w, err := NewWorker(context.Background(), cfg, nop, WithPublisher(gw.Publisher()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- w.Run(ctx) }()

	var got []models.JobEvent
	received := make(chan struct{})
	go func() {
		defer close(received)
		scanner := bufio.NewScanner(stream.Body)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev models.JobEvent
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) != nil {
				return
			}
			got = append(got, ev)
			if ev.Type.Terminal() {
				return
			}
		}
	}()

	select {
	case <-received:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for terminal event")
	}

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, models.EventTypeDone, last.Type, "last event: %+v", last)
	require.Len(t, last.Rows, 2)
	assert.Equal(t, "web-1", last.Rows[0]["server"])
	require.NotNil(t, last.Analysis)
	assert.Equal(t, "web-1 runs hot", last.Analysis.Analysis)

	require.Eventually(t, func() bool {
		req, _ := http.NewRequest("GET", server.URL+"/jobs/"+submitted.JobID, nil)
		req.Header.Set("Authorization", "Bearer "+testKey)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st models.JobStatus
		if json.NewDecoder(resp.Body).Decode(&st) != nil {
			return false
		}
		return st.State == models.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
