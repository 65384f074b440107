package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/pkg/logger"
)

// ErrIngressRejected indicates the gateway refused an event
var ErrIngressRejected = errors.New("event ingress rejected")

// IngressPath returns the gateway path events for jobID are posted to
func IngressPath(jobID string) string {
	return "/internal/jobs/" + url.PathEscape(jobID) + "/event"
}

// HTTPPublisher posts events to the gateway's ingress endpoint
type HTTPPublisher struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewHTTPPublisher creates a publisher targeting baseURL
func NewHTTPPublisher(baseURL string, timeout time.Duration, log *logger.Logger) *HTTPPublisher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &HTTPPublisher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log,
	}
}

// Publish sends one event and waits for the gateway to accept it
func (p *HTTPPublisher) Publish(ctx context.Context, jobID string, event models.JobEvent) error {
	event.JobID = jobID
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	path := IngressPath(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error("events: ingress request failed",
			"job_id", jobID,
			"type", event.Type,
			"error", err)
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", ErrIngressRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	p.logger.Debug("events: event forwarded",
		"job_id", jobID,
		"type", event.Type,
		"status", resp.StatusCode)
	return nil
}
