package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/pkg/logger"
	"github.com/nats-io/nats.go"
)

const subjectPrefix = "jobs.events."

var (
	errNilTransport = errors.New("nats transport not initialized")
	errEmptyJobID   = errors.New("empty job id")
)

// Subject returns the NATS subject carrying events for jobID
func Subject(jobID string) string {
	if jobID == "" {
		return ""
	}
	return subjectPrefix + jobID
}

// jobIDFromSubject extracts the job id from an event subject
func jobIDFromSubject(subject string) (string, bool) {
	if !strings.HasPrefix(subject, subjectPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(subject, subjectPrefix)
	if id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// NatsTransport publishes job events over NATS and bridges them into a Bus
type NatsTransport struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *logger.Logger
}

// DialNats connects to the NATS server at url
func DialNats(url, name string, log *logger.Logger) (*NatsTransport, error) {
	if log == nil {
		log = logger.NewNop()
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("events: disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("events: reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("events: nats connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NatsTransport{nc: nc, logger: log}, nil
}

// Publish sends the event on the job's subject
func (t *NatsTransport) Publish(_ context.Context, jobID string, event models.JobEvent) error {
	if t == nil || t.nc == nil {
		return errNilTransport
	}
	if jobID == "" {
		return errEmptyJobID
	}
	event.JobID = jobID
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := t.nc.Publish(Subject(jobID), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Flush waits until published events have reached the server
func (t *NatsTransport) Flush(timeout time.Duration) error {
	if t == nil || t.nc == nil {
		return errNilTransport
	}
	return t.nc.FlushTimeout(timeout)
}

// Bridge subscribes to all job event subjects and republishes into bus
func (t *NatsTransport) Bridge(bus *Bus) error {
	if t == nil || t.nc == nil {
		return errNilTransport
	}
	sub, err := t.nc.Subscribe(subjectPrefix+"*", bridgeHandler(bus, t.logger))
	if err != nil {
		return fmt.Errorf("subscribe job events: %w", err)
	}
	t.sub = sub
	return nil
}

func bridgeHandler(bus *Bus, log *logger.Logger) nats.MsgHandler {
	return func(msg *nats.Msg) {
		jobID, ok := jobIDFromSubject(msg.Subject)
		if !ok {
			log.Warn("events: ignoring message on unexpected subject", "subject", msg.Subject)
			return
		}
		event, err := models.DecodeJobEvent(msg.Data)
		if err != nil {
			log.Warn("events: dropping invalid event", "job_id", jobID, "error", err)
			return
		}
		_ = bus.Publish(context.Background(), jobID, event)
	}
}

// IsConnected reports whether the connection is currently established
func (t *NatsTransport) IsConnected() bool {
	return t != nil && t.nc != nil && t.nc.IsConnected()
}

// Close drains the bridge subscription and closes the connection
func (t *NatsTransport) Close() error {
	if t == nil || t.nc == nil {
		return nil
	}
	var err error
	if t.sub != nil {
		err = t.sub.Unsubscribe()
	}
	t.nc.Close()
	return err
}
