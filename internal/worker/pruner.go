package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/internal/queue"
	"github.com/lei/simple-analytics/pkg/logger"
)

// MsgStalled is the terminal error message for a job whose worker vanished
const MsgStalled = "Job stalled: the worker processing it stopped responding."

// Maintainable is the queue housekeeping the pruner drives
type Maintainable interface {
	Prune(ctx context.Context, now time.Time) (int, error)
	RecoverStalled(ctx context.Context, now time.Time) (queue.Recovered, error)
}

// Notifier publishes the terminal event of a job failed by the sweep
type Notifier interface {
	Publish(ctx context.Context, jobID string, event models.JobEvent) error
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Pruner runs queue retention and the stalled-job sweep on a cron schedule
type Pruner struct {
	target   Maintainable
	notifier Notifier
	schedule string
	cron     *cron.Cron
	logger   *logger.Logger
}

// NewPruner validates schedule and returns a stopped pruner. notifier may
// be nil.
func NewPruner(target Maintainable, notifier Notifier, schedule string, log *logger.Logger) (*Pruner, error) {
	if log == nil {
		log = logger.NewNop()
	}
	p := &Pruner{
		target:   target,
		notifier: notifier,
		schedule: schedule,
		cron:     cron.New(cron.WithParser(cronParser)),
		logger:   log,
	}
	if _, err := p.cron.AddFunc(schedule, p.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start begins the schedule
func (p *Pruner) Start() {
	p.logger.Info("worker: pruner scheduled", "schedule", p.schedule)
	p.cron.Start()
}

// Stop halts the schedule and waits for a running prune
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
}

// RunOnce recovers stalled jobs and prunes immediately
func (p *Pruner) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	now := time.Now()

	recovered, err := p.target.RecoverStalled(ctx, now)
	if err != nil {
		p.logger.Error("worker: stall sweep failed", "error", err)
	}
	for _, id := range recovered.Failed {
		p.notifyStalled(ctx, id)
	}

	n, err := p.target.Prune(ctx, now)
	if err != nil {
		p.logger.Error("worker: prune failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("worker: pruned job records", "count", n)
	}
}

func (p *Pruner) notifyStalled(ctx context.Context, id string) {
	if p.notifier == nil {
		return
	}
	err := p.notifier.Publish(ctx, id, models.JobEvent{
		Type:    models.EventTypeError,
		Message: MsgStalled,
		Error:   queue.ErrJobStalled.Error(),
	})
	if err != nil {
		p.logger.Warn("worker: publish stalled event failed", "job_id", id, "error", err)
	}
}
