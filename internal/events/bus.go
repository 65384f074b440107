// Package events fans job progress events out to stream subscribers and
// carries them across the worker/gateway process boundary.
package events

import (
	"context"
	"sync"

	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/pkg/logger"
)

const defaultSubscriberBuffer = 64

// Publisher delivers an event for a job
type Publisher interface {
	Publish(ctx context.Context, jobID string, event models.JobEvent) error
}

// Observer receives subscriber lifecycle notifications
type Observer interface {
	SubscriberAdded()
	SubscriberRemoved()
	SubscriberDropped()
}

type nopObserver struct{}

func (nopObserver) SubscriberAdded()   {}
func (nopObserver) SubscriberRemoved() {}
func (nopObserver) SubscriberDropped() {}

// Option configures a Bus
type Option func(*Bus)

// WithBuffer sets the per-subscriber channel capacity
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the bus logger
func WithLogger(l *logger.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithObserver sets the subscriber lifecycle observer
func WithObserver(o Observer) Option {
	return func(b *Bus) {
		if o != nil {
			b.observer = o
		}
	}
}

// Bus is an in-process registry of subscribers keyed by job id
type Bus struct {
	mu       sync.Mutex
	subs     map[string]map[*Subscription]struct{}
	buffer   int
	logger   *logger.Logger
	observer Observer
}

// NewBus creates an empty bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:     make(map[string]map[*Subscription]struct{}),
		buffer:   defaultSubscriberBuffer,
		logger:   logger.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one subscriber's view of a job's events
type Subscription struct {
	jobID   string
	ch      chan models.JobEvent
	bus     *Bus
	dropped bool
}

// JobID returns the job this subscription is bound to
func (s *Subscription) JobID() string {
	return s.jobID
}

// Events returns the delivery channel. It is closed when the subscription
// is closed or dropped for falling behind.
func (s *Subscription) Events() <-chan models.JobEvent {
	return s.ch
}

// Dropped reports whether the bus removed this subscriber for being slow
func (s *Subscription) Dropped() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.dropped
}

// Close deregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	removed := b.removeLocked(s)
	b.mu.Unlock()
	if removed {
		b.observer.SubscriberRemoved()
	}
}

// Subscribe registers a new subscriber for jobID
func (b *Bus) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		jobID: jobID,
		ch:    make(chan models.JobEvent, b.buffer),
		bus:   b,
	}

	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[jobID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	b.observer.SubscriberAdded()
	b.logger.Debug("events: subscriber added", "job_id", jobID)
	return sub
}

// Publish stamps the job id on event and delivers it to that job's
// subscribers without blocking. A subscriber whose buffer is full is dropped.
func (b *Bus) Publish(_ context.Context, jobID string, event models.JobEvent) error {
	event.JobID = jobID

	b.mu.Lock()
	var slow []*Subscription
	for sub := range b.subs[jobID] {
		select {
		case sub.ch <- event:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		if b.removeLocked(sub) {
			sub.dropped = true
		}
	}
	b.mu.Unlock()

	for range slow {
		b.observer.SubscriberDropped()
		b.observer.SubscriberRemoved()
		b.logger.Warn("events: dropped slow subscriber", "job_id", jobID, "buffer", b.buffer)
	}
	return nil
}

// SubscriberCount returns the number of subscribers for jobID
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// ActiveJobs returns the number of jobs with at least one subscriber
func (b *Bus) ActiveJobs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// removeLocked deletes sub from the registry and closes its channel.
// It reports false if sub was already removed.
func (b *Bus) removeLocked(sub *Subscription) bool {
	set, ok := b.subs[sub.jobID]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.jobID)
	}
	close(sub.ch)
	return true
}
