package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/lei/simple-analytics/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts Options) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)

	q, err := NewRedisQueue("redis://"+srv.Addr(), opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, srv
}

func sampleRequest() models.JobRequest {
	return models.JobRequest{
		NaturalLanguageQuery: "avg cpu by server last 24h",
		MetricType:           "cpu",
		Filters:              map[string]interface{}{"env": "prod"},
		UserID:               7,
	}
}

func TestEnqueueAndGet(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.NotEmpty(t, job.Token)
	assert.NotEqual(t, job.ID, job.Token)

	got, state, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateWaiting, state)
	assert.Equal(t, job.Request.NaturalLanguageQuery, got.Request.NaturalLanguageQuery)
	assert.Equal(t, 7, got.Request.UserID)
	assert.Equal(t, "prod", got.Request.Filters["env"])
	assert.WithinDuration(t, job.EnqueuedAt, got.EnqueuedAt, time.Millisecond)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestEnqueueRejectsEmptyQuery(t *testing.T) {
	q, _ := newTestQueue(t, Options{})

	_, err := q.Enqueue(context.Background(), models.JobRequest{NaturalLanguageQuery: "  "})
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestEnqueueMintsDistinctTokens(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		job, err := q.Enqueue(ctx, sampleRequest())
		require.NoError(t, err)
		require.False(t, seen[job.Token], "token reused")
		seen[job.Token] = true
	}
}

func TestGetUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t, Options{})

	_, _, err := q.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = q.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestVerifyToken(t *testing.T) {
	q, srv := newTestQueue(t, Options{TokenTTL: time.Hour})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)

	assert.NoError(t, q.VerifyToken(ctx, job.ID, job.Token))
	assert.ErrorIs(t, q.VerifyToken(ctx, job.ID, ""), ErrInvalidToken)
	assert.ErrorIs(t, q.VerifyToken(ctx, job.ID, job.Token+"x"), ErrInvalidToken)
	assert.ErrorIs(t, q.VerifyToken(ctx, "unknown", job.Token), ErrInvalidToken)

	srv.FastForward(2 * time.Hour)
	assert.ErrorIs(t, q.VerifyToken(ctx, job.ID, job.Token), ErrInvalidToken)
}

func TestDequeueClaimsOldestFirst(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, first.Token, got.Token)

	_, state, err := q.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, state)

	got, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Waiting)
	assert.Equal(t, int64(2), stats.Active)
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t, Options{})

	job, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCancelUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t, Options{})

	ok, err := q.Cancel(context.Background(), "never-enqueued")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelWaitingJobNeverStarts(t *testing.T) {
	q, _ := newTestQueue(t, Options{FailedRetention: time.Hour})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)

	ok, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, state, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, state)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got, "cancelled job must not be dequeued")
}

func TestCancelRacingDequeueSkipsJob(t *testing.T) {
	q, srv := newTestQueue(t, Options{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)

	// Simulate a cancel landing after the move but before the claim.
	_, err = srv.Lpop(q.waitKey())
	require.NoError(t, err)
	ok, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	srv.Lpush(q.waitKey(), job.ID)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, state, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, state)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Active)
}

func TestCancelActiveJobIsAdvisory(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	requested, err := q.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, requested)

	ok, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	requested, err = q.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	_, state, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, state, "running job keeps running until a stage boundary")

	require.NoError(t, q.MarkCancelled(ctx, job.ID))
	_, state, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, state)
}

func TestCompleteDeletesWithoutRetention(t *testing.T) {
	q, _ := newTestQueue(t, Options{TokenTTL: time.Hour})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, job.ID))

	_, _, err = q.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	// the token outlives the job record
	assert.NoError(t, q.VerifyToken(ctx, job.ID, job.Token))

	ok, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteWithRetentionAndPrune(t *testing.T) {
	q, _ := newTestQueue(t, Options{CompletedRetention: time.Hour, FailedRetention: 2 * time.Hour})
	ctx := context.Background()

	done, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)
	failed, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
	}

	require.NoError(t, q.Complete(ctx, done.ID))
	require.NoError(t, q.Fail(ctx, failed.ID, errors.New("upstream timeout")))

	status, err := q.Status(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, status.State)
	assert.Equal(t, "upstream timeout", status.Error)
	require.NotNil(t, status.FinishedAt)
	require.NotNil(t, status.StartedAt)

	ok, err := q.Cancel(ctx, done.ID)
	require.NoError(t, err)
	assert.True(t, ok, "finished jobs are still found")

	n, err := q.Prune(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.Prune(ctx, time.Now().Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, _, err = q.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	n, err = q.Prune(ctx, time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestNewRedisQueueBadURL(t *testing.T) {
	_, err := NewRedisQueue("://bad", Options{}, nil)
	assert.Error(t, err)
}

func TestNilQueuePing(t *testing.T) {
	var q *RedisQueue
	assert.ErrorIs(t, q.Ping(context.Background()), ErrQueueUnavailable)
	assert.NoError(t, q.Close())
}

func TestNewWithClientDefaults(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	q := NewWithClient(redis.NewClient(&redis.Options{Addr: srv.Addr()}), Options{}, nil)
	defer q.Close()
	assert.Equal(t, "jobs:wait", q.waitKey())
	assert.Equal(t, "jobs:job:abc", q.jobKey("abc"))
	require.NoError(t, q.Ping(context.Background()))
}

func TestCancelledJobExpiresWithTokenTTL(t *testing.T) {
	q, srv := newTestQueue(t, Options{TokenTTL: time.Hour})
	ctx := context.Background()

	waiting, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)
	running, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)

	ok, err := q.Cancel(ctx, waiting.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Hour, srv.TTL(q.jobKey(waiting.ID)))

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, running.ID, got.ID)
	require.NoError(t, q.MarkCancelled(ctx, running.ID))
	assert.Equal(t, time.Hour, srv.TTL(q.jobKey(running.ID)))

	srv.FastForward(2 * time.Hour)
	_, _, err = q.Get(ctx, waiting.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, _, err = q.Get(ctx, running.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRecoverStalledFailsExpiredLease(t *testing.T) {
	q, _ := newTestQueue(t, Options{StallTimeout: time.Minute})
	ctx := context.Background()

	stalled, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)
	alive, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
	}

	recovered, err := q.RecoverStalled(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, recovered.Failed, "fresh leases are kept")

	later := time.Now().Add(2 * time.Minute)
	_, err = q.client.HSet(ctx, q.jobKey(alive.ID), "heartbeat_at", later.UnixMilli()).Result()
	require.NoError(t, err)

	recovered, err = q.RecoverStalled(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, []string{stalled.ID}, recovered.Failed)
	assert.Empty(t, recovered.Requeued)

	status, err := q.Status(ctx, stalled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, status.State)
	assert.Equal(t, ErrJobStalled.Error(), status.Error)

	_, state, err := q.Get(ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, state)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Active: 1, Failed: 1}, stats)
}

func TestRecoverStalledRequeuesUnclaimedJob(t *testing.T) {
	q, srv := newTestQueue(t, Options{StallTimeout: time.Minute})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)

	// a worker moved the job but died before claiming it
	id, err := srv.Lpop(q.waitKey())
	require.NoError(t, err)
	srv.Lpush(q.activeKey(), id)

	recovered, err := q.RecoverStalled(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, recovered.Requeued)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)

	_, state, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, state)
}

func TestClaimLosesToRecoveredEntry(t *testing.T) {
	q, srv := newTestQueue(t, Options{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)
	_, err = srv.Lpop(q.waitKey())
	require.NoError(t, err)

	// the entry is gone from the active list before the claim runs
	claimed, err := q.client.Eval(ctx, claimScript,
		[]string{q.activeKey(), q.jobKey(job.ID)},
		job.ID, time.Now().UnixMilli(), 0,
	).Int()
	require.NoError(t, err)
	assert.Equal(t, 0, claimed)

	_, state, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateWaiting, state)
}

func TestHeartbeatIgnoresFinishedJob(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, sampleRequest())
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Heartbeat(ctx, job.ID))

	require.NoError(t, q.Complete(ctx, job.ID))
	require.NoError(t, q.Heartbeat(ctx, job.ID))

	_, _, err = q.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}
