package queue

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultName     = "jobs"
)

// Options tunes queue naming and retention
type Options struct {
	Name               string
	TokenTTL           time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration

	// StallTimeout fails running jobs whose last heartbeat is older.
	// Zero leaves running jobs alone.
	StallTimeout time.Duration
}

// Recovered lists what a stall sweep changed
type Recovered struct {
	Requeued []string
	Failed   []string
}

// Stats holds queue depth counters
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

// ByState keys the counters by job state
func (s Stats) ByState() map[string]int64 {
	return map[string]int64{
		string(models.StateWaiting):   s.Waiting,
		string(models.StateActive):    s.Active,
		string(models.StateFailed):    s.Failed,
		string(models.StateCompleted): s.Completed,
	}
}

// RedisQueue is a durable job queue backed by Redis lists and hashes
type RedisQueue struct {
	client *redis.Client
	opts   Options
	logger *logger.Logger
}

// NewRedisQueue connects to Redis and verifies the connection
func NewRedisQueue(url string, opts Options, log *logger.Logger) (*RedisQueue, error) {
	if url == "" {
		url = defaultRedisURL
	}
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewWithClient(client, opts, log), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, opts Options, log *logger.Logger) *RedisQueue {
	if opts.Name == "" {
		opts.Name = defaultName
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisQueue{
		client: client,
		opts:   opts,
		logger: log.With("queue", opts.Name),
	}
}

// Close shuts down the Redis client
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

// Ping checks connectivity
func (q *RedisQueue) Ping(ctx context.Context) error {
	if q == nil || q.client == nil {
		return ErrQueueUnavailable
	}
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) waitKey() string      { return q.opts.Name + ":wait" }
func (q *RedisQueue) activeKey() string    { return q.opts.Name + ":active" }
func (q *RedisQueue) failedKey() string    { return q.opts.Name + ":failed" }
func (q *RedisQueue) completedKey() string { return q.opts.Name + ":completed" }
func (q *RedisQueue) jobKey(id string) string {
	return q.opts.Name + ":job:" + id
}
func (q *RedisQueue) tokenKey(id string) string {
	return q.opts.Name + ":token:" + id
}

// Enqueue persists a new job and returns it with its id and token
func (q *RedisQueue) Enqueue(ctx context.Context, req models.JobRequest) (*models.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode job request: %w", err)
	}

	job := &models.Job{
		ID:         uuid.NewString(),
		Token:      uuid.NewString(),
		Request:    req,
		EnqueuedAt: time.Now().UTC(),
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]interface{}{
		"token":       job.Token,
		"request":     string(payload),
		"state":       string(models.StateWaiting),
		"enqueued_at": job.EnqueuedAt.UnixMilli(),
	})
	pipe.Set(ctx, q.tokenKey(job.ID), job.Token, q.opts.TokenTTL)
	pipe.LPush(ctx, q.waitKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Debug("queue: job enqueued", "job_id", job.ID, "user_id", req.UserID)
	return job, nil
}

// Get returns the job and its current state
func (q *RedisQueue) Get(ctx context.Context, id string) (*models.Job, models.JobState, error) {
	fields, err := q.load(ctx, id)
	if err != nil {
		return nil, "", err
	}
	job, err := decodeJob(id, fields)
	if err != nil {
		return nil, "", err
	}
	return job, models.JobState(fields["state"]), nil
}

// Status returns the externally visible view of a job
func (q *RedisQueue) Status(ctx context.Context, id string) (*models.JobStatus, error) {
	fields, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	status := &models.JobStatus{
		JobID:           id,
		State:           models.JobState(fields["state"]),
		EnqueuedAt:      parseMillis(fields["enqueued_at"]),
		StartedAt:       optionalMillis(fields["started_at"]),
		FinishedAt:      optionalMillis(fields["finished_at"]),
		CancelRequested: fields["cancel_requested"] == "1",
		Error:           fields["error"],
	}
	return status, nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (map[string]string, error) {
	if id == "" {
		return nil, ErrJobNotFound
	}
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return fields, nil
}

// Cancel removes a waiting job, or flags a running one for cancellation at
// its next stage boundary. It returns false only when the id is unknown.
func (q *RedisQueue) Cancel(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	code, err := q.client.Eval(ctx, cancelScript,
		[]string{q.waitKey(), q.jobKey(id)},
		id,
		time.Now().UTC().UnixMilli(),
		int64(q.cancelledRetention()/time.Second),
	).Int()
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}

	switch code {
	case cancelRemoved:
		q.logger.Info("queue: waiting job removed", "job_id", id)
	case cancelFlagged:
		q.logger.Info("queue: cancel requested for running job", "job_id", id)
	case cancelTerminal:
		q.logger.Debug("queue: cancel ignored for finished job", "job_id", id)
	default:
		q.logger.Debug("queue: cancel for unknown job", "job_id", id)
		return false, nil
	}
	return true, nil
}

// VerifyToken checks a stream token against the one minted at enqueue
func (q *RedisQueue) VerifyToken(ctx context.Context, id, token string) error {
	if id == "" || token == "" {
		return ErrInvalidToken
	}
	stored, err := q.client.Get(ctx, q.tokenKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrInvalidToken
	}
	if err != nil {
		return fmt.Errorf("load job token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// Dequeue blocks up to timeout for the next job. It returns nil, nil when
// nothing was claimed, including when the job it moved had been cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	id, err := q.client.BLMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	claimed, err := q.client.Eval(ctx, claimScript,
		[]string{q.activeKey(), q.jobKey(id)},
		id,
		time.Now().UTC().UnixMilli(),
		int64(q.cancelledRetention()/time.Second),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	if claimed != 1 {
		q.logger.Info("queue: skipped unclaimable job", "job_id", id)
		return nil, nil
	}

	fields, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeJob(id, fields)
}

// Heartbeat extends the lease of a running job
func (q *RedisQueue) Heartbeat(ctx context.Context, id string) error {
	err := q.client.Eval(ctx, heartbeatScript, []string{q.jobKey(id)}, time.Now().UTC().UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	return nil
}

// RecoverStalled settles active-list entries no worker owns. Entries that
// were never claimed go back to the wait list. Running jobs whose last
// heartbeat is older than StallTimeout are failed with ErrJobStalled.
func (q *RedisQueue) RecoverStalled(ctx context.Context, now time.Time) (Recovered, error) {
	var out Recovered
	ids, err := q.client.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return out, fmt.Errorf("list active jobs: %w", err)
	}

	cutoff := int64(math.MinInt64)
	if q.opts.StallTimeout > 0 {
		cutoff = now.Add(-q.opts.StallTimeout).UnixMilli()
	}
	for _, id := range ids {
		code, err := q.client.Eval(ctx, recoverScript,
			[]string{q.activeKey(), q.waitKey(), q.failedKey(), q.jobKey(id)},
			id,
			now.UTC().UnixMilli(),
			cutoff,
			ErrJobStalled.Error(),
		).Int()
		if err != nil {
			return out, fmt.Errorf("recover job %s: %w", id, err)
		}
		switch code {
		case recoverRequeued:
			q.logger.Warn("queue: unclaimed job requeued", "job_id", id)
			out.Requeued = append(out.Requeued, id)
		case recoverFailed:
			q.logger.Warn("queue: stalled job failed", "job_id", id)
			out.Failed = append(out.Failed, id)
		case recoverDropped:
			q.logger.Debug("queue: stale active entry dropped", "job_id", id)
		}
	}
	return out, nil
}

// CancelRequested reports whether a cancel arrived after the job started
func (q *RedisQueue) CancelRequested(ctx context.Context, id string) (bool, error) {
	flag, err := q.client.HGet(ctx, q.jobKey(id), "cancel_requested").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag == "1", nil
}

// Complete removes a finished job from the active list
func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	now := time.Now().UTC().UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, id)
	if q.opts.CompletedRetention > 0 {
		pipe.HSet(ctx, q.jobKey(id), "state", string(models.StateCompleted), "finished_at", now)
		pipe.ZAdd(ctx, q.completedKey(), redis.Z{Score: float64(now), Member: id})
	} else {
		pipe.Del(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Fail records the failure reason and retains the job for inspection
func (q *RedisQueue) Fail(ctx context.Context, id string, cause error) error {
	now := time.Now().UTC().UnixMilli()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, id)
	pipe.HSet(ctx, q.jobKey(id), "state", string(models.StateFailed), "error", msg, "finished_at", now)
	pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(now), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// MarkCancelled finalizes a running job that stopped on a cancel request
func (q *RedisQueue) MarkCancelled(ctx context.Context, id string) error {
	now := time.Now().UTC().UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, id)
	pipe.HSet(ctx, q.jobKey(id), "state", string(models.StateCancelled), "finished_at", now)
	if retention := q.cancelledRetention(); retention > 0 {
		pipe.Expire(ctx, q.jobKey(id), retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark job %s cancelled: %w", id, err)
	}
	return nil
}

// cancelledRetention is how long a cancelled job hash lives. Cancelled jobs
// are in no set Prune scans, so they fall back to the token lifetime.
func (q *RedisQueue) cancelledRetention() time.Duration {
	if q.opts.FailedRetention > 0 {
		return q.opts.FailedRetention
	}
	return q.opts.TokenTTL
}

// Prune deletes failed and completed records older than their retention
func (q *RedisQueue) Prune(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, set := range []struct {
		key       string
		retention time.Duration
	}{
		{q.failedKey(), q.opts.FailedRetention},
		{q.completedKey(), q.opts.CompletedRetention},
	} {
		if set.retention <= 0 {
			continue
		}
		cutoff := now.Add(-set.retention).UnixMilli()
		ids, err := q.client.ZRangeByScore(ctx, set.key, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff, 10),
		}).Result()
		if err != nil {
			return total, fmt.Errorf("list expired jobs: %w", err)
		}
		if len(ids) == 0 {
			continue
		}

		members := make([]interface{}, 0, len(ids))
		pipe := q.client.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, q.jobKey(id))
			members = append(members, id)
		}
		pipe.ZRem(ctx, set.key, members...)
		if _, err := pipe.Exec(ctx); err != nil {
			return total, fmt.Errorf("prune jobs: %w", err)
		}
		total += len(ids)
	}
	if total > 0 {
		q.logger.Info("queue: pruned finished jobs", "count", total)
	}
	return total, nil
}

// Stats returns the number of jobs per list
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waitKey())
	active := pipe.LLen(ctx, q.activeKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	completed := pipe.ZCard(ctx, q.completedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Failed:    failed.Val(),
		Completed: completed.Val(),
	}, nil
}

func decodeJob(id string, fields map[string]string) (*models.Job, error) {
	var req models.JobRequest
	if err := json.Unmarshal([]byte(fields["request"]), &req); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &models.Job{
		ID:         id,
		Token:      fields["token"],
		Request:    req,
		EnqueuedAt: parseMillis(fields["enqueued_at"]),
	}, nil
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func optionalMillis(v string) *time.Time {
	if v == "" {
		return nil
	}
	t := parseMillis(v)
	if t.IsZero() {
		return nil
	}
	return &t
}
