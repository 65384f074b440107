package queue

import "errors"

var (
	// ErrJobNotFound indicates the job id is unknown or already pruned
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidToken indicates a missing or mismatched job token
	ErrInvalidToken = errors.New("invalid job token")

	// ErrQueueUnavailable indicates the queue backend is not configured
	ErrQueueUnavailable = errors.New("job queue unavailable")

	// ErrJobStalled is recorded on running jobs whose worker stopped
	// sending heartbeats
	ErrJobStalled = errors.New("job stalled: worker stopped responding")
)
