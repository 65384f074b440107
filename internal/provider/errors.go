package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstream matches every failure reported by the AI backend
	ErrUpstream = errors.New("ai backend request failed")

	// ErrUnavailable indicates the backend is temporarily unavailable
	ErrUnavailable = errors.New("ai backend temporarily unavailable")

	// ErrUnauthorized indicates the backend rejected our credentials
	ErrUnauthorized = errors.New("ai backend authentication failed")

	// ErrGeneration indicates the backend returned no usable SQL
	ErrGeneration = errors.New("sql generation returned no statement")
)

// UpstreamError represents a non-success response from the AI backend
type UpstreamError struct {
	Code    int
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ai backend error %d: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("ai backend error %d: %s", e.Code, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is makes every UpstreamError match ErrUpstream
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}
