package models

import (
	"errors"
	"fmt"
)

// ErrJobCancelled is returned by a pipeline that observed a cancel request
var ErrJobCancelled = errors.New("job cancelled")

// ValidationError reports a malformed request
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}
