package cron

import (
	"errors"
	"fmt"
)

var (
	// ErrScopeNotFound is returned before any store access when the named
	// scope does not exist.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrJobNotFound is returned by operations addressing a missing job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyRunning is returned by RunNow when the job holds a live
	// running claim; the caller gets this instead of a double execution.
	ErrAlreadyRunning = errors.New("job is already running")
)

// ValidationError rejects malformed jobs, schedules, or payloads at the API
// boundary. It is never persisted. The message names the exact missing or
// invalid piece so an automated caller can self-correct.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
