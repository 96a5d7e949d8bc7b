package domain

import (
	"errors"
	"fmt"
)

const (
	ErrorKindInvalidMedia      = "invalid_media"
	ErrorKindUnsupportedFormat = "unsupported_format"
	ErrorKindInvalidParams     = "invalid_params"
	ErrorKindSourceMissing     = "source_missing"
	ErrorKindRetriesExhausted  = "retries_exhausted"
	ErrorKindDispatchFailed    = "dispatch_failed"
	ErrorKindWorkerLost        = "worker_lost"
)

var (
	ErrNotFound = errors.New("not found")

	ErrResultMissing = fmt.Errorf("result object missing: %w", ErrNotFound)
)

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

type DispatchError struct {
	JobID string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch job %s: %v", e.JobID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

type NotReadyError struct {
	Status JobStatus
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("job is not ready: status=%s", e.Status)
}

type PermanentError struct {
	Kind string
	Err  error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Permanent(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Kind: kind, Err: err}
}

func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

func PermanentKind(err error) (string, bool) {
	var perr *PermanentError
	if !errors.As(err, &perr) {
		return "", false
	}
	return perr.Kind, true
}
