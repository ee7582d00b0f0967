package syncer

import (
	"errors"
	"fmt"
)

// RetryableError is returned by the executor for failures the dispatcher should
// redeliver. Skips are never errors.
type RetryableError struct {
	Op  string
	Err error

	// RecordWritten is set once the execution record exists. A redelivery
	// of such a job is answered with already_processed.
	RecordWritten bool
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func retryable(op string, err error) error {
	return &RetryableError{Op: op, Err: err}
}

func retryableAfterRecord(op string, err error) error {
	return &RetryableError{Op: op, Err: err, RecordWritten: true}
}

// IsRetryable reports whether err asks for redelivery
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// RecordWritten reports whether err was raised after the execution record was
// written, so retrying the job cannot change its outcome
func RecordWritten(err error) bool {
	var re *RetryableError
	return errors.As(err, &re) && re.RecordWritten
}
