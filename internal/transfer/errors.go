package transfer

import (
	"errors"
	"fmt"
)

// ErrCancelled reports a caller-initiated abort. It is not a failure and is
// excluded from retry accounting.
var ErrCancelled = errors.New("upload cancelled")

// ValidationError marks input that can never succeed: missing, empty, or
// oversized source files. The retry policy gives up on these immediately.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// UploadError is a transient failure during transfer or finalize (network,
// server error, timeout). Retryable up to the task's attempt bound.
type UploadError struct {
	Phase string
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a non-retryable input problem.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCancelled reports whether err stems from a cancellation signal.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
