package wstpake

import (
	"errors"
	"fmt"
)

// ErrEnrollmentConsumed is returned when a single-use Enrollment is
// finished a second time.
var ErrEnrollmentConsumed = errors.New("enrollment state already consumed")

// EnrollmentError marks a fatal failure of one pairing attempt: a
// malformed code, a malformed peer message, or a confirmation mismatch.
// None of these are retryable within the attempt. Presentation layers
// should show a uniform "enrollment failed" and keep the detail to logs.
type EnrollmentError struct {
	reason string
}

func (e *EnrollmentError) Error() string {
	return "enrollment failed: " + e.reason
}

func enrollmentErrorf(format string, args ...any) error {
	return &EnrollmentError{reason: fmt.Sprintf(format, args...)}
}

// IsEnrollmentError reports whether err is fatal to a pairing attempt.
func IsEnrollmentError(err error) bool {
	var ee *EnrollmentError
	return errors.As(err, &ee)
}
