// Package enrollment holds the enrollment domain: the EnrollmentStore
// contract the saga calls, the request/error types shared across the
// dispatcher, task queue, and worker pool, and the EnrollmentWorkflow
// saga composition itself.
package enrollment

import (
	"errors"
	"fmt"
)

// ErrorCategory is the closed taxonomy every error crossing a component
// boundary in the enrollment core carries.
type ErrorCategory string

const (
	CategoryNotFound            ErrorCategory = "not_found"
	CategoryInactive            ErrorCategory = "inactive"
	CategoryBlocked             ErrorCategory = "blocked"
	CategoryDuplicate           ErrorCategory = "duplicate"
	CategoryScheduleConflict    ErrorCategory = "schedule_conflict"
	CategoryCapacityExhausted   ErrorCategory = "capacity_exhausted"
	CategoryInvalidArgument     ErrorCategory = "invalid_argument"
	CategoryTransient           ErrorCategory = "transient"
	CategoryBreakerOpen         ErrorCategory = "breaker_open"
	CategoryCompensationFailure ErrorCategory = "compensation_failure"
	CategoryInvariant           ErrorCategory = "invariant"
)

// retryableCategories are categories the task queue and saga engine will
// retry at the step/task level. Everything else is terminal.
var retryableCategories = map[ErrorCategory]bool{
	CategoryTransient:   true,
	CategoryBreakerOpen: true,
}

// Error is the error type every enrollment-core component returns across
// its boundary. It carries a stable category alongside a human message
// and wraps the underlying cause.
type Error struct {
	Category ErrorCategory
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether this error's category should be retried at
// the step/task level rather than treated as terminal.
func (e *Error) Retryable() bool {
	return retryableCategories[e.Category]
}

// Newf constructs an *Error with a formatted message and no wrapped
// cause.
func Newf(category ErrorCategory, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error that wraps an underlying cause.
func Wrap(category ErrorCategory, err error, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...), Err: err}
}

// CategoryOf extracts the category from err if it (or something it
// wraps) is an *Error; otherwise it returns CategoryTransient, the safe
// default for an uncategorized failure reaching a queue/task boundary.
func CategoryOf(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryTransient
}
