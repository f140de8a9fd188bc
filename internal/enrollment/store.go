package enrollment

import "context"

// Store is the EnrollmentStore contract: the narrow set of transactional
// operations the saga calls. The core depends only on this interface;
// the relational schema and SQL live behind implementations in
// internal/store. Every method returns a *Error on failure, categorized
// per errors.go, so the saga/workflow can decide whether to retry,
// compensate, or fail terminally without inspecting driver-specific
// error types.
type Store interface {
	// ValidateStudentActive reports whether the student exists and is in
	// good standing. Returns CategoryNotFound or CategoryBlocked.
	ValidateStudentActive(ctx context.Context, studentID string) error

	// ValidatePeriodActive reports whether the academic period exists and
	// is currently open for enrollment. Returns CategoryNotFound or
	// CategoryInactive.
	ValidatePeriodActive(ctx context.Context, periodID string) error

	// LookupExistingEnrollment returns the header for (studentID,
	// periodID) if one exists, or nil if not.
	LookupExistingEnrollment(ctx context.Context, studentID, periodID string) (*EnrollmentHeader, error)

	// InsertEnrollmentHeader creates a fresh header, guarded by a unique
	// (studentID, periodID) constraint.
	InsertEnrollmentHeader(ctx context.Context, studentID, periodID string) (*EnrollmentHeader, error)

	// DeleteEnrollmentHeader removes a header. Idempotent: deleting an
	// already-deleted header is not an error.
	DeleteEnrollmentHeader(ctx context.Context, enrollmentID string) error

	// HasDetailForGroup reports whether enrollmentID already has a detail
	// row for groupCode.
	HasDetailForGroup(ctx context.Context, enrollmentID, groupCode string) (bool, error)

	// InsertEnrollmentDetail creates a detail row under enrollmentID for
	// groupCode.
	InsertEnrollmentDetail(ctx context.Context, enrollmentID, groupCode string) (*EnrollmentDetail, error)

	// DeleteEnrollmentDetail removes a detail row. Idempotent.
	DeleteEnrollmentDetail(ctx context.Context, detailID string) error

	// IncrementGroupCounter performs the authoritative capacity check: it
	// locks the group's row, verifies current_enrolled < capacity, and
	// increments atomically. Returns CategoryNotFound or
	// CategoryCapacityExhausted on failure.
	IncrementGroupCounter(ctx context.Context, groupCode string) error

	// DecrementGroupCounter undoes an increment. Clamped at zero;
	// idempotent.
	DecrementGroupCounter(ctx context.Context, groupCode string) error

	// GetGroupMateria returns the group's static info (materia code and
	// schedules). Returns CategoryNotFound if the group doesn't exist.
	GetGroupMateria(ctx context.Context, groupCode string) (*GroupInfo, error)

	// StudentEnrolledMaterias returns the set of materia codes the
	// student currently holds a group for within periodID.
	StudentEnrolledMaterias(ctx context.Context, studentID, periodID string) (map[string]bool, error)

	// ExistingGroupCodes returns the group codes already persisted as
	// details under enrollmentID, i.e. committed by a prior request that
	// reused this header. The workflow folds these into the conflict set
	// alongside groups inserted earlier in the same saga run, so a
	// schedule conflict against a previously committed group is caught
	// even on a fresh saga with no in-saga insertions yet.
	ExistingGroupCodes(ctx context.Context, enrollmentID string) ([]string, error)

	// ScheduleConflict reports the first group among otherCodes whose
	// schedule conflicts with groupCode's schedule (day-of-week
	// intersection AND half-open time-interval overlap), or "" if none.
	ScheduleConflict(ctx context.Context, groupCode string, otherCodes []string) (conflictingGroup string, err error)
}
