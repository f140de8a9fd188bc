package enrollment

import "time"

// EnrollByGroupsRequest is the payload the Dispatcher accepts for the
// multi-group enroll-by-groups endpoint.
type EnrollByGroupsRequest struct {
	StudentID string   `json:"student_id"`
	PeriodID  string   `json:"period_id"`
	Groups    []string `json:"groups"`
}

// SingleGroupRequest is the payload for one per-group task enqueued by
// the Dispatcher, carrying the top-level idempotency key so the worker
// can correlate a group task back to its parent request.
type SingleGroupRequest struct {
	StudentID         string `json:"student_id"`
	PeriodID          string `json:"period_id"`
	Group             string `json:"group"`
	TopIdempotencyKey string `json:"top_idempotency_key"`
}

// BulkRequest is one entry in a bulk enroll submission.
type BulkRequest struct {
	StudentID string   `json:"student_id"`
	PeriodID  string   `json:"period_id"`
	Groups    []string `json:"groups"`
}

// HealthCheckRequest is the no-op payload enqueued on the health queue.
type HealthCheckRequest struct {
	RequestedAt time.Time `json:"requested_at"`
}

// Schedule is one meeting time for a group: a set of weekdays (0=Sunday,
// matching time.Weekday) and a half-open time-of-day interval [Start, End).
type Schedule struct {
	Weekdays []time.Weekday
	Start    time.Duration // minutes-since-midnight style offset, as a Duration
	End      time.Duration
}

// Overlaps reports whether two schedules conflict: they share at least
// one weekday AND their time intervals overlap under the half-open rule
// !(end1 <= start2 || end2 <= start1).
func (s Schedule) Overlaps(other Schedule) bool {
	if !shareWeekday(s.Weekdays, other.Weekdays) {
		return false
	}
	return !(s.End <= other.Start || other.End <= s.Start)
}

func shareWeekday(a, b []time.Weekday) bool {
	set := make(map[time.Weekday]bool, len(a))
	for _, d := range a {
		set[d] = true
	}
	for _, d := range b {
		if set[d] {
			return true
		}
	}
	return false
}

// EnrollmentHeader is the aggregate root for a student's enrollment in a
// period (opaque beyond the fields the workflow needs).
type EnrollmentHeader struct {
	ID        string
	StudentID string
	PeriodID  string
}

// EnrollmentDetail is one group membership row under a header.
type EnrollmentDetail struct {
	ID           string
	EnrollmentID string
	GroupCode    string
}

// GroupInfo is the subset of a group's static attributes the workflow
// needs to run schedule/materia checks.
type GroupInfo struct {
	Code      string
	Materia   string
	Schedules []Schedule
}
