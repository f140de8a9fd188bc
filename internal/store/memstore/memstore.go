// Package memstore is an in-memory enrollment.Store used by workflow and
// saga tests in place of the Postgres-backed implementation. A single
// store-wide mutex serializes every operation, which is at least as
// strict as the real store's per-group row lock on the capacity counter,
// so the saga's concurrency assumptions can be exercised without a
// database.
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/oriys/nova/internal/enrollment"
)

type student struct {
	active bool
}

type period struct {
	active bool
}

type group struct {
	materia   string
	schedules []enrollment.Schedule
	capacity  int
	enrolled  int
}

// Store is the in-memory fixture. Zero value is not usable; use New.
type Store struct {
	mu sync.Mutex

	students map[string]*student
	periods  map[string]*period
	groups   map[string]*group

	headers map[string]*enrollment.EnrollmentHeader // id -> header
	byKey   map[string]string                       // studentID|periodID -> header id

	details map[string]*enrollment.EnrollmentDetail // id -> detail
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		students: make(map[string]*student),
		periods:  make(map[string]*period),
		groups:   make(map[string]*group),
		headers:  make(map[string]*enrollment.EnrollmentHeader),
		byKey:    make(map[string]string),
		details:  make(map[string]*enrollment.EnrollmentDetail),
	}
}

// SeedStudent registers a student as active (or not).
func (s *Store) SeedStudent(studentID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[studentID] = &student{active: active}
}

// SeedPeriod registers a period as active (or not).
func (s *Store) SeedPeriod(periodID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periods[periodID] = &period{active: active}
}

// SeedGroup registers a group with a materia, schedule, and capacity.
func (s *Store) SeedGroup(code, materia string, schedules []enrollment.Schedule, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[code] = &group{materia: materia, schedules: schedules, capacity: capacity}
}

func headerKey(studentID, periodID string) string {
	return studentID + "|" + periodID
}

func (s *Store) ValidateStudentActive(ctx context.Context, studentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[studentID]
	if !ok {
		return enrollment.Newf(enrollment.CategoryNotFound, "student %s not found", studentID)
	}
	if !st.active {
		return enrollment.Newf(enrollment.CategoryBlocked, "student %s is not active", studentID)
	}
	return nil
}

func (s *Store) ValidatePeriodActive(ctx context.Context, periodID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.periods[periodID]
	if !ok {
		return enrollment.Newf(enrollment.CategoryNotFound, "period %s not found", periodID)
	}
	if !p.active {
		return enrollment.Newf(enrollment.CategoryInactive, "period %s is not open for enrollment", periodID)
	}
	return nil
}

func (s *Store) LookupExistingEnrollment(ctx context.Context, studentID, periodID string) (*enrollment.EnrollmentHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[headerKey(studentID, periodID)]
	if !ok {
		return nil, nil
	}
	h := s.headers[id]
	copyH := *h
	return &copyH, nil
}

func (s *Store) InsertEnrollmentHeader(ctx context.Context, studentID, periodID string) (*enrollment.EnrollmentHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := headerKey(studentID, periodID)
	if _, ok := s.byKey[key]; ok {
		return nil, enrollment.Newf(enrollment.CategoryInvariant, "header already exists for %s", key)
	}
	h := &enrollment.EnrollmentHeader{ID: uuid.NewString(), StudentID: studentID, PeriodID: periodID}
	s.headers[h.ID] = h
	s.byKey[key] = h.ID
	copyH := *h
	return &copyH, nil
}

func (s *Store) DeleteEnrollmentHeader(ctx context.Context, enrollmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.headers[enrollmentID]
	if !ok {
		return nil
	}
	delete(s.byKey, headerKey(h.StudentID, h.PeriodID))
	delete(s.headers, enrollmentID)
	return nil
}

func (s *Store) HasDetailForGroup(ctx context.Context, enrollmentID, groupCode string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.details {
		if d.EnrollmentID == enrollmentID && d.GroupCode == groupCode {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ExistingGroupCodes(ctx context.Context, enrollmentID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var codes []string
	for _, d := range s.details {
		if d.EnrollmentID == enrollmentID {
			codes = append(codes, d.GroupCode)
		}
	}
	return codes, nil
}

func (s *Store) InsertEnrollmentDetail(ctx context.Context, enrollmentID, groupCode string) (*enrollment.EnrollmentDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &enrollment.EnrollmentDetail{ID: uuid.NewString(), EnrollmentID: enrollmentID, GroupCode: groupCode}
	s.details[d.ID] = d
	copyD := *d
	return &copyD, nil
}

func (s *Store) DeleteEnrollmentDetail(ctx context.Context, detailID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.details, detailID)
	return nil
}

func (s *Store) IncrementGroupCounter(ctx context.Context, groupCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupCode]
	if !ok {
		return enrollment.Newf(enrollment.CategoryNotFound, "group %s not found", groupCode)
	}
	if g.enrolled >= g.capacity {
		return enrollment.Newf(enrollment.CategoryCapacityExhausted, "group %s is at capacity", groupCode)
	}
	g.enrolled++
	return nil
}

func (s *Store) DecrementGroupCounter(ctx context.Context, groupCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupCode]
	if !ok {
		return nil
	}
	if g.enrolled > 0 {
		g.enrolled--
	}
	return nil
}

func (s *Store) GetGroupMateria(ctx context.Context, groupCode string) (*enrollment.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupCode]
	if !ok {
		return nil, enrollment.Newf(enrollment.CategoryNotFound, "group %s not found", groupCode)
	}
	return &enrollment.GroupInfo{Code: groupCode, Materia: g.materia, Schedules: append([]enrollment.Schedule(nil), g.schedules...)}, nil
}

func (s *Store) StudentEnrolledMaterias(ctx context.Context, studentID, periodID string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	id, ok := s.byKey[headerKey(studentID, periodID)]
	if !ok {
		return out, nil
	}
	for _, d := range s.details {
		if d.EnrollmentID != id {
			continue
		}
		g, ok := s.groups[d.GroupCode]
		if !ok {
			continue
		}
		out[g.materia] = true
	}
	return out, nil
}

func (s *Store) ScheduleConflict(ctx context.Context, groupCode string, otherCodes []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupCode]
	if !ok {
		return "", enrollment.Newf(enrollment.CategoryNotFound, "group %s not found", groupCode)
	}
	for _, other := range otherCodes {
		og, ok := s.groups[other]
		if !ok {
			continue
		}
		for _, sched := range g.schedules {
			for _, osched := range og.schedules {
				if sched.Overlaps(osched) {
					return other, nil
				}
			}
		}
	}
	return "", nil
}

var _ enrollment.Store = (*Store)(nil)
