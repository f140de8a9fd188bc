// Package postgres is the pgx-backed implementation of the
// enrollment.Store contract: the relational schema and SQL behind the
// narrow transactional surface the saga calls, with the group capacity
// counter's row-level FOR UPDATE lock as the actual correctness
// boundary the reservation service's advisory KV lock only shortcuts
// around.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/nova/internal/enrollment"
)

// Store is a pgxpool-backed enrollment.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pool against dsn, pings it, and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS students (
			id TEXT PRIMARY KEY,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS periods (
			id TEXT PRIMARY KEY,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			code TEXT PRIMARY KEY,
			materia TEXT NOT NULL,
			schedules JSONB NOT NULL DEFAULT '[]',
			capacity INTEGER NOT NULL DEFAULT 0,
			enrolled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS enrollment_headers (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL,
			period_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (student_id, period_id)
		)`,
		`CREATE TABLE IF NOT EXISTS enrollment_details (
			id TEXT PRIMARY KEY,
			enrollment_id TEXT NOT NULL REFERENCES enrollment_headers(id) ON DELETE CASCADE,
			group_code TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (enrollment_id, group_code)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_enrollment_details_enrollment_id ON enrollment_details(enrollment_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) ValidateStudentActive(ctx context.Context, studentID string) error {
	var active bool
	err := s.pool.QueryRow(ctx, `SELECT active FROM students WHERE id = $1`, studentID).Scan(&active)
	if err == pgx.ErrNoRows {
		return enrollment.Newf(enrollment.CategoryNotFound, "student %s not found", studentID)
	}
	if err != nil {
		return enrollment.Wrap(enrollment.CategoryTransient, err, "validate student active")
	}
	if !active {
		return enrollment.Newf(enrollment.CategoryBlocked, "student %s is not active", studentID)
	}
	return nil
}

func (s *Store) ValidatePeriodActive(ctx context.Context, periodID string) error {
	var active bool
	err := s.pool.QueryRow(ctx, `SELECT active FROM periods WHERE id = $1`, periodID).Scan(&active)
	if err == pgx.ErrNoRows {
		return enrollment.Newf(enrollment.CategoryNotFound, "period %s not found", periodID)
	}
	if err != nil {
		return enrollment.Wrap(enrollment.CategoryTransient, err, "validate period active")
	}
	if !active {
		return enrollment.Newf(enrollment.CategoryInactive, "period %s is not open for enrollment", periodID)
	}
	return nil
}

func (s *Store) LookupExistingEnrollment(ctx context.Context, studentID, periodID string) (*enrollment.EnrollmentHeader, error) {
	var h enrollment.EnrollmentHeader
	err := s.pool.QueryRow(ctx, `
		SELECT id, student_id, period_id FROM enrollment_headers
		WHERE student_id = $1 AND period_id = $2
	`, studentID, periodID).Scan(&h.ID, &h.StudentID, &h.PeriodID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, enrollment.Wrap(enrollment.CategoryTransient, err, "lookup existing enrollment")
	}
	return &h, nil
}

func (s *Store) InsertEnrollmentHeader(ctx context.Context, studentID, periodID string) (*enrollment.EnrollmentHeader, error) {
	h := &enrollment.EnrollmentHeader{ID: uuid.NewString(), StudentID: studentID, PeriodID: periodID}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrollment_headers (id, student_id, period_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, h.ID, h.StudentID, h.PeriodID, time.Now().UTC())
	if err != nil {
		return nil, enrollment.Wrap(enrollment.CategoryTransient, err, "insert enrollment header")
	}
	return h, nil
}

func (s *Store) DeleteEnrollmentHeader(ctx context.Context, enrollmentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM enrollment_headers WHERE id = $1`, enrollmentID)
	if err != nil {
		return enrollment.Wrap(enrollment.CategoryTransient, err, "delete enrollment header")
	}
	return nil
}

func (s *Store) HasDetailForGroup(ctx context.Context, enrollmentID, groupCode string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM enrollment_details WHERE enrollment_id = $1 AND group_code = $2)
	`, enrollmentID, groupCode).Scan(&exists)
	if err != nil {
		return false, enrollment.Wrap(enrollment.CategoryTransient, err, "check detail for group")
	}
	return exists, nil
}

// ExistingGroupCodes returns the group codes already committed under
// enrollmentID by a prior request, so the workflow can fold them into
// the schedule-conflict check for a header reused across requests.
func (s *Store) ExistingGroupCodes(ctx context.Context, enrollmentID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT group_code FROM enrollment_details WHERE enrollment_id = $1
	`, enrollmentID)
	if err != nil {
		return nil, enrollment.Wrap(enrollment.CategoryTransient, err, "existing group codes")
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, enrollment.Wrap(enrollment.CategoryTransient, err, "scan existing group code")
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, enrollment.Wrap(enrollment.CategoryTransient, err, "existing group codes rows")
	}
	return codes, nil
}

func (s *Store) InsertEnrollmentDetail(ctx context.Context, enrollmentID, groupCode string) (*enrollment.EnrollmentDetail, error) {
	d := &enrollment.EnrollmentDetail{ID: uuid.NewString(), EnrollmentID: enrollmentID, GroupCode: groupCode}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrollment_details (id, enrollment_id, group_code, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (enrollment_id, group_code) DO NOTHING
	`, d.ID, d.EnrollmentID, d.GroupCode, time.Now().UTC())
	if err != nil {
		return nil, enrollment.Wrap(enrollment.CategoryTransient, err, "insert enrollment detail")
	}
	return d, nil
}

func (s *Store) DeleteEnrollmentDetail(ctx context.Context, detailID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM enrollment_details WHERE id = $1`, detailID)
	if err != nil {
		return enrollment.Wrap(enrollment.CategoryTransient, err, "delete enrollment detail")
	}
	return nil
}

// IncrementGroupCounter is the authoritative capacity check: it locks
// the group row, verifies enrolled < capacity, and increments within
// the same transaction, so concurrent enrollers serialize on this one
// row rather than racing a read-then-write.
func (s *Store) IncrementGroupCounter(ctx context.Context, groupCode string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return enrollment.Wrap(enrollment.CategoryTransient, err, "begin increment tx")
	}
	defer tx.Rollback(ctx)

	var capacity, enrolled int
	err = tx.QueryRow(ctx, `
		SELECT capacity, enrolled FROM groups WHERE code = $1 FOR UPDATE
	`, groupCode).Scan(&capacity, &enrolled)
	if err == pgx.ErrNoRows {
		return enrollment.Newf(enrollment.CategoryNotFound, "group %s not found", groupCode)
	}
	if err != nil {
		return enrollment.Wrap(enrollment.CategoryTransient, err, "lock group row")
	}
	if enrolled >= capacity {
		return enrollment.Newf(enrollment.CategoryCapacityExhausted, "group %s is at capacity", groupCode)
	}

	if _, err := tx.Exec(ctx, `UPDATE groups SET enrolled = enrolled + 1 WHERE code = $1`, groupCode); err != nil {
		return enrollment.Wrap(enrollment.CategoryTransient, err, "increment group counter")
	}
	if err := tx.Commit(ctx); err != nil {
		return enrollment.Wrap(enrollment.CategoryTransient, err, "commit increment tx")
	}
	return nil
}

func (s *Store) DecrementGroupCounter(ctx context.Context, groupCode string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE groups SET enrolled = GREATEST(enrolled - 1, 0) WHERE code = $1
	`, groupCode)
	if err != nil {
		return enrollment.Wrap(enrollment.CategoryTransient, err, "decrement group counter")
	}
	return nil
}

func (s *Store) GetGroupMateria(ctx context.Context, groupCode string) (*enrollment.GroupInfo, error) {
	var materia string
	var rawSchedules []byte
	err := s.pool.QueryRow(ctx, `
		SELECT materia, schedules FROM groups WHERE code = $1
	`, groupCode).Scan(&materia, &rawSchedules)
	if err == pgx.ErrNoRows {
		return nil, enrollment.Newf(enrollment.CategoryNotFound, "group %s not found", groupCode)
	}
	if err != nil {
		return nil, enrollment.Wrap(enrollment.CategoryTransient, err, "get group materia")
	}
	schedules, err := decodeSchedules(rawSchedules)
	if err != nil {
		return nil, enrollment.Wrap(enrollment.CategoryInvariant, err, "decode group schedules")
	}
	return &enrollment.GroupInfo{Code: groupCode, Materia: materia, Schedules: schedules}, nil
}

func (s *Store) StudentEnrolledMaterias(ctx context.Context, studentID, periodID string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.materia
		FROM enrollment_headers h
		JOIN enrollment_details d ON d.enrollment_id = h.id
		JOIN groups g ON g.code = d.group_code
		WHERE h.student_id = $1 AND h.period_id = $2
	`, studentID, periodID)
	if err != nil {
		return nil, enrollment.Wrap(enrollment.CategoryTransient, err, "student enrolled materias")
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var materia string
		if err := rows.Scan(&materia); err != nil {
			return nil, enrollment.Wrap(enrollment.CategoryTransient, err, "scan enrolled materia")
		}
		out[materia] = true
	}
	if err := rows.Err(); err != nil {
		return nil, enrollment.Wrap(enrollment.CategoryTransient, err, "student enrolled materias rows")
	}
	return out, nil
}

func (s *Store) ScheduleConflict(ctx context.Context, groupCode string, otherCodes []string) (string, error) {
	if len(otherCodes) == 0 {
		return "", nil
	}

	self, err := s.GetGroupMateria(ctx, groupCode)
	if err != nil {
		return "", err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT code, schedules FROM groups WHERE code = ANY($1)
	`, otherCodes)
	if err != nil {
		return "", enrollment.Wrap(enrollment.CategoryTransient, err, "schedule conflict lookup")
	}
	defer rows.Close()

	for rows.Next() {
		var code string
		var rawSchedules []byte
		if err := rows.Scan(&code, &rawSchedules); err != nil {
			return "", enrollment.Wrap(enrollment.CategoryTransient, err, "scan schedule conflict row")
		}
		otherSchedules, err := decodeSchedules(rawSchedules)
		if err != nil {
			return "", enrollment.Wrap(enrollment.CategoryInvariant, err, "decode other group schedules")
		}
		for _, sched := range self.Schedules {
			for _, osched := range otherSchedules {
				if sched.Overlaps(osched) {
					return code, nil
				}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return "", enrollment.Wrap(enrollment.CategoryTransient, err, "schedule conflict rows")
	}
	return "", nil
}

// scheduleJSON is the JSONB wire shape for one enrollment.Schedule; the
// domain type stores Start/End as time.Duration, which json.Marshal
// would otherwise render as raw nanoseconds with no documented shape.
type scheduleJSON struct {
	Weekdays []int `json:"weekdays"`
	StartMin int   `json:"start_min"`
	EndMin   int   `json:"end_min"`
}

func decodeSchedules(raw []byte) ([]enrollment.Schedule, error) {
	var wire []scheduleJSON
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	out := make([]enrollment.Schedule, 0, len(wire))
	for _, w := range wire {
		weekdays := make([]time.Weekday, 0, len(w.Weekdays))
		for _, d := range w.Weekdays {
			weekdays = append(weekdays, time.Weekday(d))
		}
		out = append(out, enrollment.Schedule{
			Weekdays: weekdays,
			Start:    time.Duration(w.StartMin) * time.Minute,
			End:      time.Duration(w.EndMin) * time.Minute,
		})
	}
	return out, nil
}

func encodeSchedules(schedules []enrollment.Schedule) ([]byte, error) {
	wire := make([]scheduleJSON, 0, len(schedules))
	for _, s := range schedules {
		days := make([]int, 0, len(s.Weekdays))
		for _, d := range s.Weekdays {
			days = append(days, int(d))
		}
		wire = append(wire, scheduleJSON{
			Weekdays: days,
			StartMin: int(s.Start / time.Minute),
			EndMin:   int(s.End / time.Minute),
		})
	}
	return json.Marshal(wire)
}

// UpsertGroup creates or updates a group's static catalog entry. Group
// catalog management has no dedicated endpoint in this component (it is
// owned by the academic-catalog system of record); this exists for
// operator seeding and integration tests.
func (s *Store) UpsertGroup(ctx context.Context, code, materia string, schedules []enrollment.Schedule, capacity int) error {
	raw, err := encodeSchedules(schedules)
	if err != nil {
		return fmt.Errorf("encode schedules: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO groups (code, materia, schedules, capacity, enrolled)
		VALUES ($1, $2, $3::jsonb, $4, 0)
		ON CONFLICT (code) DO UPDATE SET
			materia = EXCLUDED.materia,
			schedules = EXCLUDED.schedules,
			capacity = EXCLUDED.capacity
	`, code, materia, raw, capacity)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// UpsertStudent creates or updates a student's active flag. Same
// rationale as UpsertGroup: student identity is owned elsewhere.
func (s *Store) UpsertStudent(ctx context.Context, studentID string, active bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO students (id, active) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active
	`, studentID, active)
	if err != nil {
		return fmt.Errorf("upsert student: %w", err)
	}
	return nil
}

// UpsertPeriod creates or updates an academic period's active flag.
func (s *Store) UpsertPeriod(ctx context.Context, periodID string, active bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO periods (id, active) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active
	`, periodID, active)
	if err != nil {
		return fmt.Errorf("upsert period: %w", err)
	}
	return nil
}

var _ enrollment.Store = (*Store)(nil)
