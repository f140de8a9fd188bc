package enrollment

import (
	"context"
	"fmt"
	"sort"

	"github.com/oriys/nova/internal/breaker"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/observability"
	"github.com/oriys/nova/internal/reservation"
	"github.com/oriys/nova/internal/saga"
)

// traced wraps a step's Action in a span carrying the saga id and step
// name, per the observability expansion's plan to trace every saga step.
func traced(sagaID, stepName string, action saga.Action) saga.Action {
	return func(ctx context.Context, args map[string]any) (saga.Result, error) {
		ctx, span := observability.StartSpan(ctx, "saga.step."+stepName,
			observability.AttrSagaID.String(sagaID),
			observability.AttrSagaStep.String(stepName),
		)
		defer span.End()

		result, err := action(ctx, args)
		if err != nil {
			observability.SetSpanError(span, err)
		} else {
			observability.SetSpanOK(span)
		}
		return result, err
	}
}

// Notifier sends the best-effort post-enrollment confirmation. Failures
// are logged by the saga step but never fail the saga or the task.
type Notifier interface {
	NotifyEnrolled(ctx context.Context, studentID, periodID string, groups []string) error
}

// Workflow composes and executes the enrollment saga described in the
// component design: validate -> reserve groups -> resolve/open header ->
// per-group detail insertion -> commit counters -> best-effort notify.
type Workflow struct {
	Store        Store
	Reservations *reservation.Service
	Breakers     *breaker.Registry
	Notifier     Notifier
	Sagas        *saga.Tracker // optional; registered sagas are visible via GET /sagas
}

// storeBreakerCall wraps every Store call with the "database" breaker.
func (w *Workflow) storeBreakerCall(ctx context.Context, op func(context.Context) error) error {
	b := w.Breakers.GetOrCreate("database", breaker.DefaultDatabaseConfig())
	err := b.Call(ctx, op)
	if _, ok := err.(*breaker.ErrOpen); ok {
		return Wrap(CategoryBreakerOpen, err, "database breaker is open")
	}
	return err
}

// sagaContext carries the mutable state threaded between saga steps: the
// resolved header, whether it was freshly created by this saga, the
// running set of enrolled materias (updated after each successful detail
// insert so a duplicate materia within the same request is caught), and
// the running set of schedules already claimed (existing + newly added
// this saga) for intra-request conflict detection.
type sagaContext struct {
	req               EnrollByGroupsRequest
	header            *EnrollmentHeader
	headerIsNew       bool
	enrolledMaterias  map[string]bool
	existingGroups    []string          // group codes already committed under a reused header, from a prior request
	insertedDetails   map[string]string // groupCode -> detailID, for steps that ran this saga
	incrementedCount  []string          // group codes successfully incremented, for compensation
	reservationHandle *reservation.Handle
}

// Execute runs the full enroll-by-groups saga for req and returns the
// executed saga (its Snapshot reports the outcome) together with the
// error that ended it, if any. On success the group reservation is
// released.
func (w *Workflow) Execute(ctx context.Context, sagaID string, req EnrollByGroupsRequest) (*saga.Saga, error) {
	sc := &sagaContext{
		req:              req,
		enrolledMaterias: make(map[string]bool),
		insertedDetails:  make(map[string]string),
	}

	s := saga.New(sagaID, fmt.Sprintf("enroll_%s", req.StudentID))

	s.AddStep(saga.Step{
		Name:       "validate_student_and_period",
		MaxRetries: 2,
		Action:     traced(sagaID, "validate_student_and_period", w.stepValidate(sc)),
	})

	s.AddStep(saga.Step{
		Name:       "reserve_groups",
		MaxRetries: 2,
		Action:     traced(sagaID, "reserve_groups", w.stepReserveGroups(sc)),
		Compensation: w.stepReleaseGroups(sc),
	})

	s.AddStep(saga.Step{
		Name:       "resolve_header",
		MaxRetries: 2,
		Action:     traced(sagaID, "resolve_header", w.stepResolveHeader(sc)),
		Compensation: w.stepDeleteHeaderIfNew(sc),
	})

	sortedGroups := append([]string(nil), req.Groups...)
	for _, group := range sortedGroups {
		group := group
		stepName := "create_detail_" + group
		s.AddStep(saga.Step{
			Name:       stepName,
			MaxRetries: 2,
			Action:     traced(sagaID, stepName, w.stepInsertDetail(sc, group)),
			Compensation: w.stepDeleteDetail(sc, group),
		})
	}

	s.AddStep(saga.Step{
		Name:       "commit_group_inscriptions",
		MaxRetries: 2,
		Action:     traced(sagaID, "commit_group_inscriptions", w.stepCommitCounters(sc)),
		Compensation: w.stepRollbackCounters(sc),
	})

	s.AddStep(saga.Step{
		Name:       "send_confirmation",
		MaxRetries: 1, // best-effort, no compensation
		Action:     traced(sagaID, "send_confirmation", w.stepNotify(sc)),
	})

	if w.Sagas != nil {
		w.Sagas.Register(s)
	}

	ctx, span := observability.StartSpan(ctx, "enrollment.workflow.execute",
		observability.AttrSagaID.String(sagaID),
		observability.AttrStudentID.String(req.StudentID),
		observability.AttrPeriodID.String(req.PeriodID),
	)
	defer span.End()

	err := s.Execute(ctx)
	if err == nil && sc.reservationHandle != nil {
		sc.reservationHandle.Release(ctx)
	}
	if err != nil {
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	metrics.RecordSagaOutcome(string(s.Snapshot().Status))
	return s, err
}

func (w *Workflow) stepValidate(sc *sagaContext) saga.Action {
	return func(ctx context.Context, _ map[string]any) (saga.Result, error) {
		if err := w.storeBreakerCall(ctx, func(ctx context.Context) error {
			return w.Store.ValidateStudentActive(ctx, sc.req.StudentID)
		}); err != nil {
			return saga.Result{}, err
		}
		if err := w.storeBreakerCall(ctx, func(ctx context.Context) error {
			return w.Store.ValidatePeriodActive(ctx, sc.req.PeriodID)
		}); err != nil {
			return saga.Result{}, err
		}
		return saga.Result{}, nil
	}
}

func (w *Workflow) stepReserveGroups(sc *sagaContext) saga.Action {
	return func(ctx context.Context, _ map[string]any) (saga.Result, error) {
		codes := append([]string(nil), sc.req.Groups...)
		sort.Strings(codes)
		handle, err := w.Reservations.Reserve(ctx, sc.req.StudentID, codes, reservation.DefaultTTL)
		if err != nil {
			if conflict, ok := err.(*reservation.ConflictError); ok {
				return saga.Result{}, Newf(CategoryScheduleConflict, "group %s is contended, retry shortly", conflict.GroupCode)
			}
			return saga.Result{}, Wrap(CategoryTransient, err, "reserving groups")
		}
		sc.reservationHandle = handle
		return saga.Result{}, nil
	}
}

func (w *Workflow) stepReleaseGroups(sc *sagaContext) saga.Compensation {
	return func(ctx context.Context, _ map[string]any) error {
		if sc.reservationHandle == nil {
			return nil
		}
		return sc.reservationHandle.Release(ctx)
	}
}

func (w *Workflow) stepResolveHeader(sc *sagaContext) saga.Action {
	return func(ctx context.Context, _ map[string]any) (saga.Result, error) {
		var existing *EnrollmentHeader
		if err := w.storeBreakerCall(ctx, func(ctx context.Context) error {
			e, err := w.Store.LookupExistingEnrollment(ctx, sc.req.StudentID, sc.req.PeriodID)
			existing = e
			return err
		}); err != nil {
			return saga.Result{}, err
		}

		if existing != nil {
			sc.header = existing
			sc.headerIsNew = false
			var existingGroups []string
			if err := w.storeBreakerCall(ctx, func(ctx context.Context) error {
				groups, err := w.Store.ExistingGroupCodes(ctx, existing.ID)
				existingGroups = groups
				return err
			}); err != nil {
				return saga.Result{}, err
			}
			sc.existingGroups = existingGroups
			return saga.Result{}, nil
		}

		var created *EnrollmentHeader
		if err := w.storeBreakerCall(ctx, func(ctx context.Context) error {
			h, err := w.Store.InsertEnrollmentHeader(ctx, sc.req.StudentID, sc.req.PeriodID)
			created = h
			return err
		}); err != nil {
			return saga.Result{}, err
		}
		sc.header = created
		sc.headerIsNew = true
		return saga.Result{}, nil
	}
}

func (w *Workflow) stepDeleteHeaderIfNew(sc *sagaContext) saga.Compensation {
	return func(ctx context.Context, _ map[string]any) error {
		if sc.header == nil || !sc.headerIsNew {
			return nil
		}
		return w.storeBreakerCall(ctx, func(ctx context.Context) error {
			return w.Store.DeleteEnrollmentHeader(ctx, sc.header.ID)
		})
	}
}

func (w *Workflow) stepInsertDetail(sc *sagaContext, group string) saga.Action {
	return func(ctx context.Context, _ map[string]any) (saga.Result, error) {
		var already bool
		if err := w.storeBreakerCall(ctx, func(ctx context.Context) error {
			ok, err := w.Store.HasDetailForGroup(ctx, sc.header.ID, group)
			already = ok
			return err
		}); err != nil {
			return saga.Result{}, err
		}
		if already {
			return saga.Result{}, nil
		}

		var info *GroupInfo
		if err := w.storeBreakerCall(ctx, func(ctx context.Context) error {
			i, err := w.Store.GetGroupMateria(ctx, group)
			info = i
			return err
		}); err != nil {
			return saga.Result{}, err
		}

		if sc.enrolledMaterias[info.Materia] {
			return saga.Result{}, Newf(CategoryDuplicate, "materia %s already has a group in this request", info.Materia)
		}

		var enrolled map[string]bool
		if err := w.storeBreakerCall(ctx, func(ctx context.Context) error {
			m, err := w.Store.StudentEnrolledMaterias(ctx, sc.req.StudentID, sc.req.PeriodID)
			enrolled = m
			return err
		}); err != nil {
			return saga.Result{}, err
		}
		if enrolled[info.Materia] {
			return saga.Result{}, Newf(CategoryDuplicate, "materia %s is already enrolled this period", info.Materia)
		}

		others := conflictCandidates(sc, group)
		if len(others) > 0 {
			var conflict string
			if err := w.storeBreakerCall(ctx, func(ctx context.Context) error {
				c, err := w.Store.ScheduleConflict(ctx, group, others)
				conflict = c
				return err
			}); err != nil {
				return saga.Result{}, err
			}
			if conflict != "" {
				return saga.Result{}, Newf(CategoryScheduleConflict, "group %s conflicts with group %s", group, conflict)
			}
		}

		var detail *EnrollmentDetail
		if err := w.storeBreakerCall(ctx, func(ctx context.Context) error {
			d, err := w.Store.InsertEnrollmentDetail(ctx, sc.header.ID, group)
			detail = d
			return err
		}); err != nil {
			return saga.Result{}, err
		}

		sc.enrolledMaterias[info.Materia] = true
		sc.insertedDetails[group] = detail.ID

		return saga.Result{CompensationData: map[string]any{"detail_id": detail.ID}}, nil
	}
}

// conflictCandidates returns the union of groups already committed under
// the (possibly reused) header and groups inserted earlier in this same
// saga run, excluding the group currently being checked — the set
// stepInsertDetail checks a new group's schedule against, per base-spec
// §4.7 step 4 ("union of existing details and groups already added in
// this saga").
func conflictCandidates(sc *sagaContext, exclude string) []string {
	out := make([]string, 0, len(sc.existingGroups)+len(sc.insertedDetails))
	for _, g := range sc.existingGroups {
		if g != exclude {
			out = append(out, g)
		}
	}
	for g := range sc.insertedDetails {
		if g != exclude {
			out = append(out, g)
		}
	}
	return out
}

func (w *Workflow) stepDeleteDetail(sc *sagaContext, group string) saga.Compensation {
	return func(ctx context.Context, args map[string]any) error {
		detailID, _ := args["detail_id"].(string)
		if detailID == "" {
			return nil
		}
		return w.storeBreakerCall(ctx, func(ctx context.Context) error {
			return w.Store.DeleteEnrollmentDetail(ctx, detailID)
		})
	}
}

func (w *Workflow) stepCommitCounters(sc *sagaContext) saga.Action {
	return func(ctx context.Context, _ map[string]any) (saga.Result, error) {
		for group := range sc.insertedDetails {
			if err := w.storeBreakerCall(ctx, func(ctx context.Context) error {
				return w.Store.IncrementGroupCounter(ctx, group)
			}); err != nil {
				return saga.Result{}, err
			}
			sc.incrementedCount = append(sc.incrementedCount, group)
		}
		return saga.Result{}, nil
	}
}

func (w *Workflow) stepRollbackCounters(sc *sagaContext) saga.Compensation {
	return func(ctx context.Context, _ map[string]any) error {
		for i := len(sc.incrementedCount) - 1; i >= 0; i-- {
			group := sc.incrementedCount[i]
			w.storeBreakerCall(ctx, func(ctx context.Context) error {
				return w.Store.DecrementGroupCounter(ctx, group)
			})
		}
		return nil
	}
}

func (w *Workflow) stepNotify(sc *sagaContext) saga.Action {
	return func(ctx context.Context, _ map[string]any) (saga.Result, error) {
		if w.Notifier == nil {
			return saga.Result{}, nil
		}
		groups := make([]string, 0, len(sc.insertedDetails))
		for g := range sc.insertedDetails {
			groups = append(groups, g)
		}
		sort.Strings(groups)
		if err := w.Notifier.NotifyEnrolled(ctx, sc.req.StudentID, sc.req.PeriodID, groups); err != nil {
			logging.Op().Warn("enrollment confirmation failed", "student_id", sc.req.StudentID, "period_id", sc.req.PeriodID, "error", err)
		}
		return saga.Result{}, nil
	}
}
