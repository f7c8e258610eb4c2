package sched

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/clock"
)

// Runner dispatches an immediate execution for a schedule. Implemented by
// the dispatch package; injected to keep this package free of execution
// bookkeeping.
type Runner interface {
	RunNow(ctx context.Context, scheduleID int64, traceID string) (executionID int64, status string, err error)
}

// Service owns schedule lifecycle operations. Every mutation writes exactly
// one audit row in the same transaction as the state change, and drives the
// timer provider before the transaction commits.
type Service struct {
	store    *Store
	provider TimerProvider
	clk      clock.Clock
	runner   Runner
	logger   *zap.Logger
}

// NewService creates the scheduler service.
func NewService(store *Store, provider TimerProvider, clk clock.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{store: store, provider: provider, clk: clk, logger: logger}
}

// SetRunner wires the execution dispatcher for RunNow. Called once at startup.
func (s *Service) SetRunner(r Runner) { s.runner = r }

// Store exposes the underlying store to sibling services.
func (s *Service) Store() *Store { return s.store }

// CreateRequest carries everything needed to create a schedule. Either
// Intent (created inline) or IntentID must be set.
type CreateRequest struct {
	Intent   *TaskIntent
	IntentID int64
	Kind     string
	Timezone string
	Def      Definition
	Actor    Actor
	Reason   string
}

// CreateResult is the outcome of CreateSchedule.
type CreateResult struct {
	Schedule *Schedule
	AuditID  string
}

// CreateSchedule validates the definition, persists the schedule, registers
// it with the timer provider, and writes the creation audit row. All in one
// transaction.
func (s *Service) CreateSchedule(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	now := s.clk.Now()

	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if err := validateDefinition(req.Kind, req.Def, tz, now, true); err != nil {
		return nil, err
	}

	intentID := req.IntentID
	if req.Intent != nil {
		intent, err := s.store.CreateIntent(*req.Intent)
		if err != nil {
			return nil, err
		}
		intentID = intent.ID
	} else if _, err := s.store.GetIntent(intentID); err != nil {
		return nil, err
	}

	sc := &Schedule{
		IntentID:  intentID,
		Kind:      req.Kind,
		State:     StateActive,
		Timezone:  tz,
		Def:       req.Def,
		CreatedAt: now,
	}
	sc.NextRunAt = NextRun(sc, now)

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.store.CreateScheduleTx(tx, sc); err != nil {
		return nil, err
	}

	audit := &AuditRecord{
		ScheduleID: sc.ID,
		IntentID:   intentID,
		Action:     AuditCreated,
		Actor:      req.Actor,
		Reason:     req.Reason,
		After:      sc,
		OccurredAt: now,
	}
	if err := s.store.InsertAuditTx(tx, audit); err != nil {
		return nil, err
	}

	if err := s.provider.Register(ctx, sc); err != nil {
		return nil, s.providerErr(ctx, err, "register schedule")
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("schedule created",
		zap.Int64("schedule_id", sc.ID),
		zap.Int64("intent_id", intentID),
		zap.String("kind", sc.Kind),
	)
	return &CreateResult{Schedule: sc, AuditID: audit.ID}, nil
}

// UpdateRequest carries the mutable fields of a schedule. The intent id is
// locked after creation: a non-zero IntentID differing from the stored one
// fails with immutable_field.
type UpdateRequest struct {
	ScheduleID int64
	IntentID   int64
	Timezone   string
	Def        *Definition
	Actor      Actor
	Reason     string
}

// UpdateSchedule revalidates and rewrites a schedule's definition.
func (s *Service) UpdateSchedule(ctx context.Context, req UpdateRequest) (*CreateResult, error) {
	now := s.clk.Now()

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sc, err := s.store.GetScheduleTx(tx, req.ScheduleID)
	if err != nil {
		return nil, err
	}
	if req.IntentID != 0 && req.IntentID != sc.IntentID {
		return nil, apperr.E(apperr.KindImmutableField, "task intent reference cannot change")
	}
	if sc.State == StateCompleted || sc.State == StateCanceled {
		return nil, apperr.E(apperr.KindConflict, "schedule %d is %s", sc.ID, sc.State)
	}

	before := *sc
	if req.Timezone != "" {
		sc.Timezone = req.Timezone
	}
	if req.Def != nil {
		sc.Def = *req.Def
	}
	if err := validateDefinition(sc.Kind, sc.Def, sc.Timezone, now, sc.State == StateActive); err != nil {
		return nil, err
	}
	sc.NextRunAt = NextRun(sc, now)

	if err := s.store.UpdateScheduleTx(tx, sc); err != nil {
		return nil, err
	}

	audit := &AuditRecord{
		ScheduleID: sc.ID,
		IntentID:   sc.IntentID,
		Action:     AuditUpdated,
		Actor:      req.Actor,
		Reason:     req.Reason,
		Before:     before,
		After:      sc,
		OccurredAt: now,
	}
	if err := s.store.InsertAuditTx(tx, audit); err != nil {
		return nil, err
	}

	if err := s.provider.Update(ctx, sc); err != nil {
		return nil, s.providerErr(ctx, err, "update schedule")
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &CreateResult{Schedule: sc, AuditID: audit.ID}, nil
}

// PauseSchedule moves an active schedule to paused.
func (s *Service) PauseSchedule(ctx context.Context, scheduleID int64, actor Actor, reason string) (*CreateResult, error) {
	return s.transition(ctx, scheduleID, StatePaused, AuditPaused, actor, reason)
}

// ResumeSchedule moves a paused schedule back to active.
func (s *Service) ResumeSchedule(ctx context.Context, scheduleID int64, actor Actor, reason string) (*CreateResult, error) {
	return s.transition(ctx, scheduleID, StateActive, AuditResumed, actor, reason)
}

// DeleteSchedule cancels a schedule and removes its timer registration. The
// schedule row is deleted; executions and audit rows survive with their
// denormalized ids.
func (s *Service) DeleteSchedule(ctx context.Context, scheduleID int64, actor Actor, reason string) (string, error) {
	now := s.clk.Now()

	tx, err := s.store.Begin()
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	sc, err := s.store.GetScheduleTx(tx, scheduleID)
	if err != nil {
		return "", err
	}

	if err := s.store.DeleteScheduleTx(tx, scheduleID); err != nil {
		return "", err
	}

	audit := &AuditRecord{
		ScheduleID: scheduleID,
		IntentID:   sc.IntentID,
		Action:     AuditDeleted,
		Actor:      actor,
		Reason:     reason,
		Before:     sc,
		OccurredAt: now,
	}
	if err := s.store.InsertAuditTx(tx, audit); err != nil {
		return "", err
	}

	if err := s.provider.Deregister(ctx, scheduleID); err != nil {
		return "", s.providerErr(ctx, err, "deregister schedule")
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return audit.ID, nil
}

// DeleteIntent cancels every schedule owned by the intent, then deletes the
// intent (ownership: intents own their schedules).
func (s *Service) DeleteIntent(ctx context.Context, intentID int64, actor Actor) error {
	schedules, err := s.store.ListSchedules(intentID, "")
	if err != nil {
		return err
	}
	for i := range schedules {
		if _, err := s.DeleteSchedule(ctx, schedules[i].ID, actor, "intent deleted"); err != nil && !apperr.IsNotFound(err) {
			return err
		}
	}
	_, err = s.store.db.Exec(`DELETE FROM task_intents WHERE id = ?`, intentID)
	return err
}

// ExecutionRef is the view RunNow returns.
type ExecutionRef struct {
	ExecutionID int64  `json:"execution_id"`
	Status      string `json:"status"`
	TraceID     string `json:"trace_id"`
}

// RunNow dispatches an immediate execution regardless of the timer, and
// audits the trigger.
func (s *Service) RunNow(ctx context.Context, scheduleID int64, actor Actor) (*ExecutionRef, error) {
	if s.runner == nil {
		return nil, apperr.E(apperr.KindInternal, "no runner wired")
	}

	sc, err := s.store.GetSchedule(scheduleID)
	if err != nil {
		return nil, err
	}
	if sc.State != StateActive && sc.State != StatePaused {
		return nil, apperr.E(apperr.KindConflict, "schedule %d is %s", scheduleID, sc.State)
	}

	traceID := clock.NewTraceID()

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	audit := &AuditRecord{
		ScheduleID: scheduleID,
		IntentID:   sc.IntentID,
		Action:     AuditRunNow,
		Actor:      actor,
		TraceID:    traceID,
		OccurredAt: s.clk.Now(),
	}
	if err := s.store.InsertAuditTx(tx, audit); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	execID, status, err := s.runner.RunNow(ctx, scheduleID, traceID)
	if err != nil {
		return nil, err
	}
	return &ExecutionRef{ExecutionID: execID, Status: status, TraceID: traceID}, nil
}

// GetSchedule returns one schedule.
func (s *Service) GetSchedule(_ context.Context, id int64) (*Schedule, error) {
	return s.store.GetSchedule(id)
}

// ListSchedules returns schedules filtered by intent and/or state.
func (s *Service) ListSchedules(_ context.Context, intentID int64, state string) ([]Schedule, error) {
	return s.store.ListSchedules(intentID, state)
}

// ListScheduleAudits returns audit rows for a schedule, newest first.
func (s *Service) ListScheduleAudits(_ context.Context, scheduleID int64, limit int) ([]AuditRecord, error) {
	return s.store.ListAudits(AuditFilter{ScheduleID: scheduleID, Limit: limit})
}

func (s *Service) transition(ctx context.Context, scheduleID int64, target, action string, actor Actor, reason string) (*CreateResult, error) {
	now := s.clk.Now()

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sc, err := s.store.GetScheduleTx(tx, scheduleID)
	if err != nil {
		return nil, err
	}
	if !stateTransitionAllowed(sc.State, target) {
		return nil, apperr.E(apperr.KindConflict, "cannot transition schedule from %s to %s", sc.State, target)
	}

	before := *sc
	sc.State = target
	if target == StateActive {
		sc.NextRunAt = NextRun(sc, now)
	} else {
		sc.NextRunAt = nil
	}

	if err := s.store.UpdateScheduleTx(tx, sc); err != nil {
		return nil, err
	}

	audit := &AuditRecord{
		ScheduleID: sc.ID,
		IntentID:   sc.IntentID,
		Action:     action,
		Actor:      actor,
		Reason:     reason,
		Before:     before,
		After:      sc,
		OccurredAt: now,
	}
	if err := s.store.InsertAuditTx(tx, audit); err != nil {
		return nil, err
	}

	var provErr error
	switch target {
	case StatePaused:
		provErr = s.provider.Pause(ctx, sc.ID)
	case StateActive:
		provErr = s.provider.Resume(ctx, sc)
	}
	if provErr != nil {
		return nil, s.providerErr(ctx, provErr, "transition schedule")
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &CreateResult{Schedule: sc, AuditID: audit.ID}, nil
}

// providerErr classifies an adapter failure, honoring context expiry.
func (s *Service) providerErr(ctx context.Context, err error, op string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindTimeout, err, "%s", op)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return apperr.Wrap(apperr.KindCanceled, err, "%s", op)
	default:
		s.logger.Warn("timer provider failed", zap.String("op", op), zap.Error(err))
		return apperr.Wrap(apperr.KindProvider, err, "%s", op)
	}
}
