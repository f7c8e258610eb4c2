package predicate

import (
	"context"

	"go.uber.org/zap"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/clock"
	"github.com/karlvoss/adjutant/internal/dispatch"
	"github.com/karlvoss/adjutant/internal/sched"
	"github.com/karlvoss/adjutant/internal/telemetry"
)

// Dispatcher accepts a callback payload for a real execution. Satisfied by
// *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload dispatch.CallbackPayload) (*dispatch.BridgeResult, error)
}

// EvaluationRequest identifies one evaluation callback from the provider.
type EvaluationRequest struct {
	ScheduleID   int64  `json:"schedule_id"`
	EvaluationID string `json:"evaluation_id"`
	TraceID      string `json:"trace_id"`
}

// Evaluator runs conditional-schedule predicates. Each evaluation writes one
// audit row keyed by evaluation_id; resubmitting the same id is a no-op.
type Evaluator struct {
	audits     *Store
	scheds     *sched.Store
	resolver   SubjectResolver
	dispatcher Dispatcher
	clk        clock.Clock
	logger     *zap.Logger
}

// NewEvaluator creates a predicate evaluator.
func NewEvaluator(audits *Store, scheds *sched.Store, resolver SubjectResolver, dispatcher Dispatcher, clk clock.Clock, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Evaluator{
		audits:     audits,
		scheds:     scheds,
		resolver:   resolver,
		dispatcher: dispatcher,
		clk:        clk,
		logger:     logger,
	}
}

// Evaluate resolves the schedule's predicate subject, applies the operator,
// records the result, and dispatches a real execution when the predicate
// holds.
func (e *Evaluator) Evaluate(ctx context.Context, req EvaluationRequest) (*Result, error) {
	if req.EvaluationID == "" {
		req.EvaluationID = clock.NewEvaluationID()
	}
	if req.TraceID == "" {
		req.TraceID = clock.NewTraceID()
	}

	ctx, span := telemetry.StartEvaluationSpan(ctx, req.ScheduleID, req.EvaluationID)
	defer span.End()

	schedule, err := e.scheds.GetSchedule(req.ScheduleID)
	if err != nil {
		return nil, err
	}
	if schedule.Kind != sched.KindConditional {
		return nil, apperr.E(apperr.KindValidation, "schedule %d is %s, not conditional", schedule.ID, schedule.Kind)
	}
	if schedule.State != sched.StateActive {
		return nil, apperr.E(apperr.KindConflict, "schedule %d is %s", schedule.ID, schedule.State)
	}

	if existing, err := e.audits.Find(req.EvaluationID); err != nil {
		return nil, err
	} else if existing != nil {
		existing.Duplicate = true
		return existing, nil
	}

	result := e.evaluate(ctx, schedule, req)

	if err := e.record(schedule, result, req.TraceID); err != nil {
		return nil, err
	}

	if result.Status == StatusTrue && e.dispatcher != nil {
		at := result.EvaluatedAt
		dispatched, err := e.dispatcher.Dispatch(ctx, dispatch.CallbackPayload{
			ScheduleID:      schedule.ID,
			ScheduledFor:    &at,
			TraceID:         req.TraceID,
			EmittedAt:       at,
			TriggerSource:   "predicate",
			ProviderAttempt: 1,
		})
		if err != nil {
			return result, err
		}
		result.ExecutionID = dispatched.ExecutionID
		if dispatched.Status == dispatch.BridgeDuplicate {
			result.ExecutionID = dispatched.DuplicateExecutionID
		}
	}

	e.logger.Debug("predicate evaluated",
		zap.Int64("schedule_id", schedule.ID),
		zap.String("evaluation_id", result.EvaluationID),
		zap.String("status", result.Status),
		zap.String("result_code", result.ResultCode),
	)
	return result, nil
}

func (e *Evaluator) evaluate(ctx context.Context, schedule *sched.Schedule, req EvaluationRequest) *Result {
	result := &Result{
		EvaluationID: req.EvaluationID,
		ScheduleID:   schedule.ID,
		EvaluatedAt:  e.clk.Now(),
	}

	observed, found, err := e.resolver.Resolve(ctx, schedule.Def.PredicateSubject)
	switch {
	case err != nil:
		result.Status = StatusError
		result.ResultCode = CodeSubjectUnavailable
		result.ErrorMessage = err.Error()
		return result
	case !found:
		// exists is the one operator that reads absence as a normal outcome.
		if schedule.Def.PredicateOperator == sched.OpExists {
			result.Status = StatusFalse
			result.ResultCode = CodeNotMatched
			return result
		}
		result.Status = StatusError
		result.ResultCode = CodeSubjectMissing
		return result
	}

	result.Observed = observed
	if schedule.Def.PredicateOperator == sched.OpExists {
		result.Status = StatusTrue
		result.ResultCode = CodeMatched
		return result
	}

	matched, failCode := compare(schedule.Def, observed)
	if failCode != "" {
		result.Status = StatusError
		result.ResultCode = failCode
		return result
	}
	if matched {
		result.Status = StatusTrue
		result.ResultCode = CodeMatched
	} else {
		result.Status = StatusFalse
		result.ResultCode = CodeNotMatched
	}
	return result
}

// record writes the audit row and the schedule's last-evaluation columns in
// one transaction.
func (e *Evaluator) record(schedule *sched.Schedule, result *Result, traceID string) error {
	tx, err := e.audits.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Re-check under the transaction; a concurrent evaluation may have won.
	if existing, err := e.audits.FindTx(tx, result.EvaluationID); err != nil {
		return err
	} else if existing != nil {
		*result = *existing
		result.Duplicate = true
		return nil
	}

	if err := e.audits.InsertTx(tx, result, traceID); err != nil {
		return err
	}

	at := result.EvaluatedAt
	schedule.LastEvaluatedAt = &at
	schedule.LastEvalStatus = result.Status
	schedule.LastEvalError = result.ResultCode
	if result.Status != StatusError {
		schedule.LastEvalError = ""
	}
	schedule.NextRunAt = sched.NextRun(schedule, at)
	if err := e.scheds.UpdateScheduleTx(tx, schedule); err != nil {
		return err
	}
	return tx.Commit()
}
