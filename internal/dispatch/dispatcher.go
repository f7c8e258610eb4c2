package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/clock"
	"github.com/karlvoss/adjutant/internal/metrics"
	"github.com/karlvoss/adjutant/internal/sched"
	"github.com/karlvoss/adjutant/internal/telemetry"
)

// Invoker runs the actual work of an execution. The conversational agent
// plugs in here; the dispatcher never knows what the work is.
type Invoker interface {
	InvokeExecution(ctx context.Context, req InvokeRequest) InvokeResult
}

// FailureNotifier is told when an execution exhausts its attempts. The
// attention router submission lives behind this interface so the dispatcher
// stays free of routing concerns.
type FailureNotifier interface {
	ExecutionFailed(ctx context.Context, exec *Execution, schedule *sched.Schedule)
}

// Dispatcher creates execution records, invokes the work, records outcomes,
// schedules retries, and triggers failure notifications. Audit rows are
// written in the same transaction as the status change they describe.
type Dispatcher struct {
	execs    *Store
	scheds   *sched.Store
	provider sched.TimerProvider
	policy   RetryPolicy
	invoker  Invoker
	notifier FailureNotifier
	clk      clock.Clock
	logger   *zap.Logger
}

// NewDispatcher creates an execution dispatcher.
func NewDispatcher(execs *Store, scheds *sched.Store, provider sched.TimerProvider, policy RetryPolicy, invoker Invoker, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Dispatcher{
		execs:    execs,
		scheds:   scheds,
		provider: provider,
		policy:   policy,
		invoker:  invoker,
		clk:      clk,
		logger:   logger,
	}
}

// SetFailureNotifier wires the failure notification sink. Called at startup.
func (d *Dispatcher) SetFailureNotifier(n FailureNotifier) { d.notifier = n }

// Dispatch runs one accepted callback end to end. Duplicate (schedule_id,
// trace_id) pairs return the existing execution without creating records.
func (d *Dispatcher) Dispatch(ctx context.Context, payload CallbackPayload) (*BridgeResult, error) {
	ctx, span := telemetry.StartDispatchSpan(ctx, payload.ScheduleID, payload.TraceID)
	defer span.End()

	schedule, err := d.scheds.GetSchedule(payload.ScheduleID)
	if err != nil {
		return nil, err
	}
	if schedule.State == sched.StateCanceled || schedule.State == sched.StateCompleted {
		return nil, apperr.E(apperr.KindConflict, "schedule %d is %s", schedule.ID, schedule.State)
	}

	existing, err := d.execs.FindByTrace(payload.ScheduleID, payload.TraceID)
	if err != nil {
		return nil, err
	}

	var exec *Execution
	switch {
	case existing == nil:
		exec, err = d.createExecution(payload)
		if err != nil {
			return nil, err
		}
	case existing.Status == StatusRetryScheduled:
		exec = existing
	default:
		return &BridgeResult{Status: BridgeDuplicate, DuplicateExecutionID: existing.ID}, nil
	}

	if err := d.run(ctx, exec, schedule); err != nil {
		return nil, err
	}
	return &BridgeResult{Status: BridgeAccepted, ExecutionID: exec.ID}, nil
}

// RunNow implements sched.Runner: an immediate dispatch outside the timer.
func (d *Dispatcher) RunNow(ctx context.Context, scheduleID int64, traceID string) (int64, string, error) {
	now := d.clk.Now()
	result, err := d.Dispatch(ctx, CallbackPayload{
		ScheduleID:      scheduleID,
		ScheduledFor:    &now,
		TraceID:         traceID,
		EmittedAt:       now,
		TriggerSource:   "run_now",
		ProviderAttempt: 1,
	})
	if err != nil {
		return 0, "", err
	}
	exec, err := d.execs.Get(result.ExecutionID)
	if err != nil {
		return result.ExecutionID, "", err
	}
	return exec.ID, exec.Status, nil
}

func (d *Dispatcher) createExecution(payload CallbackPayload) (*Execution, error) {
	exec := &Execution{
		ScheduleID:    payload.ScheduleID,
		Status:        StatusQueued,
		ScheduledFor:  payload.ScheduledFor.UTC(),
		AttemptCount:  1,
		MaxAttempts:   d.policy.MaxAttempts,
		TraceID:       payload.TraceID,
		TriggerSource: payload.TriggerSource,
		CreatedAt:     d.clk.Now(),
	}

	tx, err := d.execs.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := d.execs.CreateTx(tx, exec); err != nil {
		return nil, err
	}
	if err := d.execs.InsertAuditTx(tx, &AuditRecord{
		ExecutionID: exec.ID,
		ScheduleID:  exec.ScheduleID,
		TraceID:     exec.TraceID,
		Status:      StatusQueued,
		Actor:       sched.Actor{Type: sched.ActorScheduled},
		OccurredAt:  exec.CreatedAt,
	}); err != nil {
		return nil, err
	}
	return exec, tx.Commit()
}

// run drives one attempt: queued/retry_scheduled → running → terminal.
func (d *Dispatcher) run(ctx context.Context, exec *Execution, schedule *sched.Schedule) error {
	startedAt := d.clk.Now()
	if startedAt.Before(exec.ScheduledFor) {
		startedAt = exec.ScheduledFor
	}

	if exec.Status == StatusRetryScheduled {
		exec.AttemptCount++
	}
	exec.Status = StatusRunning
	exec.StartedAt = &startedAt
	exec.NextRetryAt = nil

	if err := d.updateWithAudit(exec, "", startedAt); err != nil {
		return err
	}

	invokeStart := time.Now()
	result := d.invoke(ctx, exec, schedule)
	metrics.ExecutionDurationSeconds.Observe(time.Since(invokeStart).Seconds())

	finishedAt := d.clk.Now()
	if finishedAt.Before(startedAt) {
		finishedAt = startedAt
	}
	exec.FinishedAt = &finishedAt

	if result.Status == InvokeSuccess {
		return d.recordSuccess(ctx, exec, schedule, finishedAt)
	}
	return d.recordFailure(ctx, exec, schedule, result, finishedAt)
}

// invoke calls the pluggable invoker, converting panics-by-contract
// (context expiry) into results rather than errors.
func (d *Dispatcher) invoke(ctx context.Context, exec *Execution, schedule *sched.Schedule) InvokeResult {
	if err := ctx.Err(); err != nil {
		return invokeResultForCtx(err)
	}
	result := d.invoker.InvokeExecution(ctx, InvokeRequest{
		ExecutionID:  exec.ID,
		ScheduleID:   exec.ScheduleID,
		IntentID:     schedule.IntentID,
		ScheduledFor: exec.ScheduledFor,
		Attempt:      exec.AttemptCount,
		TraceID:      exec.TraceID,
	})
	if result.Status == "" {
		result.Status = InvokeFailure
		result.ErrorCode = string(apperr.KindInternal)
		result.ErrorMessage = "invoker returned no status"
	}
	return result
}

func invokeResultForCtx(err error) InvokeResult {
	code := string(apperr.KindCanceled)
	if errors.Is(err, context.DeadlineExceeded) {
		code = string(apperr.KindTimeout)
	}
	return InvokeResult{Status: InvokeFailure, ErrorCode: code, ErrorMessage: err.Error()}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, exec *Execution, schedule *sched.Schedule, finishedAt time.Time) error {
	exec.Status = StatusSucceeded
	exec.LastErrorCode = ""
	exec.LastErrorMessage = ""

	tx, err := d.execs.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := d.execs.UpdateTx(tx, exec); err != nil {
		return err
	}
	if err := d.execs.InsertAuditTx(tx, &AuditRecord{
		ExecutionID: exec.ID,
		ScheduleID:  exec.ScheduleID,
		TraceID:     exec.TraceID,
		Status:      StatusSucceeded,
		Actor:       sched.Actor{Type: sched.ActorScheduled},
		OccurredAt:  finishedAt,
	}); err != nil {
		return err
	}

	before := *schedule
	schedule.LastRunAt = &finishedAt
	schedule.LastRunStatus = StatusSucceeded
	schedule.LastExecutionID = &exec.ID
	schedule.FailureCount = 0 // resets on success
	if schedule.Kind == sched.KindOnce {
		schedule.State = sched.StateCompleted
		schedule.NextRunAt = nil
	} else if schedule.State == sched.StateActive {
		schedule.NextRunAt = sched.NextRun(schedule, finishedAt)
	}
	if err := d.scheds.UpdateScheduleTx(tx, schedule); err != nil {
		return err
	}
	action := sched.AuditRunRecorded
	if schedule.State == sched.StateCompleted {
		action = sched.AuditCompleted
	}
	if err := d.scheds.InsertAuditTx(tx, &sched.AuditRecord{
		ScheduleID: schedule.ID,
		IntentID:   schedule.IntentID,
		Action:     action,
		Actor:      sched.Actor{Type: sched.ActorScheduled},
		TraceID:    exec.TraceID,
		Before:     before,
		After:      schedule,
		OccurredAt: finishedAt,
	}); err != nil {
		return err
	}

	if schedule.State == sched.StateCompleted {
		if err := d.provider.Deregister(ctx, schedule.ID); err != nil {
			return apperr.Wrap(apperr.KindProvider, err, "deregister completed schedule")
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	metrics.ExecutionsTotal.WithLabelValues(StatusSucceeded).Inc()
	d.logger.Info("execution succeeded",
		zap.Int64("execution_id", exec.ID),
		zap.Int64("schedule_id", exec.ScheduleID),
		zap.String("trace_id", exec.TraceID),
		zap.Int("attempt", exec.AttemptCount),
	)
	return nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, exec *Execution, schedule *sched.Schedule, result InvokeResult, finishedAt time.Time) error {
	exec.LastErrorCode = result.ErrorCode
	exec.LastErrorMessage = result.ErrorMessage

	canceled := result.ErrorCode == string(apperr.KindCanceled) || result.ErrorCode == string(apperr.KindTimeout)
	retryable := !canceled && exec.AttemptCount < exec.MaxAttempts && d.policy.Strategy != BackoffNone

	tx, err := d.execs.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch {
	case canceled:
		exec.Status = StatusCanceled
	case retryable:
		exec.RetryCount++
		retryAt := d.policy.RetryAt(finishedAt, exec.RetryCount)
		exec.Status = StatusRetryScheduled
		exec.NextRetryAt = &retryAt
	default:
		exec.Status = StatusFailed
	}

	if err := d.execs.UpdateTx(tx, exec); err != nil {
		return err
	}
	if err := d.execs.InsertAuditTx(tx, &AuditRecord{
		ExecutionID: exec.ID,
		ScheduleID:  exec.ScheduleID,
		TraceID:     exec.TraceID,
		Status:      exec.Status,
		Actor:       sched.Actor{Type: sched.ActorScheduled},
		Reason:      result.ErrorMessage,
		OccurredAt:  finishedAt,
	}); err != nil {
		return err
	}

	if exec.Status == StatusFailed {
		before := *schedule
		schedule.LastRunAt = &finishedAt
		schedule.LastRunStatus = StatusFailed
		schedule.LastExecutionID = &exec.ID
		schedule.FailureCount++
		if schedule.State == sched.StateActive {
			schedule.NextRunAt = sched.NextRun(schedule, finishedAt)
		}
		if err := d.scheds.UpdateScheduleTx(tx, schedule); err != nil {
			return err
		}
		if err := d.scheds.InsertAuditTx(tx, &sched.AuditRecord{
			ScheduleID: schedule.ID,
			IntentID:   schedule.IntentID,
			Action:     sched.AuditRunRecorded,
			Actor:      sched.Actor{Type: sched.ActorScheduled},
			TraceID:    exec.TraceID,
			Reason:     result.ErrorMessage,
			Before:     before,
			After:      schedule,
			OccurredAt: finishedAt,
		}); err != nil {
			return err
		}
	}

	if exec.Status == StatusRetryScheduled {
		if err := d.provider.ScheduleCallback(ctx, exec.ScheduleID, *exec.NextRetryAt, exec.TraceID); err != nil {
			return apperr.Wrap(apperr.KindProvider, err, "schedule retry callback")
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	metrics.ExecutionsTotal.WithLabelValues(exec.Status).Inc()
	d.logger.Warn("execution attempt failed",
		zap.Int64("execution_id", exec.ID),
		zap.Int64("schedule_id", exec.ScheduleID),
		zap.String("trace_id", exec.TraceID),
		zap.String("status", exec.Status),
		zap.Int("attempt", exec.AttemptCount),
		zap.String("error_code", result.ErrorCode),
	)

	if exec.Status == StatusFailed && d.notifier != nil {
		d.notifier.ExecutionFailed(ctx, exec, schedule)
	}
	return nil
}

// updateWithAudit persists a status change plus its audit row in one
// transaction.
func (d *Dispatcher) updateWithAudit(exec *Execution, reason string, occurredAt time.Time) error {
	tx, err := d.execs.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := d.execs.UpdateTx(tx, exec); err != nil {
		return err
	}
	if err := d.execs.InsertAuditTx(tx, &AuditRecord{
		ExecutionID: exec.ID,
		ScheduleID:  exec.ScheduleID,
		TraceID:     exec.TraceID,
		Status:      exec.Status,
		Actor:       sched.Actor{Type: sched.ActorScheduled},
		Reason:      reason,
		OccurredAt:  occurredAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
