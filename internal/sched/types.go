// Package sched persists task intents and their schedules, validates
// recurrence definitions, and drives the external timer provider.
package sched

import (
	"time"
)

// Schedule kinds.
const (
	KindOnce        = "once"
	KindInterval    = "interval"
	KindCalendar    = "calendar"
	KindConditional = "conditional"
)

// Schedule states.
const (
	StateActive    = "active"
	StatePaused    = "paused"
	StateCompleted = "completed"
	StateCanceled  = "canceled"
)

// Interval units.
const (
	UnitMinute = "minute"
	UnitHour   = "hour"
	UnitDay    = "day"
	UnitWeek   = "week"
)

// Predicate operators for conditional schedules.
const (
	OpEq      = "eq"
	OpNeq     = "neq"
	OpGt      = "gt"
	OpGte     = "gte"
	OpLt      = "lt"
	OpLte     = "lte"
	OpExists  = "exists"
	OpMatches = "matches"
)

// Actor identifies who caused a mutation.
type Actor struct {
	Type    string `json:"type"` // human, system, scheduled
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// Actor type constants.
const (
	ActorHuman     = "human"
	ActorSystem    = "system"
	ActorScheduled = "scheduled"
)

// TaskIntent is a stable unit of work referenced by schedules. Immutable
// except by explicit supersession.
type TaskIntent struct {
	ID           int64      `json:"id"`
	Summary      string     `json:"summary"`
	Detail       string     `json:"detail,omitempty"`
	OriginRef    string     `json:"origin_ref,omitempty"`
	CreatedBy    string     `json:"created_by"`
	SupersededBy *int64     `json:"superseded_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Definition is the tagged variant holding kind-specific schedule fields.
// Exactly the fields for the schedule's kind are populated.
type Definition struct {
	// once
	RunAt *time.Time `json:"run_at,omitempty"`

	// interval
	IntervalCount int        `json:"interval_count,omitempty"`
	IntervalUnit  string     `json:"interval_unit,omitempty"`
	Anchor        *time.Time `json:"anchor,omitempty"` // interval + calendar

	// calendar
	CronExpr string `json:"cron_expr,omitempty"`

	// conditional
	PredicateSubject   string `json:"predicate_subject,omitempty"`
	PredicateOperator  string `json:"predicate_operator,omitempty"`
	PredicateValue     string `json:"predicate_value,omitempty"`
	PredicateValueType string `json:"predicate_value_type,omitempty"` // string, number, bool
	EvalCadenceSeconds int    `json:"eval_cadence_seconds,omitempty"`
}

// Schedule describes when and how a task intent runs.
type Schedule struct {
	ID       int64      `json:"id"`
	IntentID int64      `json:"intent_id"`
	Kind     string     `json:"kind"`
	State    string     `json:"state"`
	Timezone string     `json:"timezone"`
	Def      Definition `json:"definition"`

	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	FailureCount    int        `json:"failure_count"`
	LastExecutionID *int64     `json:"last_execution_id,omitempty"`

	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	LastEvalStatus  string     `json:"last_eval_status,omitempty"`
	LastEvalError   string     `json:"last_eval_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditRecord is one append-only schedule mutation entry. Records retain
// denormalized identifiers so they survive entity deletion.
type AuditRecord struct {
	ID         string    `json:"id"`
	ScheduleID int64     `json:"schedule_id"`
	IntentID   int64     `json:"intent_id"`
	Action     string    `json:"action"`
	Actor      Actor     `json:"actor"`
	TraceID    string    `json:"trace_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Before     any       `json:"before,omitempty"`
	After      any       `json:"after,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Audit actions.
const (
	AuditCreated     = "schedule.created"
	AuditUpdated     = "schedule.updated"
	AuditPaused      = "schedule.paused"
	AuditResumed     = "schedule.resumed"
	AuditDeleted     = "schedule.deleted"
	AuditRunNow      = "schedule.run_now"
	AuditCompleted   = "schedule.completed"
	AuditRunRecorded = "schedule.run_recorded"
)

// stateTransitionAllowed encodes the schedule state matrix: active ⇄ paused,
// either → canceled, completed terminal. Same-state transitions rejected.
func stateTransitionAllowed(from, to string) bool {
	if from == to {
		return false
	}
	switch from {
	case StateActive:
		return to == StatePaused || to == StateCanceled || to == StateCompleted
	case StatePaused:
		return to == StateActive || to == StateCanceled
	default: // completed, canceled are sinks
		return false
	}
}
