// Package dispatch turns provider callbacks into idempotent executions:
// the bridge deduplicates, the dispatcher runs the intent and records the
// outcome, and the retry policy decides what happens on failure.
package dispatch

import (
	"time"

	"github.com/karlvoss/adjutant/internal/sched"
)

// Execution statuses.
const (
	StatusQueued         = "queued"
	StatusRunning        = "running"
	StatusSucceeded      = "succeeded"
	StatusFailed         = "failed"
	StatusCanceled       = "canceled"
	StatusRetryScheduled = "retry_scheduled"
)

// Execution is a single attempted run of a schedule at a scheduled time.
// One trace id threads through the callback, the execution, and every audit
// row; there is no separate correlation id.
type Execution struct {
	ID           int64      `json:"id"`
	ScheduleID   int64      `json:"schedule_id"`
	Status       string     `json:"status"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`

	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	RetryCount   int        `json:"retry_count"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`

	LastErrorCode    string `json:"last_error_code,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`

	TraceID       string    `json:"trace_id"`
	TriggerSource string    `json:"trigger_source"`
	CreatedAt     time.Time `json:"created_at"`
}

// CallbackPayload is the provider-agnostic "fire now" message.
type CallbackPayload struct {
	ScheduleID      int64      `json:"schedule_id"`
	ScheduledFor    *time.Time `json:"scheduled_for,omitempty"`
	TraceID         string     `json:"trace_id"`
	EmittedAt       time.Time  `json:"emitted_at"`
	TriggerSource   string     `json:"trigger_source"`
	ProviderAttempt int        `json:"provider_attempt"`
}

// Bridge result statuses.
const (
	BridgeAccepted  = "accepted"
	BridgeDuplicate = "duplicate"
)

// BridgeResult is what the callback bridge returns to the provider.
type BridgeResult struct {
	Status               string `json:"status"`
	ExecutionID          int64  `json:"execution_id,omitempty"`
	DuplicateExecutionID int64  `json:"duplicate_execution_id,omitempty"`
}

// AuditRecord is one append-only execution lifecycle entry.
type AuditRecord struct {
	ID          string      `json:"id"`
	ExecutionID int64       `json:"execution_id"`
	ScheduleID  int64       `json:"schedule_id"`
	TraceID     string      `json:"trace_id"`
	Status      string      `json:"status"`
	Actor       sched.Actor `json:"actor"`
	Reason      string      `json:"reason,omitempty"`
	OccurredAt  time.Time   `json:"occurred_at"`
}

// Invoker result statuses.
const (
	InvokeSuccess = "success"
	InvokeFailure = "failure"
)

// InvokeRequest is handed to the pluggable invoker.
type InvokeRequest struct {
	ExecutionID  int64      `json:"execution_id"`
	ScheduleID   int64      `json:"schedule_id"`
	IntentID     int64      `json:"intent_id"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Attempt      int        `json:"attempt"`
	TraceID      string     `json:"trace_id"`
}

// InvokeResult is what the invoker reports back.
type InvokeResult struct {
	Status            string `json:"status"` // success, failure
	ResultCode        string `json:"result_code,omitempty"`
	AttentionRequired bool   `json:"attention_required,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
}
