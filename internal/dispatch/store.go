package dispatch

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/storage"
)

// Store persists executions and the execution audit log. The unique
// (schedule_id, trace_id) index is what makes callback dispatch at-most-once.
type Store struct {
	db *sql.DB
}

// NewStore creates the execution tables if needed.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS executions (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		schedule_id    INTEGER NOT NULL,
		status         TEXT NOT NULL,
		scheduled_for  TEXT NOT NULL,
		started_at     TEXT,
		finished_at    TEXT,
		attempt_count  INTEGER NOT NULL DEFAULT 1,
		max_attempts   INTEGER NOT NULL DEFAULT 1,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		next_retry_at  TEXT,
		last_error_code    TEXT NOT NULL DEFAULT '',
		last_error_message TEXT NOT NULL DEFAULT '',
		trace_id       TEXT NOT NULL,
		trigger_source TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create executions table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS execution_audit_logs (
		id           TEXT PRIMARY KEY,
		execution_id INTEGER NOT NULL,
		schedule_id  INTEGER NOT NULL,
		trace_id     TEXT NOT NULL,
		status       TEXT NOT NULL,
		actor_type   TEXT NOT NULL,
		actor_id     TEXT NOT NULL DEFAULT '',
		actor_channel TEXT NOT NULL DEFAULT '',
		reason       TEXT NOT NULL DEFAULT '',
		occurred_at  TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create execution_audit_logs table: %w", err)
	}

	_, _ = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_schedule_trace ON executions(schedule_id, trace_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id, created_at DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_exec_audit_execution ON execution_audit_logs(execution_id, occurred_at)`)

	return &Store{db: db}, nil
}

// Begin starts a transaction.
func (s *Store) Begin() (*sql.Tx, error) { return s.db.Begin() }

// FindByTrace returns the execution for (scheduleID, traceID), or nil.
func (s *Store) FindByTrace(scheduleID int64, traceID string) (*Execution, error) {
	exec, err := scanExecution(s.db.QueryRow(executionSelect+` WHERE schedule_id = ? AND trace_id = ?`, scheduleID, traceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return exec, nil
}

// CreateTx inserts a queued execution inside tx and assigns its id.
func (s *Store) CreateTx(tx *sql.Tx, exec *Execution) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	res, err := tx.Exec(`INSERT INTO executions
		(schedule_id, status, scheduled_for, started_at, finished_at, attempt_count, max_attempts,
		 retry_count, next_retry_at, last_error_code, last_error_message, trace_id, trigger_source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ScheduleID, exec.Status, storage.FormatTime(exec.ScheduledFor),
		storage.NullableTime(exec.StartedAt), storage.NullableTime(exec.FinishedAt),
		exec.AttemptCount, exec.MaxAttempts, exec.RetryCount,
		storage.NullableTime(exec.NextRetryAt),
		exec.LastErrorCode, exec.LastErrorMessage,
		exec.TraceID, exec.TriggerSource, storage.FormatTime(exec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	exec.ID, _ = res.LastInsertId()
	return nil
}

// UpdateTx rewrites an execution's mutable columns inside tx.
func (s *Store) UpdateTx(tx *sql.Tx, exec *Execution) error {
	res, err := tx.Exec(`UPDATE executions SET
		status = ?, started_at = ?, finished_at = ?, attempt_count = ?, retry_count = ?,
		next_retry_at = ?, last_error_code = ?, last_error_message = ?
		WHERE id = ?`,
		exec.Status, storage.NullableTime(exec.StartedAt), storage.NullableTime(exec.FinishedAt),
		exec.AttemptCount, exec.RetryCount, storage.NullableTime(exec.NextRetryAt),
		exec.LastErrorCode, exec.LastErrorMessage, exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperr.E(apperr.KindNotFound, "execution %d not found", exec.ID)
	}
	return nil
}

// Get returns one execution by id.
func (s *Store) Get(id int64) (*Execution, error) {
	exec, err := scanExecution(s.db.QueryRow(executionSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.E(apperr.KindNotFound, "execution %d not found", id)
		}
		return nil, err
	}
	return exec, nil
}

// List returns executions for a schedule, newest first.
func (s *Store) List(scheduleID int64, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(executionSelect+` WHERE schedule_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Execution, 0, limit)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

// InsertAuditTx appends an execution audit record inside tx.
func (s *Store) InsertAuditTx(tx *sql.Tx, rec *AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	_, err := tx.Exec(`INSERT INTO execution_audit_logs
		(id, execution_id, schedule_id, trace_id, status, actor_type, actor_id, actor_channel, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ExecutionID, rec.ScheduleID, rec.TraceID, rec.Status,
		rec.Actor.Type, rec.Actor.ID, rec.Actor.Channel,
		rec.Reason, storage.FormatTime(rec.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution audit: %w", err)
	}
	return nil
}

// ListAudits returns audit rows for an execution in occurrence order.
func (s *Store) ListAudits(executionID int64) ([]AuditRecord, error) {
	rows, err := s.db.Query(`SELECT id, execution_id, schedule_id, trace_id, status, actor_type, actor_id, actor_channel, reason, occurred_at
		FROM execution_audit_logs WHERE execution_id = ? ORDER BY occurred_at, id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec        AuditRecord
			occurredAt string
		)
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &rec.ScheduleID, &rec.TraceID, &rec.Status,
			&rec.Actor.Type, &rec.Actor.ID, &rec.Actor.Channel, &rec.Reason, &occurredAt); err != nil {
			return nil, err
		}
		rec.OccurredAt = storage.ParseTime(occurredAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeAudits deletes execution audit rows older than the cutoff.
func (s *Store) PurgeAudits(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.Exec(`DELETE FROM execution_audit_logs WHERE occurred_at < ?`, storage.FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const executionSelect = `SELECT id, schedule_id, status, scheduled_for, started_at, finished_at,
	attempt_count, max_attempts, retry_count, next_retry_at,
	last_error_code, last_error_message, trace_id, trigger_source, created_at
	FROM executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		exec                           Execution
		scheduledFor, createdAt        string
		startedAt, finishedAt, retryAt sql.NullString
	)
	if err := row.Scan(
		&exec.ID, &exec.ScheduleID, &exec.Status, &scheduledFor, &startedAt, &finishedAt,
		&exec.AttemptCount, &exec.MaxAttempts, &exec.RetryCount, &retryAt,
		&exec.LastErrorCode, &exec.LastErrorMessage, &exec.TraceID, &exec.TriggerSource, &createdAt,
	); err != nil {
		return nil, err
	}
	exec.ScheduledFor = storage.ParseTime(scheduledFor)
	exec.StartedAt = storage.TimePtr(startedAt)
	exec.FinishedAt = storage.TimePtr(finishedAt)
	exec.NextRetryAt = storage.TimePtr(retryAt)
	exec.CreatedAt = storage.ParseTime(createdAt)
	return &exec, nil
}
