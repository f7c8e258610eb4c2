package sched

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/storage"
)

// Store persists task intents, schedules, and the schedule audit log.
// Mutations that must not diverge from their audit rows take a *sql.Tx so
// the service can commit both or neither.
type Store struct {
	db *sql.DB
}

// NewStore creates the schedule tables if needed.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS task_intents (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		summary       TEXT NOT NULL,
		detail        TEXT NOT NULL DEFAULT '',
		origin_ref    TEXT NOT NULL DEFAULT '',
		created_by    TEXT NOT NULL DEFAULT '',
		superseded_by INTEGER,
		created_at    TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create task_intents table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schedules (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		intent_id        INTEGER NOT NULL,
		kind             TEXT NOT NULL,
		state            TEXT NOT NULL,
		timezone         TEXT NOT NULL DEFAULT 'UTC',
		run_at           TEXT,
		interval_count   INTEGER NOT NULL DEFAULT 0,
		interval_unit    TEXT NOT NULL DEFAULT '',
		anchor           TEXT,
		cron_expr        TEXT NOT NULL DEFAULT '',
		pred_subject     TEXT NOT NULL DEFAULT '',
		pred_operator    TEXT NOT NULL DEFAULT '',
		pred_value       TEXT NOT NULL DEFAULT '',
		pred_value_type  TEXT NOT NULL DEFAULT '',
		eval_cadence_sec INTEGER NOT NULL DEFAULT 0,
		next_run_at      TEXT,
		last_run_at      TEXT,
		last_run_status  TEXT NOT NULL DEFAULT '',
		failure_count    INTEGER NOT NULL DEFAULT 0,
		last_execution_id INTEGER,
		last_evaluated_at TEXT,
		last_eval_status  TEXT NOT NULL DEFAULT '',
		last_eval_error   TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,
		FOREIGN KEY(intent_id) REFERENCES task_intents(id) ON DELETE CASCADE
	)`); err != nil {
		return nil, fmt.Errorf("create schedules table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schedule_audit_logs (
		id          TEXT PRIMARY KEY,
		schedule_id INTEGER NOT NULL,
		intent_id   INTEGER NOT NULL,
		action      TEXT NOT NULL,
		actor_type  TEXT NOT NULL,
		actor_id    TEXT NOT NULL DEFAULT '',
		actor_channel TEXT NOT NULL DEFAULT '',
		trace_id    TEXT NOT NULL DEFAULT '',
		reason      TEXT NOT NULL DEFAULT '',
		before_val  TEXT,
		after_val   TEXT,
		occurred_at TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create schedule_audit_logs table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_schedules_state ON schedules(state)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_schedules_intent ON schedules(intent_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_sched_audit_schedule ON schedule_audit_logs(schedule_id, occurred_at DESC)`)

	return &Store{db: db}, nil
}

// Begin starts a transaction.
func (s *Store) Begin() (*sql.Tx, error) { return s.db.Begin() }

// DB exposes the underlying handle for sibling stores sharing transactions.
func (s *Store) DB() *sql.DB { return s.db }

// CreateIntent inserts a task intent.
func (s *Store) CreateIntent(intent TaskIntent) (*TaskIntent, error) {
	if strings.TrimSpace(intent.Summary) == "" {
		return nil, apperr.E(apperr.KindValidation, "intent summary is required")
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.Exec(`INSERT INTO task_intents (summary, detail, origin_ref, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		strings.TrimSpace(intent.Summary),
		intent.Detail,
		intent.OriginRef,
		intent.CreatedBy,
		storage.FormatTime(intent.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert intent: %w", err)
	}
	intent.ID, _ = res.LastInsertId()
	return &intent, nil
}

// GetIntent returns one task intent by id.
func (s *Store) GetIntent(id int64) (*TaskIntent, error) {
	row := s.db.QueryRow(`SELECT id, summary, detail, origin_ref, created_by, superseded_by, created_at
		FROM task_intents WHERE id = ?`, id)

	var (
		intent       TaskIntent
		supersededBy sql.NullInt64
		createdAt    string
	)
	if err := row.Scan(&intent.ID, &intent.Summary, &intent.Detail, &intent.OriginRef,
		&intent.CreatedBy, &supersededBy, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.E(apperr.KindNotFound, "intent %d not found", id)
		}
		return nil, err
	}
	if supersededBy.Valid {
		v := supersededBy.Int64
		intent.SupersededBy = &v
	}
	intent.CreatedAt = storage.ParseTime(createdAt)
	return &intent, nil
}

// SupersedeIntent marks an intent as replaced by another. The only allowed
// mutation of an intent.
func (s *Store) SupersedeIntent(id, successorID int64) error {
	res, err := s.db.Exec(`UPDATE task_intents SET superseded_by = ? WHERE id = ? AND superseded_by IS NULL`, successorID, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperr.E(apperr.KindConflict, "intent %d missing or already superseded", id)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// CreateScheduleTx inserts a schedule inside tx and assigns its id.
func (s *Store) CreateScheduleTx(tx *sql.Tx, sc *Schedule) error {
	now := time.Now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now

	res, err := tx.Exec(`INSERT INTO schedules (
		intent_id, kind, state, timezone,
		run_at, interval_count, interval_unit, anchor, cron_expr,
		pred_subject, pred_operator, pred_value, pred_value_type, eval_cadence_sec,
		next_run_at, last_run_at, last_run_status, failure_count,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.IntentID, sc.Kind, sc.State, sc.Timezone,
		storage.NullableTime(sc.Def.RunAt), sc.Def.IntervalCount, sc.Def.IntervalUnit,
		storage.NullableTime(sc.Def.Anchor), sc.Def.CronExpr,
		sc.Def.PredicateSubject, sc.Def.PredicateOperator, sc.Def.PredicateValue,
		sc.Def.PredicateValueType, sc.Def.EvalCadenceSeconds,
		storage.NullableTime(sc.NextRunAt), storage.NullableTime(sc.LastRunAt),
		sc.LastRunStatus, sc.FailureCount,
		storage.FormatTime(sc.CreatedAt), storage.FormatTime(sc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	sc.ID, _ = res.LastInsertId()
	return nil
}

// UpdateScheduleTx rewrites a schedule's mutable columns inside tx.
func (s *Store) UpdateScheduleTx(tx *sql.Tx, sc *Schedule) error {
	sc.UpdatedAt = time.Now().UTC()

	res, err := tx.Exec(`UPDATE schedules SET
		kind = ?, state = ?, timezone = ?,
		run_at = ?, interval_count = ?, interval_unit = ?, anchor = ?, cron_expr = ?,
		pred_subject = ?, pred_operator = ?, pred_value = ?, pred_value_type = ?, eval_cadence_sec = ?,
		next_run_at = ?, last_run_at = ?, last_run_status = ?, failure_count = ?,
		last_execution_id = ?, last_evaluated_at = ?, last_eval_status = ?, last_eval_error = ?,
		updated_at = ?
		WHERE id = ?`,
		sc.Kind, sc.State, sc.Timezone,
		storage.NullableTime(sc.Def.RunAt), sc.Def.IntervalCount, sc.Def.IntervalUnit,
		storage.NullableTime(sc.Def.Anchor), sc.Def.CronExpr,
		sc.Def.PredicateSubject, sc.Def.PredicateOperator, sc.Def.PredicateValue,
		sc.Def.PredicateValueType, sc.Def.EvalCadenceSeconds,
		storage.NullableTime(sc.NextRunAt), storage.NullableTime(sc.LastRunAt),
		sc.LastRunStatus, sc.FailureCount,
		nullableID(sc.LastExecutionID), storage.NullableTime(sc.LastEvaluatedAt),
		sc.LastEvalStatus, sc.LastEvalError,
		storage.FormatTime(sc.UpdatedAt),
		sc.ID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperr.E(apperr.KindNotFound, "schedule %d not found", sc.ID)
	}
	return nil
}

// GetSchedule returns one schedule by id.
func (s *Store) GetSchedule(id int64) (*Schedule, error) {
	return scanSchedule(s.db.QueryRow(scheduleSelect+` WHERE id = ?`, id), id)
}

// GetScheduleTx reads a schedule inside tx so concurrent mutations of the
// same row serialize on it.
func (s *Store) GetScheduleTx(tx *sql.Tx, id int64) (*Schedule, error) {
	return scanSchedule(tx.QueryRow(scheduleSelect+` WHERE id = ?`, id), id)
}

// ListSchedules returns schedules, optionally filtered by intent and state.
func (s *Store) ListSchedules(intentID int64, state string) ([]Schedule, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if intentID > 0 {
		clauses = append(clauses, "intent_id = ?")
		args = append(args, intentID)
	}
	if state != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, state)
	}

	stmt := scheduleSelect
	if len(clauses) > 0 {
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	stmt += " ORDER BY id"

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Schedule, 0)
	for rows.Next() {
		sc, err := scanSchedule(rows, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// DueBefore returns active schedules whose next run time has arrived,
// oldest first. Conditional schedules never appear: they fire on predicate
// evaluation, not on the clock.
func (s *Store) DueBefore(cutoff time.Time, limit int) ([]Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(scheduleSelect+` WHERE state = ? AND kind != ?
		AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at, id LIMIT ?`,
		StateActive, KindConditional, storage.FormatTime(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Schedule, 0)
	for rows.Next() {
		sc, err := scanSchedule(rows, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// DeleteScheduleTx removes a schedule row inside tx. Audit rows survive.
func (s *Store) DeleteScheduleTx(tx *sql.Tx, id int64) error {
	res, err := tx.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperr.E(apperr.KindNotFound, "schedule %d not found", id)
	}
	return nil
}

// InsertAuditTx appends a schedule audit record inside tx. A failed audit
// write must fail the surrounding transaction.
func (s *Store) InsertAuditTx(tx *sql.Tx, rec *AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}

	before, _ := json.Marshal(rec.Before)
	after, _ := json.Marshal(rec.After)

	_, err := tx.Exec(`INSERT INTO schedule_audit_logs
		(id, schedule_id, intent_id, action, actor_type, actor_id, actor_channel, trace_id, reason, before_val, after_val, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ScheduleID, rec.IntentID, rec.Action,
		rec.Actor.Type, rec.Actor.ID, rec.Actor.Channel,
		rec.TraceID, rec.Reason, string(before), string(after),
		storage.FormatTime(rec.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("insert schedule audit: %w", err)
	}
	return nil
}

// AuditFilter controls schedule audit queries.
type AuditFilter struct {
	ScheduleID int64
	Action     string
	Since      time.Time
	Limit      int
}

// ListAudits returns schedule audit records, newest first.
func (s *Store) ListAudits(f AuditFilter) ([]AuditRecord, error) {
	stmt := `SELECT id, schedule_id, intent_id, action, actor_type, actor_id, actor_channel, trace_id, reason, before_val, after_val, occurred_at
		FROM schedule_audit_logs WHERE 1=1`
	var args []any

	if f.ScheduleID > 0 {
		stmt += " AND schedule_id = ?"
		args = append(args, f.ScheduleID)
	}
	if f.Action != "" {
		stmt += " AND action = ?"
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		stmt += " AND occurred_at >= ?"
		args = append(args, storage.FormatTime(f.Since))
	}
	stmt += " ORDER BY occurred_at DESC, id DESC"
	if f.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec           AuditRecord
			before, after sql.NullString
			occurredAt    string
		)
		if err := rows.Scan(&rec.ID, &rec.ScheduleID, &rec.IntentID, &rec.Action,
			&rec.Actor.Type, &rec.Actor.ID, &rec.Actor.Channel,
			&rec.TraceID, &rec.Reason, &before, &after, &occurredAt); err != nil {
			return nil, err
		}
		if before.Valid && before.String != "" && before.String != "null" {
			_ = json.Unmarshal([]byte(before.String), &rec.Before)
		}
		if after.Valid && after.String != "" && after.String != "null" {
			_ = json.Unmarshal([]byte(after.String), &rec.After)
		}
		rec.OccurredAt = storage.ParseTime(occurredAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountAudits returns the number of audit rows for a schedule.
func (s *Store) CountAudits(scheduleID int64) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM schedule_audit_logs WHERE schedule_id = ?`, scheduleID).Scan(&count)
	return count, err
}

// PurgeAudits deletes audit rows older than the cutoff and returns the
// deleted row count. Retention sweep; cascade deletes never touch audits.
func (s *Store) PurgeAudits(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.Exec(`DELETE FROM schedule_audit_logs WHERE occurred_at < ?`, storage.FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const scheduleSelect = `SELECT id, intent_id, kind, state, timezone,
	run_at, interval_count, interval_unit, anchor, cron_expr,
	pred_subject, pred_operator, pred_value, pred_value_type, eval_cadence_sec,
	next_run_at, last_run_at, last_run_status, failure_count, last_execution_id,
	last_evaluated_at, last_eval_status, last_eval_error,
	created_at, updated_at
	FROM schedules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner, id int64) (*Schedule, error) {
	var (
		sc                                  Schedule
		runAt, anchor, nextRun, lastRun     sql.NullString
		lastEvalAt                          sql.NullString
		lastExecID                          sql.NullInt64
		createdAt, updatedAt                string
	)

	err := row.Scan(
		&sc.ID, &sc.IntentID, &sc.Kind, &sc.State, &sc.Timezone,
		&runAt, &sc.Def.IntervalCount, &sc.Def.IntervalUnit, &anchor, &sc.Def.CronExpr,
		&sc.Def.PredicateSubject, &sc.Def.PredicateOperator, &sc.Def.PredicateValue,
		&sc.Def.PredicateValueType, &sc.Def.EvalCadenceSeconds,
		&nextRun, &lastRun, &sc.LastRunStatus, &sc.FailureCount, &lastExecID,
		&lastEvalAt, &sc.LastEvalStatus, &sc.LastEvalError,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.E(apperr.KindNotFound, "schedule %d not found", id)
		}
		return nil, err
	}

	sc.Def.RunAt = storage.TimePtr(runAt)
	sc.Def.Anchor = storage.TimePtr(anchor)
	sc.NextRunAt = storage.TimePtr(nextRun)
	sc.LastRunAt = storage.TimePtr(lastRun)
	sc.LastEvaluatedAt = storage.TimePtr(lastEvalAt)
	if lastExecID.Valid {
		v := lastExecID.Int64
		sc.LastExecutionID = &v
	}
	sc.CreatedAt = storage.ParseTime(createdAt)
	sc.UpdatedAt = storage.ParseTime(updatedAt)
	return &sc, nil
}

func nullableID(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
