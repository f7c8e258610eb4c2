package predicate

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/karlvoss/adjutant/internal/storage"
)

// Store persists the predicate evaluation audit log. evaluation_id is the
// primary key, which is what makes re-submitting an evaluation a no-op.
type Store struct {
	db *sql.DB
}

// NewStore creates the evaluation audit table if needed.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS predicate_evaluation_audit_logs (
		evaluation_id TEXT PRIMARY KEY,
		schedule_id   INTEGER NOT NULL,
		trace_id      TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		result_code   TEXT NOT NULL DEFAULT '',
		observed      TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		evaluated_at  TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create predicate_evaluation_audit_logs table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_predicate_audit_schedule ON predicate_evaluation_audit_logs(schedule_id, evaluated_at DESC)`)
	return &Store{db: db}, nil
}

// Begin starts a transaction.
func (s *Store) Begin() (*sql.Tx, error) { return s.db.Begin() }

// Find returns the audit row for an evaluation id, or nil.
func (s *Store) Find(evaluationID string) (*Result, error) {
	row := s.db.QueryRow(`SELECT evaluation_id, schedule_id, status, result_code, observed, error_message, evaluated_at
		FROM predicate_evaluation_audit_logs WHERE evaluation_id = ?`, evaluationID)
	res, err := scanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

// FindTx returns the audit row for an evaluation id inside tx, or nil.
func (s *Store) FindTx(tx *sql.Tx, evaluationID string) (*Result, error) {
	row := tx.QueryRow(`SELECT evaluation_id, schedule_id, status, result_code, observed, error_message, evaluated_at
		FROM predicate_evaluation_audit_logs WHERE evaluation_id = ?`, evaluationID)
	res, err := scanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

// InsertTx appends one evaluation audit row inside tx.
func (s *Store) InsertTx(tx *sql.Tx, res *Result, traceID string) error {
	_, err := tx.Exec(`INSERT INTO predicate_evaluation_audit_logs
		(evaluation_id, schedule_id, trace_id, status, result_code, observed, error_message, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.EvaluationID, res.ScheduleID, traceID, res.Status, res.ResultCode,
		res.Observed, res.ErrorMessage, storage.FormatTime(res.EvaluatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert predicate evaluation audit: %w", err)
	}
	return nil
}

// ListBySchedule returns evaluation audits for a schedule, newest first.
func (s *Store) ListBySchedule(scheduleID int64, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT evaluation_id, schedule_id, status, result_code, observed, error_message, evaluated_at
		FROM predicate_evaluation_audit_logs WHERE schedule_id = ? ORDER BY evaluated_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

// PurgeAudits deletes evaluation audit rows older than the cutoff.
func (s *Store) PurgeAudits(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.Exec(`DELETE FROM predicate_evaluation_audit_logs WHERE evaluated_at < ?`, storage.FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*Result, error) {
	var (
		res         Result
		evaluatedAt string
	)
	if err := row.Scan(&res.EvaluationID, &res.ScheduleID, &res.Status, &res.ResultCode,
		&res.Observed, &res.ErrorMessage, &evaluatedAt); err != nil {
		return nil, err
	}
	res.EvaluatedAt = storage.ParseTime(evaluatedAt)
	return &res, nil
}
