package attention

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/storage"
)

// Store persists preferences, context windows, notification history, routing
// decisions, and escalation logs.
type Store struct {
	db *sql.DB
}

// NewStore creates the attention tables if needed.
func NewStore(db *sql.DB) (*Store, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS attention_preferences (
			owner             TEXT PRIMARY KEY,
			quiet_hours_start TEXT NOT NULL DEFAULT '',
			quiet_hours_end   TEXT NOT NULL DEFAULT '',
			do_not_disturb    INTEGER NOT NULL DEFAULT 0,
			always_notify     TEXT NOT NULL DEFAULT '[]',
			preferred_channel TEXT NOT NULL DEFAULT '',
			updated_at        TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attention_context_windows (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			owner         TEXT NOT NULL,
			starts_at     TEXT NOT NULL,
			ends_at       TEXT NOT NULL,
			interruptible INTEGER NOT NULL DEFAULT 1,
			label         TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS attention_history (
			id          TEXT PRIMARY KEY,
			owner       TEXT NOT NULL,
			signal_ref  TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			channel     TEXT NOT NULL DEFAULT '',
			severity    TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attention_decisions (
			id          TEXT PRIMARY KEY,
			owner       TEXT NOT NULL,
			signal_ref  TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			channel     TEXT NOT NULL DEFAULT '',
			stage       TEXT NOT NULL DEFAULT '',
			reason      TEXT NOT NULL DEFAULT '',
			severity    TEXT NOT NULL DEFAULT '',
			trace_id    TEXT NOT NULL DEFAULT '',
			decided_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attention_escalation_logs (
			id           TEXT PRIMARY KEY,
			owner        TEXT NOT NULL,
			signal_ref   TEXT NOT NULL,
			from_level   TEXT NOT NULL,
			to_level     TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			occurred_at  TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create attention tables: %w", err)
		}
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attention_history_owner ON attention_history(owner, channel, created_at DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attention_history_signal ON attention_history(signal_ref, created_at DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attention_windows_owner ON attention_context_windows(owner, starts_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attention_escalations_signal ON attention_escalation_logs(signal_ref, occurred_at DESC)`)

	return &Store{db: db}, nil
}

// DB exposes the handle for sibling stores sharing the database.
func (s *Store) DB() *sql.DB { return s.db }

// --- Preferences ---

// UpsertPreferences writes an owner's preferences.
func (s *Store) UpsertPreferences(p *Preferences) error {
	if p.Owner == "" {
		return apperr.E(apperr.KindValidation, "preferences: owner is required")
	}
	always, _ := json.Marshal(p.AlwaysNotify)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO attention_preferences
		(owner, quiet_hours_start, quiet_hours_end, do_not_disturb, always_notify, preferred_channel, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner) DO UPDATE SET
			quiet_hours_start = excluded.quiet_hours_start,
			quiet_hours_end   = excluded.quiet_hours_end,
			do_not_disturb    = excluded.do_not_disturb,
			always_notify     = excluded.always_notify,
			preferred_channel = excluded.preferred_channel,
			updated_at        = excluded.updated_at`,
		p.Owner, p.QuietHoursStart, p.QuietHoursEnd, boolInt(p.DoNotDisturb),
		string(always), p.PreferredChannel, storage.FormatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}

// GetPreferences returns an owner's preferences; owners without a row get
// zero-value preferences rather than not_found.
func (s *Store) GetPreferences(owner string) (*Preferences, error) {
	row := s.db.QueryRow(`SELECT owner, quiet_hours_start, quiet_hours_end, do_not_disturb, always_notify, preferred_channel, updated_at
		FROM attention_preferences WHERE owner = ?`, owner)

	var (
		p         Preferences
		dnd       int
		always    string
		updatedAt string
	)
	err := row.Scan(&p.Owner, &p.QuietHoursStart, &p.QuietHoursEnd, &dnd, &always, &p.PreferredChannel, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Preferences{Owner: owner}, nil
	}
	if err != nil {
		return nil, err
	}
	p.DoNotDisturb = dnd != 0
	p.UpdatedAt = storage.ParseTime(updatedAt)
	_ = json.Unmarshal([]byte(always), &p.AlwaysNotify)
	return &p, nil
}

// --- Context windows ---

// AddContextWindow records one interruptibility window.
func (s *Store) AddContextWindow(w *ContextWindow) error {
	if !w.EndsAt.After(w.StartsAt) {
		return apperr.E(apperr.KindValidation, "context window: ends_at must be after starts_at")
	}
	res, err := s.db.Exec(`INSERT INTO attention_context_windows (owner, starts_at, ends_at, interruptible, label)
		VALUES (?, ?, ?, ?, ?)`,
		w.Owner, storage.FormatTime(w.StartsAt), storage.FormatTime(w.EndsAt), boolInt(w.Interruptible), w.Label,
	)
	if err != nil {
		return fmt.Errorf("insert context window: %w", err)
	}
	w.ID, _ = res.LastInsertId()
	return nil
}

// WindowAt returns the owner's context window covering t, or nil.
func (s *Store) WindowAt(owner string, t time.Time) (*ContextWindow, error) {
	ts := storage.FormatTime(t)
	row := s.db.QueryRow(`SELECT id, owner, starts_at, ends_at, interruptible, label
		FROM attention_context_windows
		WHERE owner = ? AND starts_at <= ? AND ends_at > ?
		ORDER BY starts_at DESC LIMIT 1`, owner, ts, ts)

	var (
		w                ContextWindow
		startsAt, endsAt string
		interruptible    int
	)
	err := row.Scan(&w.ID, &w.Owner, &startsAt, &endsAt, &interruptible, &w.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.StartsAt = storage.ParseTime(startsAt)
	w.EndsAt = storage.ParseTime(endsAt)
	w.Interruptible = interruptible != 0
	return &w, nil
}

// --- Notification history ---

// InsertHistory appends one routed-signal history row.
func (s *Store) InsertHistory(rec *HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO attention_history
		(id, owner, signal_ref, signal_type, outcome, channel, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Owner, rec.SignalRef, rec.SignalType, rec.Outcome, rec.Channel, rec.Severity,
		storage.FormatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// CountActionable counts NOTIFY*/ESCALATE* history rows for (owner, channel)
// with created_at inside [since, until]. This is the rate limiter's only
// input.
func (s *Store) CountActionable(owner, channel string, since, until time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM attention_history
		WHERE owner = ? AND channel = ?
		AND (outcome LIKE 'NOTIFY%' OR outcome LIKE 'ESCALATE%')
		AND created_at >= ? AND created_at <= ?`,
		owner, channel, storage.FormatTime(since), storage.FormatTime(until),
	).Scan(&n)
	return n, err
}

// CountBySignal counts history rows for a signal reference since the cutoff.
func (s *Store) CountBySignal(signalRef string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM attention_history
		WHERE signal_ref = ? AND created_at >= ?`,
		signalRef, storage.FormatTime(since),
	).Scan(&n)
	return n, err
}

// LastDelivery returns the latest NOTIFY*/ESCALATE* history row for a signal
// reference since the cutoff, or nil. Used for idempotent re-delivery checks.
func (s *Store) LastDelivery(signalRef string, since time.Time) (*HistoryRecord, error) {
	row := s.db.QueryRow(`SELECT id, owner, signal_ref, signal_type, outcome, channel, severity, created_at
		FROM attention_history
		WHERE signal_ref = ? AND created_at >= ?
		AND (outcome LIKE 'NOTIFY%' OR outcome LIKE 'ESCALATE%')
		ORDER BY created_at DESC LIMIT 1`, signalRef, storage.FormatTime(since))
	rec, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// LastSeverity returns the severity of the most recent history row for a
// signal reference, or "".
func (s *Store) LastSeverity(signalRef string) (string, error) {
	var sev string
	err := s.db.QueryRow(`SELECT severity FROM attention_history
		WHERE signal_ref = ? ORDER BY created_at DESC LIMIT 1`, signalRef).Scan(&sev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return sev, err
}

// ListHistory returns an owner's history rows, newest first.
func (s *Store) ListHistory(owner string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, owner, signal_ref, signal_type, outcome, channel, severity, created_at
		FROM attention_history WHERE owner = ? ORDER BY created_at DESC, id LIMIT ?`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// --- Routing decisions ---

// InsertDecision appends one routing decision record.
func (s *Store) InsertDecision(d *Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO attention_decisions
		(id, owner, signal_ref, signal_type, outcome, channel, stage, reason, severity, trace_id, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Owner, d.SignalRef, d.SignalType, d.Outcome, d.Channel,
		d.Stage, d.Reason, d.Severity, d.TraceID, storage.FormatTime(d.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// ListDecisions returns decision records for a signal reference, newest first.
func (s *Store) ListDecisions(signalRef string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, owner, signal_ref, signal_type, outcome, channel, stage, reason, severity, trace_id, decided_at
		FROM attention_decisions WHERE signal_ref = ? ORDER BY decided_at DESC, id LIMIT ?`, signalRef, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var (
			d         Decision
			decidedAt string
		)
		if err := rows.Scan(&d.ID, &d.Owner, &d.SignalRef, &d.SignalType, &d.Outcome, &d.Channel,
			&d.Stage, &d.Reason, &d.Severity, &d.TraceID, &decidedAt); err != nil {
			return nil, err
		}
		d.DecidedAt = storage.ParseTime(decidedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Escalation logs ---

// InsertEscalation appends one escalation log entry.
func (s *Store) InsertEscalation(rec *EscalationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO attention_escalation_logs
		(id, owner, signal_ref, from_level, to_level, trigger_kind, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Owner, rec.SignalRef, rec.FromLevel, rec.ToLevel, rec.Trigger,
		storage.FormatTime(rec.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

// ListEscalations returns escalation entries for a signal, newest first.
func (s *Store) ListEscalations(signalRef string) ([]EscalationRecord, error) {
	rows, err := s.db.Query(`SELECT id, owner, signal_ref, from_level, to_level, trigger_kind, occurred_at
		FROM attention_escalation_logs WHERE signal_ref = ? ORDER BY occurred_at DESC, id`, signalRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EscalationRecord
	for rows.Next() {
		var (
			rec        EscalationRecord
			occurredAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Owner, &rec.SignalRef, &rec.FromLevel, &rec.ToLevel, &rec.Trigger, &occurredAt); err != nil {
			return nil, err
		}
		rec.OccurredAt = storage.ParseTime(occurredAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanHistory(row interface{ Scan(...any) error }) (*HistoryRecord, error) {
	var (
		rec       HistoryRecord
		createdAt string
	)
	if err := row.Scan(&rec.ID, &rec.Owner, &rec.SignalRef, &rec.SignalType, &rec.Outcome,
		&rec.Channel, &rec.Severity, &createdAt); err != nil {
		return nil, err
	}
	rec.CreatedAt = storage.ParseTime(createdAt)
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
