package commitment

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/storage"
)

// Store persists commitments, their transitions, schedule links, proposals,
// and review logs.
type Store struct {
	db *sql.DB
}

// NewStore creates the commitment tables if needed.
func NewStore(db *sql.DB) (*Store, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS commitments (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			owner            TEXT NOT NULL DEFAULT '',
			description      TEXT NOT NULL,
			state            TEXT NOT NULL DEFAULT 'OPEN',
			importance       INTEGER NOT NULL DEFAULT 2,
			effort           INTEGER NOT NULL DEFAULT 2,
			due_by           TEXT,
			urgency          INTEGER NOT NULL DEFAULT 1,
			origin_ref       TEXT NOT NULL DEFAULT '',
			last_progress_at TEXT,
			ever_missed_at   TEXT,
			reviewed_at      TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS commitment_state_transitions (
			id              TEXT PRIMARY KEY,
			commitment_id   INTEGER NOT NULL,
			from_state      TEXT NOT NULL,
			to_state        TEXT NOT NULL,
			actor_type      TEXT NOT NULL,
			actor_id        TEXT NOT NULL DEFAULT '',
			reason          TEXT NOT NULL DEFAULT '',
			context         TEXT NOT NULL DEFAULT '',
			confidence      REAL NOT NULL DEFAULT 0,
			provenance      TEXT NOT NULL DEFAULT '',
			transitioned_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS commitment_schedule_links (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			commitment_id  INTEGER NOT NULL REFERENCES commitments(id) ON DELETE CASCADE,
			schedule_id    INTEGER NOT NULL,
			purpose        TEXT NOT NULL DEFAULT 'reminder',
			is_active      INTEGER NOT NULL DEFAULT 1,
			created_at     TEXT NOT NULL,
			deactivated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS commitment_transition_proposals (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			commitment_id   INTEGER NOT NULL,
			from_state      TEXT NOT NULL,
			to_state        TEXT NOT NULL,
			actor_type      TEXT NOT NULL,
			confidence      REAL NOT NULL DEFAULT 0,
			threshold       REAL NOT NULL DEFAULT 0,
			reason          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'pending',
			proposed_at     TEXT NOT NULL,
			decided_at      TEXT,
			decided_by      TEXT NOT NULL DEFAULT '',
			decision_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS commitment_creation_proposals (
			id                     INTEGER PRIMARY KEY AUTOINCREMENT,
			kind                   TEXT NOT NULL,
			reference              TEXT NOT NULL UNIQUE,
			owner                  TEXT NOT NULL DEFAULT '',
			description            TEXT NOT NULL,
			importance             INTEGER NOT NULL DEFAULT 2,
			effort                 INTEGER NOT NULL DEFAULT 2,
			due_by                 TEXT,
			origin_ref             TEXT NOT NULL DEFAULT '',
			confidence             REAL NOT NULL DEFAULT 0,
			suggested_duplicate_id INTEGER,
			similarity_score       REAL NOT NULL DEFAULT 0,
			summary                TEXT NOT NULL DEFAULT '',
			status                 TEXT NOT NULL DEFAULT 'pending',
			proposed_at            TEXT NOT NULL,
			decided_at             TEXT,
			decided_by             TEXT NOT NULL DEFAULT '',
			decision_reason        TEXT NOT NULL DEFAULT '',
			created_commitment_id  INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS commitment_review_logs (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			owner             TEXT NOT NULL DEFAULT '',
			period_start      TEXT NOT NULL,
			period_end        TEXT NOT NULL,
			completed_count   INTEGER NOT NULL DEFAULT 0,
			missed_count      INTEGER NOT NULL DEFAULT 0,
			modified_count    INTEGER NOT NULL DEFAULT 0,
			open_no_due_count INTEGER NOT NULL DEFAULT 0,
			narrative         TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create commitment tables: %w", err)
		}
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_commitment_links_active ON commitment_schedule_links(commitment_id) WHERE is_active = 1`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_commitment_links_schedule ON commitment_schedule_links(schedule_id) WHERE is_active = 1`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_commitment_transitions ON commitment_state_transitions(commitment_id, transitioned_at DESC)`)

	return &Store{db: db}, nil
}

// Begin starts a transaction.
func (s *Store) Begin() (*sql.Tx, error) { return s.db.Begin() }

// DB exposes the handle.
func (s *Store) DB() *sql.DB { return s.db }

// --- Commitments ---

const commitmentSelect = `SELECT id, owner, description, state, importance, effort, due_by, urgency,
	origin_ref, last_progress_at, ever_missed_at, reviewed_at, created_at, updated_at
	FROM commitments`

// Create inserts a commitment and assigns its id.
func (s *Store) Create(c *Commitment) error {
	res, err := s.db.Exec(`INSERT INTO commitments
		(owner, description, state, importance, effort, due_by, urgency, origin_ref,
		 last_progress_at, ever_missed_at, reviewed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Owner, c.Description, c.State, c.Importance, c.Effort,
		storage.NullableTime(c.DueBy), c.Urgency, c.OriginRef,
		storage.NullableTime(c.LastProgressAt), storage.NullableTime(c.EverMissedAt),
		storage.NullableTime(c.ReviewedAt),
		storage.FormatTime(c.CreatedAt), storage.FormatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert commitment: %w", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// Update rewrites a commitment's mutable columns.
func (s *Store) Update(c *Commitment) error {
	return s.update(s.db, c)
}

// UpdateTx rewrites a commitment's mutable columns inside tx.
func (s *Store) UpdateTx(tx *sql.Tx, c *Commitment) error {
	return s.update(tx, c)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) update(db execer, c *Commitment) error {
	res, err := db.Exec(`UPDATE commitments SET
		owner = ?, description = ?, state = ?, importance = ?, effort = ?, due_by = ?, urgency = ?,
		origin_ref = ?, last_progress_at = ?, ever_missed_at = ?, reviewed_at = ?, updated_at = ?
		WHERE id = ?`,
		c.Owner, c.Description, c.State, c.Importance, c.Effort,
		storage.NullableTime(c.DueBy), c.Urgency, c.OriginRef,
		storage.NullableTime(c.LastProgressAt), storage.NullableTime(c.EverMissedAt),
		storage.NullableTime(c.ReviewedAt), storage.FormatTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("update commitment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.E(apperr.KindNotFound, "commitment %d not found", c.ID)
	}
	return nil
}

// Get returns one commitment by id.
func (s *Store) Get(id int64) (*Commitment, error) {
	c, err := scanCommitment(s.db.QueryRow(commitmentSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.E(apperr.KindNotFound, "commitment %d not found", id)
		}
		return nil, err
	}
	return c, nil
}

// GetTx returns one commitment by id inside tx.
func (s *Store) GetTx(tx *sql.Tx, id int64) (*Commitment, error) {
	c, err := scanCommitment(tx.QueryRow(commitmentSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.E(apperr.KindNotFound, "commitment %d not found", id)
		}
		return nil, err
	}
	return c, nil
}

// List returns commitments filtered by state (empty = all), newest first.
func (s *Store) List(state string, limit int) ([]Commitment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(commitmentSelect+` WHERE (? = '' OR state = ?) ORDER BY created_at DESC, id DESC LIMIT ?`,
		state, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommitments(rows)
}

// ListOpenByOwner returns an owner's OPEN and MISSED commitments, newest
// first. Used by loop-closure reply resolution.
func (s *Store) ListOpenByOwner(owner string) ([]Commitment, error) {
	rows, err := s.db.Query(commitmentSelect+` WHERE owner = ? AND state IN ('OPEN', 'MISSED')
		ORDER BY created_at DESC, id DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommitments(rows)
}

// ChangedSince returns commitments whose given timestamp column moved past
// the cutoff. col must be one of the fixed names below.
func (s *Store) ChangedSince(owner string, since time.Time) (completed, missed, modified []Commitment, err error) {
	cutoff := storage.FormatTime(since)

	completed, err = s.queryCommitments(`WHERE (? = '' OR owner = ?) AND state = 'COMPLETED' AND updated_at >= ?`, owner, owner, cutoff)
	if err != nil {
		return nil, nil, nil, err
	}
	missed, err = s.queryCommitments(`WHERE (? = '' OR owner = ?) AND state = 'MISSED' AND updated_at >= ?`, owner, owner, cutoff)
	if err != nil {
		return nil, nil, nil, err
	}
	modified, err = s.queryCommitments(`WHERE (? = '' OR owner = ?) AND state = 'OPEN' AND updated_at >= ? AND updated_at > created_at`, owner, owner, cutoff)
	if err != nil {
		return nil, nil, nil, err
	}
	return completed, missed, modified, nil
}

// OpenWithoutDue returns OPEN commitments with no due_by.
func (s *Store) OpenWithoutDue(owner string) ([]Commitment, error) {
	return s.queryCommitments(`WHERE (? = '' OR owner = ?) AND state = 'OPEN' AND due_by IS NULL`, owner, owner)
}

// MarkReviewed stamps reviewed_at on the given commitments.
func (s *Store) MarkReviewed(ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	stamped := storage.FormatTime(at)
	for _, id := range ids {
		if _, err := s.db.Exec(`UPDATE commitments SET reviewed_at = ? WHERE id = ?`, stamped, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) queryCommitments(where string, args ...any) ([]Commitment, error) {
	rows, err := s.db.Query(commitmentSelect+" "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommitments(rows)
}

// --- Transitions ---

// InsertTransitionTx appends one transition audit row inside tx.
func (s *Store) InsertTransitionTx(tx *sql.Tx, rec *TransitionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := tx.Exec(`INSERT INTO commitment_state_transitions
		(id, commitment_id, from_state, to_state, actor_type, actor_id, reason, context, confidence, provenance, transitioned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CommitmentID, rec.FromState, rec.ToState,
		rec.Actor.Type, rec.Actor.ID, rec.Reason, rec.Context, rec.Confidence, rec.Provenance,
		storage.FormatTime(rec.TransitionedAt),
	)
	if err != nil {
		return fmt.Errorf("insert commitment transition: %w", err)
	}
	return nil
}

// ListTransitions returns a commitment's transitions, newest first.
func (s *Store) ListTransitions(commitmentID int64) ([]TransitionRecord, error) {
	rows, err := s.db.Query(`SELECT id, commitment_id, from_state, to_state, actor_type, actor_id, reason, context, confidence, provenance, transitioned_at
		FROM commitment_state_transitions WHERE commitment_id = ? ORDER BY transitioned_at DESC, id`, commitmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var (
			rec            TransitionRecord
			transitionedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.CommitmentID, &rec.FromState, &rec.ToState,
			&rec.Actor.Type, &rec.Actor.ID, &rec.Reason, &rec.Context, &rec.Confidence,
			&rec.Provenance, &transitionedAt); err != nil {
			return nil, err
		}
		rec.TransitionedAt = storage.ParseTime(transitionedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeTransitions deletes transition rows older than the cutoff.
func (s *Store) PurgeTransitions(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.Exec(`DELETE FROM commitment_state_transitions WHERE transitioned_at < ?`,
		storage.FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Schedule links ---

// LinkScheduleTx deactivates any active links for the commitment and inserts
// the new active link, inside tx. This is what keeps the one-active-link
// invariant.
func (s *Store) LinkScheduleTx(tx *sql.Tx, link *ScheduleLink) error {
	now := time.Now().UTC()
	if link.CreatedAt.IsZero() {
		link.CreatedAt = now
	}
	if _, err := tx.Exec(`UPDATE commitment_schedule_links SET is_active = 0, deactivated_at = ?
		WHERE commitment_id = ? AND is_active = 1`,
		storage.FormatTime(now), link.CommitmentID,
	); err != nil {
		return fmt.Errorf("deactivate links: %w", err)
	}
	res, err := tx.Exec(`INSERT INTO commitment_schedule_links
		(commitment_id, schedule_id, purpose, is_active, created_at)
		VALUES (?, ?, ?, 1, ?)`,
		link.CommitmentID, link.ScheduleID, link.Purpose, storage.FormatTime(link.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	link.ID, _ = res.LastInsertId()
	link.IsActive = true
	return nil
}

// DeactivateLinks turns off a commitment's active links.
func (s *Store) DeactivateLinks(commitmentID int64) error {
	_, err := s.db.Exec(`UPDATE commitment_schedule_links SET is_active = 0, deactivated_at = ?
		WHERE commitment_id = ? AND is_active = 1`,
		storage.FormatTime(time.Now().UTC()), commitmentID)
	return err
}

// ActiveLink returns the commitment's active link, or nil.
func (s *Store) ActiveLink(commitmentID int64) (*ScheduleLink, error) {
	row := s.db.QueryRow(linkSelect+` WHERE commitment_id = ? AND is_active = 1`, commitmentID)
	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return link, nil
}

// ActiveLinkBySchedule returns the active link pointing at a schedule, or nil.
func (s *Store) ActiveLinkBySchedule(scheduleID int64) (*ScheduleLink, error) {
	row := s.db.QueryRow(linkSelect+` WHERE schedule_id = ? AND is_active = 1`, scheduleID)
	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return link, nil
}

// ListLinks returns all links for a commitment, newest first.
func (s *Store) ListLinks(commitmentID int64) ([]ScheduleLink, error) {
	rows, err := s.db.Query(linkSelect+` WHERE commitment_id = ? ORDER BY created_at DESC, id DESC`, commitmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *link)
	}
	return out, rows.Err()
}

const linkSelect = `SELECT id, commitment_id, schedule_id, purpose, is_active, created_at, deactivated_at
	FROM commitment_schedule_links`

// --- Transition proposals ---

// InsertTransitionProposal records a denied system transition.
func (s *Store) InsertTransitionProposal(p *TransitionProposal) error {
	if p.ProposedAt.IsZero() {
		p.ProposedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = ProposalPending
	}
	res, err := s.db.Exec(`INSERT INTO commitment_transition_proposals
		(commitment_id, from_state, to_state, actor_type, confidence, threshold, reason, status, proposed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.CommitmentID, p.FromState, p.ToState, p.ActorType, p.Confidence, p.Threshold,
		p.Reason, p.Status, storage.FormatTime(p.ProposedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transition proposal: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	return nil
}

// GetTransitionProposal returns one transition proposal by id.
func (s *Store) GetTransitionProposal(id int64) (*TransitionProposal, error) {
	row := s.db.QueryRow(`SELECT id, commitment_id, from_state, to_state, actor_type, confidence, threshold, reason, status, proposed_at, decided_at, decided_by, decision_reason
		FROM commitment_transition_proposals WHERE id = ?`, id)
	p, err := scanTransitionProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "transition proposal %d not found", id)
	}
	return p, err
}

// DecideTransitionProposal flips a proposal's status with decision metadata.
func (s *Store) DecideTransitionProposal(id int64, status, decidedBy, reason string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE commitment_transition_proposals
		SET status = ?, decided_at = ?, decided_by = ?, decision_reason = ?
		WHERE id = ? AND status = 'pending'`,
		status, storage.FormatTime(at), decidedBy, reason, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.E(apperr.KindConflict, "transition proposal %d is not pending", id)
	}
	return nil
}

// CancelPendingTransitionProposals cancels a commitment's pending proposals.
// Used when a user transition overrides the system's suggestion.
func (s *Store) CancelPendingTransitionProposals(commitmentID int64, decidedBy string, at time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE commitment_transition_proposals
		SET status = 'canceled', decided_at = ?, decided_by = ?, decision_reason = 'user_override'
		WHERE commitment_id = ? AND status = 'pending'`,
		storage.FormatTime(at), decidedBy, commitmentID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Creation proposals ---

const creationProposalSelect = `SELECT id, kind, reference, owner, description, importance, effort, due_by,
	origin_ref, confidence, suggested_duplicate_id, similarity_score, summary, status,
	proposed_at, decided_at, decided_by, decision_reason, created_commitment_id
	FROM commitment_creation_proposals`

// InsertCreationProposal records a dedupe or approval proposal.
func (s *Store) InsertCreationProposal(p *CreationProposal) error {
	if p.ProposedAt.IsZero() {
		p.ProposedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = ProposalPending
	}
	var dup any
	if p.SuggestedDuplicateID != nil {
		dup = *p.SuggestedDuplicateID
	}
	res, err := s.db.Exec(`INSERT INTO commitment_creation_proposals
		(kind, reference, owner, description, importance, effort, due_by, origin_ref, confidence,
		 suggested_duplicate_id, similarity_score, summary, status, proposed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Kind, p.Reference, p.Owner, p.Description, p.Importance, p.Effort,
		storage.NullableTime(p.DueBy), p.OriginRef, p.Confidence,
		dup, p.SimilarityScore, p.Summary, p.Status, storage.FormatTime(p.ProposedAt),
	)
	if err != nil {
		return fmt.Errorf("insert creation proposal: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	return nil
}

// GetCreationProposalByRef returns the proposal matching a reference.
func (s *Store) GetCreationProposalByRef(reference string) (*CreationProposal, error) {
	p, err := scanCreationProposal(s.db.QueryRow(creationProposalSelect+` WHERE reference = ?`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "proposal %s not found", reference)
	}
	return p, err
}

// DecideCreationProposal flips a creation proposal's status.
func (s *Store) DecideCreationProposal(id int64, status, decidedBy, reason string, createdCommitmentID *int64, at time.Time) error {
	var created any
	if createdCommitmentID != nil {
		created = *createdCommitmentID
	}
	res, err := s.db.Exec(`UPDATE commitment_creation_proposals
		SET status = ?, decided_at = ?, decided_by = ?, decision_reason = ?, created_commitment_id = ?
		WHERE id = ? AND status = 'pending'`,
		status, storage.FormatTime(at), decidedBy, reason, created, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.E(apperr.KindConflict, "creation proposal %d is not pending", id)
	}
	return nil
}

// ListCreationProposals returns proposals by status (empty = all), newest
// first.
func (s *Store) ListCreationProposals(status string) ([]CreationProposal, error) {
	rows, err := s.db.Query(creationProposalSelect+` WHERE (? = '' OR status = ?) ORDER BY proposed_at DESC, id DESC`,
		status, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CreationProposal
	for rows.Next() {
		p, err := scanCreationProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- Review logs ---

// InsertReviewLog records one review run.
func (s *Store) InsertReviewLog(r *ReviewLog) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`INSERT INTO commitment_review_logs
		(owner, period_start, period_end, completed_count, missed_count, modified_count, open_no_due_count, narrative, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Owner, storage.FormatTime(r.PeriodStart), storage.FormatTime(r.PeriodEnd),
		r.CompletedCount, r.MissedCount, r.ModifiedCount, r.OpenNoDueCount,
		r.Narrative, storage.FormatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert review log: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// LastReview returns the owner's most recent review log, or nil.
func (s *Store) LastReview(owner string) (*ReviewLog, error) {
	row := s.db.QueryRow(`SELECT id, owner, period_start, period_end, completed_count, missed_count, modified_count, open_no_due_count, narrative, created_at
		FROM commitment_review_logs WHERE (? = '' OR owner = ?) ORDER BY created_at DESC, id DESC LIMIT 1`,
		owner, owner)

	var (
		r                              ReviewLog
		periodStart, periodEnd, createdAt string
	)
	err := row.Scan(&r.ID, &r.Owner, &periodStart, &periodEnd, &r.CompletedCount, &r.MissedCount,
		&r.ModifiedCount, &r.OpenNoDueCount, &r.Narrative, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.PeriodStart = storage.ParseTime(periodStart)
	r.PeriodEnd = storage.ParseTime(periodEnd)
	r.CreatedAt = storage.ParseTime(createdAt)
	return &r, nil
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommitment(row rowScanner) (*Commitment, error) {
	var (
		c                          Commitment
		dueBy, lastProgress        sql.NullString
		everMissed, reviewedAt     sql.NullString
		createdAt, updatedAt       string
	)
	if err := row.Scan(&c.ID, &c.Owner, &c.Description, &c.State, &c.Importance, &c.Effort,
		&dueBy, &c.Urgency, &c.OriginRef, &lastProgress, &everMissed, &reviewedAt,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.DueBy = storage.TimePtr(dueBy)
	c.LastProgressAt = storage.TimePtr(lastProgress)
	c.EverMissedAt = storage.TimePtr(everMissed)
	c.ReviewedAt = storage.TimePtr(reviewedAt)
	c.CreatedAt = storage.ParseTime(createdAt)
	c.UpdatedAt = storage.ParseTime(updatedAt)
	return &c, nil
}

func collectCommitments(rows *sql.Rows) ([]Commitment, error) {
	var out []Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanLink(row rowScanner) (*ScheduleLink, error) {
	var (
		link                     ScheduleLink
		active                   int
		createdAt                string
		deactivatedAt            sql.NullString
	)
	if err := row.Scan(&link.ID, &link.CommitmentID, &link.ScheduleID, &link.Purpose,
		&active, &createdAt, &deactivatedAt); err != nil {
		return nil, err
	}
	link.IsActive = active != 0
	link.CreatedAt = storage.ParseTime(createdAt)
	link.DeactivatedAt = storage.TimePtr(deactivatedAt)
	return &link, nil
}

func scanTransitionProposal(row rowScanner) (*TransitionProposal, error) {
	var (
		p          TransitionProposal
		proposedAt string
		decidedAt  sql.NullString
	)
	if err := row.Scan(&p.ID, &p.CommitmentID, &p.FromState, &p.ToState, &p.ActorType,
		&p.Confidence, &p.Threshold, &p.Reason, &p.Status, &proposedAt, &decidedAt,
		&p.DecidedBy, &p.DecisionReason); err != nil {
		return nil, err
	}
	p.ProposedAt = storage.ParseTime(proposedAt)
	p.DecidedAt = storage.TimePtr(decidedAt)
	return &p, nil
}

func scanCreationProposal(row rowScanner) (*CreationProposal, error) {
	var (
		p                 CreationProposal
		dueBy             sql.NullString
		dup, created      sql.NullInt64
		proposedAt        string
		decidedAt         sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Kind, &p.Reference, &p.Owner, &p.Description, &p.Importance,
		&p.Effort, &dueBy, &p.OriginRef, &p.Confidence, &dup, &p.SimilarityScore, &p.Summary,
		&p.Status, &proposedAt, &decidedAt, &p.DecidedBy, &p.DecisionReason, &created); err != nil {
		return nil, err
	}
	p.DueBy = storage.TimePtr(dueBy)
	if dup.Valid {
		v := dup.Int64
		p.SuggestedDuplicateID = &v
	}
	if created.Valid {
		v := created.Int64
		p.CreatedCommitmentID = &v
	}
	p.ProposedAt = storage.ParseTime(proposedAt)
	p.DecidedAt = storage.TimePtr(decidedAt)
	return &p, nil
}
