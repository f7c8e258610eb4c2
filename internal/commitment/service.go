package commitment

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/attention"
	"github.com/karlvoss/adjutant/internal/clock"
	"github.com/karlvoss/adjutant/internal/metrics"
	"github.com/karlvoss/adjutant/internal/sched"
)

// Router is the attention router surface the commitment engine submits
// notifications through. Satisfied by *attention.Router.
type Router interface {
	Route(ctx context.Context, env *attention.Envelope) (*attention.Decision, error)
}

// Service owns commitment CRUD, the authority-gated state machine, and the
// schedule link service.
type Service struct {
	store               *Store
	clk                 clock.Clock
	logger              *zap.Logger
	transitionThreshold float64
}

// NewService creates the commitment service. transitionThreshold is the
// autonomy cutoff for system-initiated transitions.
func NewService(store *Store, transitionThreshold float64, clk clock.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		store:               store,
		clk:                 clk,
		logger:              logger,
		transitionThreshold: transitionThreshold,
	}
}

// Store exposes the underlying store for sibling services.
func (s *Service) Store() *Store { return s.store }

// CreateRequest carries the commitment creation fields.
type CreateRequest struct {
	Owner       string     `json:"owner"`
	Description string     `json:"description"`
	Importance  int        `json:"importance,omitempty"` // default 2
	Effort      int        `json:"effort,omitempty"`     // default 2
	DueBy       *time.Time `json:"due_by,omitempty"`
	OriginRef   string     `json:"origin_ref,omitempty"`
}

// Create inserts a new OPEN commitment with defaults applied.
func (s *Service) Create(req CreateRequest) (*Commitment, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, apperr.E(apperr.KindValidation, "commitment: description is required")
	}
	if req.Importance == 0 {
		req.Importance = 2
	}
	if req.Effort == 0 {
		req.Effort = 2
	}
	if req.Importance < 1 || req.Importance > 3 {
		return nil, apperr.E(apperr.KindValidation, "commitment: importance must be 1..3")
	}
	if req.Effort < 1 || req.Effort > 3 {
		return nil, apperr.E(apperr.KindValidation, "commitment: effort must be 1..3")
	}

	now := s.clk.Now()
	c := &Commitment{
		Owner:       req.Owner,
		Description: req.Description,
		State:       StateOpen,
		Importance:  req.Importance,
		Effort:      req.Effort,
		DueBy:       req.DueBy,
		Urgency:     ComputeUrgency(req.Importance, req.Effort, req.DueBy, now),
		OriginRef:   req.OriginRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(c); err != nil {
		return nil, err
	}
	s.logger.Info("commitment created",
		zap.Int64("commitment_id", c.ID),
		zap.String("owner", c.Owner),
		zap.Int("urgency", c.Urgency),
	)
	return c, nil
}

// UpdateRequest carries the mutable commitment fields. Nil means unchanged.
type UpdateRequest struct {
	Description *string    `json:"description,omitempty"`
	Importance  *int       `json:"importance,omitempty"`
	Effort      *int       `json:"effort,omitempty"`
	DueBy       *time.Time `json:"due_by,omitempty"`
	ClearDueBy  bool       `json:"clear_due_by,omitempty"`
}

// Update applies field changes and recomputes urgency when importance,
// effort, or due_by moved.
func (s *Service) Update(id int64, req UpdateRequest) (*Commitment, error) {
	c, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if c.State == StateCompleted || c.State == StateCanceled {
		return nil, apperr.E(apperr.KindConflict, "commitment %d is %s", id, c.State)
	}

	recompute := false
	if req.Description != nil {
		if strings.TrimSpace(*req.Description) == "" {
			return nil, apperr.E(apperr.KindValidation, "commitment: description cannot be empty")
		}
		c.Description = *req.Description
	}
	if req.Importance != nil {
		if *req.Importance < 1 || *req.Importance > 3 {
			return nil, apperr.E(apperr.KindValidation, "commitment: importance must be 1..3")
		}
		c.Importance = *req.Importance
		recompute = true
	}
	if req.Effort != nil {
		if *req.Effort < 1 || *req.Effort > 3 {
			return nil, apperr.E(apperr.KindValidation, "commitment: effort must be 1..3")
		}
		c.Effort = *req.Effort
		recompute = true
	}
	if req.ClearDueBy {
		c.DueBy = nil
		recompute = true
	} else if req.DueBy != nil {
		c.DueBy = req.DueBy
		recompute = true
	}

	now := s.clk.Now()
	if recompute {
		c.Urgency = ComputeUrgency(c.Importance, c.Effort, c.DueBy, now)
	}
	c.UpdatedAt = now
	if err := s.store.Update(c); err != nil {
		return nil, err
	}
	return c, nil
}

// RecordProgress stamps last_progress_at.
func (s *Service) RecordProgress(id int64) (*Commitment, error) {
	c, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	now := s.clk.Now()
	c.LastProgressAt = &now
	c.UpdatedAt = now
	if err := s.store.Update(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns one commitment.
func (s *Service) Get(id int64) (*Commitment, error) { return s.store.Get(id) }

// List returns commitments by state (empty = all).
func (s *Service) List(state string, limit int) ([]Commitment, error) {
	return s.store.List(state, limit)
}

// TransitionRequest carries one state-transition attempt.
type TransitionRequest struct {
	ToState    string      `json:"to_state"`
	Actor      sched.Actor `json:"actor"`
	Reason     string      `json:"reason,omitempty"`
	Context    string      `json:"context,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Provenance string      `json:"provenance,omitempty"`
}

// TransitionResult reports whether the transition applied or became a
// proposal.
type TransitionResult struct {
	Applied    bool                `json:"applied"`
	Commitment *Commitment         `json:"commitment,omitempty"`
	Record     *TransitionRecord   `json:"record,omitempty"`
	Proposal   *TransitionProposal `json:"proposal,omitempty"`
}

// Transition runs the authority evaluator and, when allowed, applies the
// state change with its audit row in one transaction. Denied system
// transitions become pending proposals instead.
func (s *Service) Transition(ctx context.Context, id int64, req TransitionRequest) (*TransitionResult, error) {
	c, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(c.State, req.ToState) {
		return nil, apperr.E(apperr.KindConflict, "transition %s -> %s not allowed", c.State, req.ToState)
	}

	if !s.authorized(req.Actor, req.ToState, req.Confidence) {
		proposal := &TransitionProposal{
			CommitmentID: c.ID,
			FromState:    c.State,
			ToState:      req.ToState,
			ActorType:    req.Actor.Type,
			Confidence:   req.Confidence,
			Threshold:    s.transitionThreshold,
			Reason:       req.Reason,
			Status:       ProposalPending,
			ProposedAt:   s.clk.Now(),
		}
		if err := s.store.InsertTransitionProposal(proposal); err != nil {
			return nil, err
		}
		metrics.ProposalsTotal.WithLabelValues("transition", ProposalPending).Inc()
		s.logger.Info("transition proposed",
			zap.Int64("commitment_id", c.ID),
			zap.String("to_state", req.ToState),
			zap.Float64("confidence", req.Confidence),
		)
		return &TransitionResult{Applied: false, Commitment: c, Proposal: proposal}, nil
	}

	record, err := s.apply(c, req)
	if err != nil {
		return nil, err
	}

	// A user decision supersedes whatever the system was still asking about.
	if req.Actor.Type == sched.ActorHuman {
		if _, err := s.store.CancelPendingTransitionProposals(c.ID, req.Actor.ID, s.clk.Now()); err != nil {
			s.logger.Warn("cancel pending proposals failed", zap.Int64("commitment_id", c.ID), zap.Error(err))
		}
	}

	return &TransitionResult{Applied: true, Commitment: c, Record: record}, nil
}

// authorized implements the authority gate: users always, the system for
// MISSED always, the system otherwise only above the autonomy threshold.
func (s *Service) authorized(actor sched.Actor, toState string, confidence float64) bool {
	switch actor.Type {
	case sched.ActorHuman:
		return true
	case sched.ActorSystem, sched.ActorScheduled:
		if toState == StateMissed {
			return true
		}
		return confidence >= s.transitionThreshold
	default:
		return false
	}
}

// apply writes the state change and its transition row in one transaction.
func (s *Service) apply(c *Commitment, req TransitionRequest) (*TransitionRecord, error) {
	now := s.clk.Now()
	from := c.State
	c.State = req.ToState
	c.UpdatedAt = now
	if req.ToState == StateMissed && c.EverMissedAt == nil {
		c.EverMissedAt = &now
	}
	if req.ToState == StateCompleted {
		c.LastProgressAt = &now
	}

	record := &TransitionRecord{
		CommitmentID:   c.ID,
		FromState:      from,
		ToState:        req.ToState,
		Actor:          req.Actor,
		Reason:         req.Reason,
		Context:        req.Context,
		Confidence:     req.Confidence,
		Provenance:     req.Provenance,
		TransitionedAt: now,
	}

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.store.UpdateTx(tx, c); err != nil {
		return nil, err
	}
	if err := s.store.InsertTransitionTx(tx, record); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	metrics.CommitmentTransitionsTotal.WithLabelValues(req.ToState).Inc()
	s.logger.Info("commitment transitioned",
		zap.Int64("commitment_id", c.ID),
		zap.String("from", from),
		zap.String("to", req.ToState),
		zap.String("actor", req.Actor.Type),
	)
	return record, nil
}

// LinkSchedule activates a schedule link, deactivating any prior active link
// in the same transaction.
func (s *Service) LinkSchedule(commitmentID, scheduleID int64, purpose string) (*ScheduleLink, error) {
	if purpose == "" {
		purpose = PurposeReminder
	}
	if _, err := s.store.Get(commitmentID); err != nil {
		return nil, err
	}

	link := &ScheduleLink{
		CommitmentID: commitmentID,
		ScheduleID:   scheduleID,
		Purpose:      purpose,
		CreatedAt:    s.clk.Now(),
	}
	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.store.LinkScheduleTx(tx, link); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return link, nil
}

// UnlinkSchedules deactivates a commitment's active links.
func (s *Service) UnlinkSchedules(commitmentID int64) error {
	return s.store.DeactivateLinks(commitmentID)
}

// SweepTransitions deletes transition audit rows older than the window.
func (s *Service) SweepTransitions(olderThan time.Duration) (int64, error) {
	return s.store.PurgeTransitions(olderThan)
}
