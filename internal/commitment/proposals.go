package commitment

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/attention"
	"github.com/karlvoss/adjutant/internal/clock"
	"github.com/karlvoss/adjutant/internal/llm"
	"github.com/karlvoss/adjutant/internal/metrics"
	"github.com/karlvoss/adjutant/internal/sched"
)

// SimilarityJudge scores how likely two descriptions are the same promise.
// Satisfied by *llm.SimilarityJudge.
type SimilarityJudge interface {
	Compare(ctx context.Context, a, b string) (*llm.SimilarityResult, error)
}

// ProposalConfig carries the proposal workflow thresholds.
type ProposalConfig struct {
	CreationThreshold float64 // below this, agent creations become approvals
	DedupeThreshold   float64 // at or above this, similarity suggests a dup
	SummaryWordCap    int
}

// Proposals runs the dedupe and creation-approval workflow.
type Proposals struct {
	store   *Store
	service *Service
	judge   SimilarityJudge
	router  Router
	cfg     ProposalConfig
	clk     clock.Clock
	logger  *zap.Logger
}

// NewProposals creates the proposal workflow service.
func NewProposals(store *Store, service *Service, judge SimilarityJudge, router Router, cfg ProposalConfig, clk clock.Clock, logger *zap.Logger) *Proposals {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.SummaryWordCap <= 0 {
		cfg.SummaryWordCap = 40
	}
	return &Proposals{
		store:   store,
		service: service,
		judge:   judge,
		router:  router,
		cfg:     cfg,
		clk:     clk,
		logger:  logger,
	}
}

// AgentCreateRequest is an agent-sourced commitment candidate.
type AgentCreateRequest struct {
	Owner       string     `json:"owner"`
	Description string     `json:"description"`
	Importance  int        `json:"importance,omitempty"`
	Effort      int        `json:"effort,omitempty"`
	DueBy       *time.Time `json:"due_by,omitempty"`
	OriginRef   string     `json:"origin_ref,omitempty"`
	Confidence  float64    `json:"confidence"`
}

// AgentCreateResult reports whether the candidate became a commitment or a
// proposal.
type AgentCreateResult struct {
	Commitment *Commitment       `json:"commitment,omitempty"`
	Proposal   *CreationProposal `json:"proposal,omitempty"`
}

// CreateFromAgent runs the agent-sourced creation flow: suspected duplicates
// become dedupe proposals, low-confidence candidates become approval
// proposals, everything else creates the commitment outright. LLM scores are
// advisory; a judge failure never blocks the decision.
func (p *Proposals) CreateFromAgent(ctx context.Context, req AgentCreateRequest) (*AgentCreateResult, error) {
	if req.Description == "" {
		return nil, apperr.E(apperr.KindValidation, "proposal: description is required")
	}

	if dup, score := p.findDuplicate(ctx, req); dup != nil {
		proposal := &CreationProposal{
			Kind:                 KindDedupe,
			Reference:            ProposalRef(req.Owner, KindDedupe, req.Description, strconv.FormatInt(dup.ID, 10)),
			Owner:                req.Owner,
			Description:          req.Description,
			Importance:           req.Importance,
			Effort:               req.Effort,
			DueBy:                req.DueBy,
			OriginRef:            req.OriginRef,
			Confidence:           req.Confidence,
			SuggestedDuplicateID: &dup.ID,
			SimilarityScore:      score,
			Summary:              CapWords(dup.Description, p.cfg.SummaryWordCap),
			ProposedAt:           p.clk.Now(),
		}
		if err := p.store.InsertCreationProposal(proposal); err != nil {
			return nil, err
		}
		metrics.ProposalsTotal.WithLabelValues(KindDedupe, ProposalPending).Inc()
		p.notifyProposal(ctx, proposal)
		return &AgentCreateResult{Proposal: proposal}, nil
	}

	if req.Confidence < p.cfg.CreationThreshold {
		proposal := &CreationProposal{
			Kind:        KindApproval,
			Reference:   ProposalRef(req.Owner, KindApproval, req.Description, req.OriginRef),
			Owner:       req.Owner,
			Description: req.Description,
			Importance:  req.Importance,
			Effort:      req.Effort,
			DueBy:       req.DueBy,
			OriginRef:   req.OriginRef,
			Confidence:  req.Confidence,
			ProposedAt:  p.clk.Now(),
		}
		if err := p.store.InsertCreationProposal(proposal); err != nil {
			return nil, err
		}
		metrics.ProposalsTotal.WithLabelValues(KindApproval, ProposalPending).Inc()
		p.notifyProposal(ctx, proposal)
		return &AgentCreateResult{Proposal: proposal}, nil
	}

	c, err := p.service.Create(CreateRequest{
		Owner:       req.Owner,
		Description: req.Description,
		Importance:  req.Importance,
		Effort:      req.Effort,
		DueBy:       req.DueBy,
		OriginRef:   req.OriginRef,
	})
	if err != nil {
		return nil, err
	}
	return &AgentCreateResult{Commitment: c}, nil
}

// findDuplicate compares the candidate against the owner's unresolved
// commitments and returns the best match above the dedupe threshold.
func (p *Proposals) findDuplicate(ctx context.Context, req AgentCreateRequest) (*Commitment, float64) {
	if p.judge == nil {
		return nil, 0
	}
	open, err := p.store.ListOpenByOwner(req.Owner)
	if err != nil {
		p.logger.Warn("dedupe candidate lookup failed", zap.Error(err))
		return nil, 0
	}

	var (
		best      *Commitment
		bestScore float64
	)
	for i := range open {
		result, err := p.judge.Compare(ctx, req.Description, open[i].Description)
		if err != nil {
			p.logger.Warn("similarity comparison failed",
				zap.Int64("candidate_id", open[i].ID),
				zap.Error(err),
			)
			continue
		}
		if result.Score > bestScore {
			best = &open[i]
			bestScore = result.Score
		}
	}
	if best != nil && bestScore >= p.cfg.DedupeThreshold {
		return best, bestScore
	}
	return nil, 0
}

// notifyProposal submits the approval request through the router; the
// reference is what the operator replies with.
func (p *Proposals) notifyProposal(ctx context.Context, proposal *CreationProposal) {
	if p.router == nil {
		return
	}
	body := fmt.Sprintf("Approve new commitment %q? Reply approve %s or reject %s.",
		proposal.Description, proposal.Reference, proposal.Reference)
	if proposal.Kind == KindDedupe {
		body = fmt.Sprintf("%q looks like a duplicate of %q (score %.2f). Reply approve %s to confirm the duplicate or reject %s to create it anyway.",
			proposal.Description, proposal.Summary, proposal.SimilarityScore, proposal.Reference, proposal.Reference)
	}

	env := &attention.Envelope{
		Version:     1,
		SignalType:  "proposal." + proposal.Kind,
		SignalRef:   proposal.Reference,
		Owner:       proposal.Owner,
		Urgency:     0.6,
		ChannelCost: 0.2,
		ContentType: "text",
		Timestamp:   p.clk.Now(),
		Payload:     &attention.SignalPayload{Message: body},
		Notification: &attention.Notification{
			Version:         1,
			SourceComponent: "commitment.proposals",
			OriginSignal:    proposal.OriginRef,
			Confidence:      proposal.Confidence,
			Provenance: []attention.ProvenanceInput{{
				InputType: "proposal",
				Reference: proposal.Reference,
			}},
		},
	}
	if _, err := p.router.Route(ctx, env); err != nil {
		p.logger.Warn("proposal notification failed",
			zap.String("reference", proposal.Reference),
			zap.Error(err),
		)
	}
}

// Approve flips a pending creation proposal to approved. Approval-kind
// proposals create the commitment; dedupe approvals only record the
// decision. Approving an already-approved proposal is a no-op.
func (p *Proposals) Approve(ctx context.Context, reference, decidedBy, reason string) (*AgentCreateResult, error) {
	proposal, err := p.store.GetCreationProposalByRef(reference)
	if err != nil {
		return nil, err
	}

	switch proposal.Status {
	case ProposalApproved:
		result := &AgentCreateResult{Proposal: proposal}
		if proposal.CreatedCommitmentID != nil {
			if c, err := p.store.Get(*proposal.CreatedCommitmentID); err == nil {
				result.Commitment = c
			}
		}
		return result, nil
	case ProposalRejected, ProposalCanceled:
		return nil, apperr.E(apperr.KindConflict, "proposal %s is %s", reference, proposal.Status)
	}

	var created *Commitment
	if proposal.Kind == KindApproval {
		created, err = p.service.Create(CreateRequest{
			Owner:       proposal.Owner,
			Description: proposal.Description,
			Importance:  proposal.Importance,
			Effort:      proposal.Effort,
			DueBy:       proposal.DueBy,
			OriginRef:   proposal.OriginRef,
		})
		if err != nil {
			return nil, err
		}
	}

	var createdID *int64
	if created != nil {
		createdID = &created.ID
	}
	if err := p.store.DecideCreationProposal(proposal.ID, ProposalApproved, decidedBy, reason, createdID, p.clk.Now()); err != nil {
		return nil, err
	}
	proposal.Status = ProposalApproved
	proposal.DecidedBy = decidedBy
	proposal.DecisionReason = reason
	proposal.CreatedCommitmentID = createdID

	metrics.ProposalsTotal.WithLabelValues(proposal.Kind, ProposalApproved).Inc()
	p.logger.Info("proposal approved",
		zap.String("reference", reference),
		zap.String("kind", proposal.Kind),
		zap.String("decided_by", decidedBy),
	)
	return &AgentCreateResult{Commitment: created, Proposal: proposal}, nil
}

// Reject flips a pending creation proposal to rejected. Rejecting a dedupe
// proposal means "not a duplicate" and creates the commitment.
func (p *Proposals) Reject(ctx context.Context, reference, decidedBy, reason string) (*AgentCreateResult, error) {
	proposal, err := p.store.GetCreationProposalByRef(reference)
	if err != nil {
		return nil, err
	}
	if proposal.Status != ProposalPending {
		return nil, apperr.E(apperr.KindConflict, "proposal %s is %s", reference, proposal.Status)
	}

	var created *Commitment
	if proposal.Kind == KindDedupe {
		created, err = p.service.Create(CreateRequest{
			Owner:       proposal.Owner,
			Description: proposal.Description,
			Importance:  proposal.Importance,
			Effort:      proposal.Effort,
			DueBy:       proposal.DueBy,
			OriginRef:   proposal.OriginRef,
		})
		if err != nil {
			return nil, err
		}
	}

	var createdID *int64
	if created != nil {
		createdID = &created.ID
	}
	if err := p.store.DecideCreationProposal(proposal.ID, ProposalRejected, decidedBy, reason, createdID, p.clk.Now()); err != nil {
		return nil, err
	}
	proposal.Status = ProposalRejected
	proposal.CreatedCommitmentID = createdID

	metrics.ProposalsTotal.WithLabelValues(proposal.Kind, ProposalRejected).Inc()
	return &AgentCreateResult{Commitment: created, Proposal: proposal}, nil
}

// ApproveTransition applies a pending transition proposal as the deciding
// user.
func (p *Proposals) ApproveTransition(ctx context.Context, proposalID int64, decidedBy, reason string) (*TransitionResult, error) {
	proposal, err := p.store.GetTransitionProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != ProposalPending {
		return nil, apperr.E(apperr.KindConflict, "transition proposal %d is %s", proposalID, proposal.Status)
	}

	// Decide first so the human transition's pending-proposal cleanup does
	// not cancel the proposal being approved.
	if err := p.store.DecideTransitionProposal(proposalID, ProposalApproved, decidedBy, reason, p.clk.Now()); err != nil {
		return nil, err
	}

	result, err := p.service.Transition(ctx, proposal.CommitmentID, TransitionRequest{
		ToState: proposal.ToState,
		Actor:   sched.Actor{Type: sched.ActorHuman, ID: decidedBy},
		Reason:  fmt.Sprintf("approved_proposal_%d", proposalID),
	})
	if err != nil {
		return nil, err
	}
	metrics.ProposalsTotal.WithLabelValues("transition", ProposalApproved).Inc()
	return result, nil
}

// RejectTransition declines a pending transition proposal.
func (p *Proposals) RejectTransition(proposalID int64, decidedBy, reason string) error {
	if err := p.store.DecideTransitionProposal(proposalID, ProposalRejected, decidedBy, reason, p.clk.Now()); err != nil {
		return err
	}
	metrics.ProposalsTotal.WithLabelValues("transition", ProposalRejected).Inc()
	return nil
}
