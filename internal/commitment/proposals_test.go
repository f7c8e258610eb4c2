package commitment

import (
	"context"
	"strings"
	"testing"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/llm"
	"github.com/karlvoss/adjutant/internal/sched"
)

// fakeJudge scores candidates by the existing commitment's description.
type fakeJudge struct {
	scores map[string]float64
	err    error
}

func (f *fakeJudge) Compare(_ context.Context, _, existing string) (*llm.SimilarityResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.SimilarityResult{Score: f.scores[existing]}, nil
}

func newProposalsHarness(t *testing.T, judge SimilarityJudge, router Router) (*Proposals, *commitmentHarness) {
	t.Helper()
	h := newCommitmentHarness(t)
	cfg := ProposalConfig{CreationThreshold: 0.8, DedupeThreshold: 0.8, SummaryWordCap: 40}
	return NewProposals(h.store, h.service, judge, router, cfg, h.clk, nil), h
}

func TestCreateFromAgentConfident(t *testing.T) {
	p, _ := newProposalsHarness(t, nil, nil)

	result, err := p.CreateFromAgent(context.Background(), AgentCreateRequest{
		Owner:       "karl",
		Description: "Book the dentist appointment",
		Confidence:  0.95,
	})
	if err != nil {
		t.Fatalf("CreateFromAgent error: %v", err)
	}
	if result.Commitment == nil || result.Proposal != nil {
		t.Fatalf("result = %+v, want a direct commitment", result)
	}
	if result.Commitment.State != StateOpen {
		t.Errorf("state = %s, want OPEN", result.Commitment.State)
	}
}

func TestCreateFromAgentLowConfidence(t *testing.T) {
	router := &fakeRouter{}
	p, h := newProposalsHarness(t, nil, router)

	result, err := p.CreateFromAgent(context.Background(), AgentCreateRequest{
		Owner:       "karl",
		Description: "Maybe renew the gym membership",
		OriginRef:   "chat/123",
		Confidence:  0.5,
	})
	if err != nil {
		t.Fatalf("CreateFromAgent error: %v", err)
	}
	if result.Commitment != nil || result.Proposal == nil {
		t.Fatalf("result = %+v, want an approval proposal", result)
	}
	proposal := result.Proposal
	if proposal.Kind != KindApproval || proposal.Status != ProposalPending {
		t.Errorf("proposal = (%s, %s), want pending approval", proposal.Kind, proposal.Status)
	}
	want := ProposalRef("karl", KindApproval, "Maybe renew the gym membership", "chat/123")
	if proposal.Reference != want {
		t.Errorf("reference = %q, want %q", proposal.Reference, want)
	}

	if len(router.envs) != 1 || router.envs[0].SignalType != "proposal.approval" {
		t.Fatalf("routed envelopes = %+v, want one proposal.approval", router.envs)
	}
	if router.envs[0].SignalRef != proposal.Reference {
		t.Errorf("envelope ref = %q, want the proposal reference", router.envs[0].SignalRef)
	}

	// No commitment yet.
	open, err := h.store.ListOpenByOwner("karl")
	if err != nil {
		t.Fatalf("ListOpenByOwner error: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open commitments = %d, want 0 before approval", len(open))
	}
}

func TestCreateFromAgentValidation(t *testing.T) {
	p, _ := newProposalsHarness(t, nil, nil)
	if _, err := p.CreateFromAgent(context.Background(), AgentCreateRequest{Owner: "karl"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("empty description: error = %v, want validation", err)
	}
}

func TestApproveCreatesCommitmentIdempotently(t *testing.T) {
	p, h := newProposalsHarness(t, nil, nil)

	result, err := p.CreateFromAgent(context.Background(), AgentCreateRequest{
		Owner:       "karl",
		Description: "Draft the talk abstract",
		Confidence:  0.4,
	})
	if err != nil {
		t.Fatalf("CreateFromAgent error: %v", err)
	}
	ref := result.Proposal.Reference

	approved, err := p.Approve(context.Background(), ref, "karl", "looks right")
	if err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	if approved.Commitment == nil || approved.Commitment.Description != "Draft the talk abstract" {
		t.Fatalf("approved = %+v, want the created commitment", approved)
	}
	if approved.Proposal.Status != ProposalApproved {
		t.Errorf("proposal status = %s, want approved", approved.Proposal.Status)
	}

	again, err := p.Approve(context.Background(), ref, "karl", "double tap")
	if err != nil {
		t.Fatalf("second Approve error: %v", err)
	}
	if again.Commitment == nil || again.Commitment.ID != approved.Commitment.ID {
		t.Errorf("re-approval commitment = %+v, want the same one", again.Commitment)
	}
	open, err := h.store.ListOpenByOwner("karl")
	if err != nil {
		t.Fatalf("ListOpenByOwner error: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("open commitments = %d, want exactly 1 after double approval", len(open))
	}
}

func TestRejectApprovalProposal(t *testing.T) {
	p, h := newProposalsHarness(t, nil, nil)

	result, err := p.CreateFromAgent(context.Background(), AgentCreateRequest{
		Owner:       "karl",
		Description: "Organize the garage",
		Confidence:  0.2,
	})
	if err != nil {
		t.Fatalf("CreateFromAgent error: %v", err)
	}
	ref := result.Proposal.Reference

	rejected, err := p.Reject(context.Background(), ref, "karl", "never agreed to that")
	if err != nil {
		t.Fatalf("Reject error: %v", err)
	}
	if rejected.Commitment != nil {
		t.Error("rejecting an approval proposal must not create a commitment")
	}
	if rejected.Proposal.Status != ProposalRejected {
		t.Errorf("status = %s, want rejected", rejected.Proposal.Status)
	}

	if _, err := p.Reject(context.Background(), ref, "karl", "again"); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("re-reject: error = %v, want conflict", err)
	}
	if _, err := p.Approve(context.Background(), ref, "karl", "changed my mind"); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("approve after reject: error = %v, want conflict", err)
	}

	open, err := h.store.ListOpenByOwner("karl")
	if err != nil {
		t.Fatalf("ListOpenByOwner error: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open commitments = %d, want 0", len(open))
	}
}

func TestCreateFromAgentDedupe(t *testing.T) {
	router := &fakeRouter{}
	judge := &fakeJudge{scores: map[string]float64{
		"Call the bank about the mortgage": 0.92,
	}}
	p, h := newProposalsHarness(t, judge, router)

	existing := h.create(t, "karl", "Call the bank about the mortgage")
	h.create(t, "karl", "Water the plants")

	result, err := p.CreateFromAgent(context.Background(), AgentCreateRequest{
		Owner:       "karl",
		Description: "Phone the bank re: mortgage paperwork",
		Confidence:  0.95,
	})
	if err != nil {
		t.Fatalf("CreateFromAgent error: %v", err)
	}
	proposal := result.Proposal
	if proposal == nil || proposal.Kind != KindDedupe {
		t.Fatalf("result = %+v, want a dedupe proposal", result)
	}
	if proposal.SuggestedDuplicateID == nil || *proposal.SuggestedDuplicateID != existing.ID {
		t.Errorf("suggested duplicate = %v, want %d", proposal.SuggestedDuplicateID, existing.ID)
	}
	if proposal.SimilarityScore != 0.92 {
		t.Errorf("similarity = %v, want 0.92", proposal.SimilarityScore)
	}
	if proposal.Summary != existing.Description {
		t.Errorf("summary = %q, want the duplicate's description", proposal.Summary)
	}
	if len(router.envs) != 1 || router.envs[0].SignalType != "proposal.dedupe" {
		t.Fatalf("routed envelopes = %+v, want one proposal.dedupe", router.envs)
	}
	if msg := router.envs[0].Payload.Message; !strings.Contains(msg, "duplicate") {
		t.Errorf("prompt = %q, want the duplicate framing", msg)
	}

	// Rejecting the dedupe means "not a duplicate" and creates it after all.
	rejected, err := p.Reject(context.Background(), proposal.Reference, "karl", "different account")
	if err != nil {
		t.Fatalf("Reject error: %v", err)
	}
	if rejected.Commitment == nil || rejected.Commitment.Description != "Phone the bank re: mortgage paperwork" {
		t.Fatalf("rejected = %+v, want the commitment created anyway", rejected)
	}
}

func TestApproveDedupeOnlyRecords(t *testing.T) {
	judge := &fakeJudge{scores: map[string]float64{"Renew the passport": 0.88}}
	p, h := newProposalsHarness(t, judge, nil)
	h.create(t, "karl", "Renew the passport")

	result, err := p.CreateFromAgent(context.Background(), AgentCreateRequest{
		Owner:       "karl",
		Description: "Get the passport renewed",
		Confidence:  0.9,
	})
	if err != nil {
		t.Fatalf("CreateFromAgent error: %v", err)
	}

	approved, err := p.Approve(context.Background(), result.Proposal.Reference, "karl", "same thing")
	if err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	if approved.Commitment != nil {
		t.Error("confirming a duplicate must not create a second commitment")
	}

	open, err := h.store.ListOpenByOwner("karl")
	if err != nil {
		t.Fatalf("ListOpenByOwner error: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("open commitments = %d, want only the original", len(open))
	}
}

func TestJudgeFailureIsAdvisory(t *testing.T) {
	p, h := newProposalsHarness(t, &fakeJudge{err: context.DeadlineExceeded}, nil)
	h.create(t, "karl", "Water the plants")

	result, err := p.CreateFromAgent(context.Background(), AgentCreateRequest{
		Owner:       "karl",
		Description: "Fix the bike chain",
		Confidence:  0.9,
	})
	if err != nil {
		t.Fatalf("CreateFromAgent error: %v", err)
	}
	if result.Commitment == nil {
		t.Error("a broken judge must not block a confident creation")
	}
}

func TestApproveTransitionProposal(t *testing.T) {
	p, h := newProposalsHarness(t, nil, nil)
	c := h.create(t, "karl", "Send the quarterly report")

	result, err := h.service.Transition(context.Background(), c.ID, TransitionRequest{
		ToState:    StateCompleted,
		Actor:      sched.Actor{Type: sched.ActorSystem, ID: "agent"},
		Confidence: 0.5,
	})
	if err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	proposalID := result.Proposal.ID

	applied, err := p.ApproveTransition(context.Background(), proposalID, "karl", "yes, it went out")
	if err != nil {
		t.Fatalf("ApproveTransition error: %v", err)
	}
	if !applied.Applied || applied.Commitment.State != StateCompleted {
		t.Fatalf("applied = %+v, want the completed commitment", applied)
	}

	// The human cleanup must not have clobbered the approved decision.
	proposal, err := h.store.GetTransitionProposal(proposalID)
	if err != nil {
		t.Fatalf("GetTransitionProposal error: %v", err)
	}
	if proposal.Status != ProposalApproved {
		t.Errorf("proposal status = %s, want approved", proposal.Status)
	}

	if _, err := p.ApproveTransition(context.Background(), proposalID, "karl", "again"); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("re-approve: error = %v, want conflict", err)
	}
}

func TestRejectTransitionProposal(t *testing.T) {
	p, h := newProposalsHarness(t, nil, nil)
	c := h.create(t, "karl", "Reply to Birgit's email")

	result, err := h.service.Transition(context.Background(), c.ID, TransitionRequest{
		ToState:    StateCanceled,
		Actor:      sched.Actor{Type: sched.ActorSystem, ID: "agent"},
		Confidence: 0.4,
	})
	if err != nil {
		t.Fatalf("Transition error: %v", err)
	}

	if err := p.RejectTransition(result.Proposal.ID, "karl", "still needed"); err != nil {
		t.Fatalf("RejectTransition error: %v", err)
	}
	got, err := h.service.Get(c.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.State != StateOpen {
		t.Errorf("state = %s, want still OPEN", got.State)
	}
	proposal, err := h.store.GetTransitionProposal(result.Proposal.ID)
	if err != nil {
		t.Fatalf("GetTransitionProposal error: %v", err)
	}
	if proposal.Status != ProposalRejected {
		t.Errorf("proposal status = %s, want rejected", proposal.Status)
	}
}
