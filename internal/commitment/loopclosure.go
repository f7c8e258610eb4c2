package commitment

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/clock"
	"github.com/karlvoss/adjutant/internal/sched"
)

// Reply actions.
const (
	ActionComplete    = "complete"
	ActionCancel      = "cancel"
	ActionRenegotiate = "renegotiate"
	ActionReview      = "review"
)

// ReplyIntent is one parsed loop-closure reply. Nil from ParseReply means
// the reply was ambiguous; callers treat that as no action, never a guess.
type ReplyIntent struct {
	Action   string     `json:"action"`
	NewDueBy *time.Time `json:"new_due_by,omitempty"`
}

var (
	completeWords = []string{"done", "did it", "finished", "completed", "complete", "handled", "took care of"}
	cancelWords   = []string{"cancel", "canceled", "cancelled", "nevermind", "never mind", "drop it", "not doing", "won't do", "wont do", "forget it"}
	reviewWords   = []string{"review", "show me", "status", "where do things stand"}

	refPattern      = regexp.MustCompile(`commitment[:/](\d+)`)
	proposalPattern = regexp.MustCompile(`(?i)\b(approve|reject)\s+(\S+:(?:dedupe|approval):[0-9a-f]{16})`)
	isoPattern      = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	inPattern       = regexp.MustCompile(`\bin (\d+) (day|days|week|weeks)\b`)
	nextPattern     = regexp.MustCompile(`\bnext (week|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
)

var weekdays = map[string]time.Weekday{
	"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
	"sunday": time.Sunday,
}

// ParseReply classifies a free-text reply with keyword and date matching.
// Cancel outranks complete when both appear ("done? no, cancel it"), a date
// means renegotiate, and anything unrecognized returns nil.
func ParseReply(body string, now time.Time) *ReplyIntent {
	text := strings.ToLower(strings.TrimSpace(body))
	if text == "" {
		return nil
	}

	if due := parseDate(text, now); due != nil {
		return &ReplyIntent{Action: ActionRenegotiate, NewDueBy: due}
	}
	if containsAny(text, cancelWords) {
		return &ReplyIntent{Action: ActionCancel}
	}
	if containsAny(text, completeWords) {
		return &ReplyIntent{Action: ActionComplete}
	}
	if containsAny(text, reviewWords) {
		return &ReplyIntent{Action: ActionReview}
	}
	return nil
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// parseDate extracts a future due date from the reply. End of day keeps
// "by friday" meaning any time that day.
func parseDate(text string, now time.Time) *time.Time {
	if m := isoPattern.FindStringSubmatch(text); m != nil {
		t, err := time.ParseInLocation("2006-01-02", m[0], time.UTC)
		if err == nil {
			t = endOfDay(t)
			return &t
		}
	}
	if m := inPattern.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		d := time.Duration(n) * 24 * time.Hour
		if strings.HasPrefix(m[2], "week") {
			d *= 7
		}
		t := endOfDay(now.Add(d))
		return &t
	}
	if m := nextPattern.FindStringSubmatch(text); m != nil {
		if m[1] == "week" {
			t := endOfDay(now.Add(7 * 24 * time.Hour))
			return &t
		}
		t := endOfDay(nextWeekday(now, weekdays[m[1]]))
		return &t
	}
	if strings.Contains(text, "tomorrow") {
		t := endOfDay(now.Add(24 * time.Hour))
		return &t
	}
	for name, wd := range weekdays {
		if strings.Contains(text, name) {
			t := endOfDay(nextWeekday(now, wd))
			return &t
		}
	}
	return nil
}

// parseProposalReply extracts an approve/reject decision and the proposal
// reference it applies to. Empty ref means the reply is not a proposal
// decision.
func parseProposalReply(body string) (ref, decision string) {
	m := proposalPattern.FindStringSubmatch(body)
	if m == nil {
		return "", ""
	}
	if strings.EqualFold(m[1], "approve") {
		return m[2], ProposalApproved
	}
	return m[2], ProposalRejected
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
}

func nextWeekday(now time.Time, wd time.Weekday) time.Time {
	days := (int(wd) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return now.Add(time.Duration(days) * 24 * time.Hour)
}

// LoopCloser matches replies to commitments and applies the parsed action.
type LoopCloser struct {
	service   *Service
	reviewer  *Reviewer
	proposals *Proposals
	clk       clock.Clock
	logger    *zap.Logger
}

// NewLoopCloser creates a loop-closure handler.
func NewLoopCloser(service *Service, reviewer *Reviewer, proposals *Proposals, clk clock.Clock, logger *zap.Logger) *LoopCloser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &LoopCloser{service: service, reviewer: reviewer, proposals: proposals, clk: clk, logger: logger}
}

// CloseResult reports one handled reply.
type CloseResult struct {
	Action     string            `json:"action"`
	Commitment *Commitment       `json:"commitment,omitempty"`
	Review     *ReviewLog        `json:"review,omitempty"`
	Proposal   *CreationProposal `json:"proposal,omitempty"`
}

// HandleReply parses the reply and applies it. signalRef carries the
// reference the original notification went out under, which resolves the
// commitment directly; failing that, an in-body "commitment:<id>" wins, and
// finally the sender's most recent unresolved commitment. Ambiguous replies
// return (nil, nil).
func (l *LoopCloser) HandleReply(ctx context.Context, owner, signalRef, body string) (*CloseResult, error) {
	now := l.clk.Now()

	// Proposal replies carry the proposal reference verbatim, the way the
	// approval request asked for it.
	if ref, decision := parseProposalReply(body); ref != "" && l.proposals != nil {
		var (
			result *AgentCreateResult
			err    error
		)
		if decision == ProposalApproved {
			result, err = l.proposals.Approve(ctx, ref, owner, "reply")
		} else {
			result, err = l.proposals.Reject(ctx, ref, owner, "reply")
		}
		if err != nil {
			return nil, err
		}
		return &CloseResult{
			Action:     "proposal_" + decision,
			Commitment: result.Commitment,
			Proposal:   result.Proposal,
		}, nil
	}

	intent := ParseReply(body, now)
	if intent == nil {
		l.logger.Debug("reply not actionable", zap.String("owner", owner))
		return nil, nil
	}

	if intent.Action == ActionReview {
		if l.reviewer == nil {
			return nil, apperr.E(apperr.KindInternal, "loopclosure: no reviewer configured")
		}
		log, err := l.reviewer.Run(ctx, owner)
		if err != nil {
			return nil, err
		}
		return &CloseResult{Action: ActionReview, Review: log}, nil
	}

	c, err := l.resolve(owner, signalRef, body)
	if err != nil {
		return nil, err
	}
	if c == nil {
		l.logger.Info("reply matched no commitment", zap.String("owner", owner))
		return nil, nil
	}

	actor := sched.Actor{Type: sched.ActorHuman, ID: owner}
	switch intent.Action {
	case ActionComplete:
		result, err := l.service.Transition(ctx, c.ID, TransitionRequest{
			ToState: StateCompleted,
			Actor:   actor,
			Reason:  "loop_closure_reply",
		})
		if err != nil {
			return nil, err
		}
		return &CloseResult{Action: ActionComplete, Commitment: result.Commitment}, nil

	case ActionCancel:
		result, err := l.service.Transition(ctx, c.ID, TransitionRequest{
			ToState: StateCanceled,
			Actor:   actor,
			Reason:  "loop_closure_reply",
		})
		if err != nil {
			return nil, err
		}
		return &CloseResult{Action: ActionCancel, Commitment: result.Commitment}, nil

	case ActionRenegotiate:
		// A missed commitment reopens before it picks up the new date.
		if c.State == StateMissed {
			if _, err := l.service.Transition(ctx, c.ID, TransitionRequest{
				ToState: StateOpen,
				Actor:   actor,
				Reason:  "renegotiated",
			}); err != nil {
				return nil, err
			}
		}
		updated, err := l.service.Update(c.ID, UpdateRequest{DueBy: intent.NewDueBy})
		if err != nil {
			return nil, err
		}
		return &CloseResult{Action: ActionRenegotiate, Commitment: updated}, nil
	}
	return nil, apperr.E(apperr.KindInternal, "loopclosure: unknown action %q", intent.Action)
}

// resolve finds the commitment a reply refers to.
func (l *LoopCloser) resolve(owner, signalRef, body string) (*Commitment, error) {
	if m := refPattern.FindStringSubmatch(signalRef); m != nil {
		return l.getOwned(owner, m[1])
	}
	if m := refPattern.FindStringSubmatch(strings.ToLower(body)); m != nil {
		return l.getOwned(owner, m[1])
	}

	open, err := l.service.Store().ListOpenByOwner(owner)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	return &open[0], nil
}

func (l *LoopCloser) getOwned(owner, rawID string) (*Commitment, error) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, apperr.E(apperr.KindValidation, "loopclosure: bad commitment reference %q", rawID)
	}
	c, err := l.service.Get(id)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if c.Owner != owner {
		return nil, apperr.E(apperr.KindConflict, "commitment %d does not belong to %s", id, owner)
	}
	return c, nil
}
