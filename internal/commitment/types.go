// Package commitment models user-made promises as a state machine, links
// them to schedules for reminders and miss detection, and funnels uncertain
// decisions through operator-approved proposals.
package commitment

import (
	"crypto/sha1"
	"encoding/hex"
	"math"
	"strings"
	"time"

	"github.com/karlvoss/adjutant/internal/sched"
)

// Commitment states.
const (
	StateOpen      = "OPEN"
	StateCompleted = "COMPLETED"
	StateMissed    = "MISSED"
	StateCanceled  = "CANCELED"
)

// transitionAllowed encodes the state machine: OPEN reaches any terminal
// state, MISSED can reopen, COMPLETED and CANCELED are sinks.
func transitionAllowed(from, to string) bool {
	switch from {
	case StateOpen:
		return to == StateCompleted || to == StateMissed || to == StateCanceled
	case StateMissed:
		return to == StateOpen
	default:
		return false
	}
}

// Commitment is one promise the user made.
type Commitment struct {
	ID          int64  `json:"id"`
	Owner       string `json:"owner"`
	Description string `json:"description"`
	State       string `json:"state"`
	Importance  int    `json:"importance"` // 1..3
	Effort      int    `json:"effort"`     // 1..3

	DueBy   *time.Time `json:"due_by,omitempty"`
	Urgency int        `json:"urgency"` // 1..100, recomputed on change

	OriginRef      string     `json:"origin_ref,omitempty"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
	EverMissedAt   *time.Time `json:"ever_missed_at,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ComputeUrgency maps (importance, effort, due_by) to an integer in [1,100].
// Weights: time pressure 0.6, importance 0.3, inverse effort 0.1. Time
// pressure ramps linearly over the final week before due_by and clamps to
// 1.0 once overdue; commitments without a due_by carry no time pressure.
// Deterministic given the same inputs.
func ComputeUrgency(importance, effort int, dueBy *time.Time, now time.Time) int {
	importance = clampScale(importance)
	effort = clampScale(effort)

	tp := 0.0
	if dueBy != nil {
		until := dueBy.Sub(now)
		switch {
		case until <= 0:
			tp = 1.0
		case until >= 7*24*time.Hour:
			tp = 0.0
		default:
			tp = 1.0 - until.Hours()/(7*24)
		}
	}

	imp := float64(importance-1) / 2
	eff := float64(effort-1) / 2

	score := 0.6*tp + 0.3*imp + 0.1*(1-eff)
	u := 1 + int(math.Round(score*99))
	if u < 1 {
		u = 1
	}
	if u > 100 {
		u = 100
	}
	return u
}

func clampScale(v int) int {
	if v < 1 {
		return 1
	}
	if v > 3 {
		return 3
	}
	return v
}

// TransitionRecord is one applied state transition.
type TransitionRecord struct {
	ID             string      `json:"id"`
	CommitmentID   int64       `json:"commitment_id"`
	FromState      string      `json:"from_state"`
	ToState        string      `json:"to_state"`
	Actor          sched.Actor `json:"actor"`
	Reason         string      `json:"reason,omitempty"`
	Context        string      `json:"context,omitempty"`
	Confidence     float64     `json:"confidence,omitempty"`
	Provenance     string      `json:"provenance,omitempty"`
	TransitionedAt time.Time   `json:"transitioned_at"`
}

// ScheduleLink ties a commitment to a schedule. At most one link per
// commitment is active at a time.
type ScheduleLink struct {
	ID            int64      `json:"id"`
	CommitmentID  int64      `json:"commitment_id"`
	ScheduleID    int64      `json:"schedule_id"`
	Purpose       string     `json:"purpose"` // reminder, miss_detection
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Link purposes.
const (
	PurposeReminder      = "reminder"
	PurposeMissDetection = "miss_detection"
)

// Proposal statuses.
const (
	ProposalPending  = "pending"
	ProposalApproved = "approved"
	ProposalRejected = "rejected"
	ProposalCanceled = "canceled"
)

// Creation proposal kinds.
const (
	KindDedupe   = "dedupe"
	KindApproval = "approval"
)

// TransitionProposal is a system transition the authority evaluator denied.
type TransitionProposal struct {
	ID           int64   `json:"id"`
	CommitmentID int64   `json:"commitment_id"`
	FromState    string  `json:"from_state"`
	ToState      string  `json:"to_state"`
	ActorType    string  `json:"actor_type"`
	Confidence   float64 `json:"confidence"`
	Threshold    float64 `json:"threshold"`
	Reason       string  `json:"reason,omitempty"`
	Status       string  `json:"status"`

	ProposedAt     time.Time  `json:"proposed_at"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	DecidedBy      string     `json:"decided_by,omitempty"`
	DecisionReason string     `json:"decision_reason,omitempty"`
}

// CreationProposal covers both dedupe suspicions and low-confidence agent
// creations. Reference is the stable string operators reply with.
type CreationProposal struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"` // dedupe, approval
	Reference string `json:"reference"`
	Owner     string `json:"owner"`

	Description string     `json:"description"`
	Importance  int        `json:"importance"`
	Effort      int        `json:"effort"`
	DueBy       *time.Time `json:"due_by,omitempty"`
	OriginRef   string     `json:"origin_ref,omitempty"`
	Confidence  float64    `json:"confidence"`

	// Dedupe fields.
	SuggestedDuplicateID *int64  `json:"suggested_duplicate_id,omitempty"`
	SimilarityScore      float64 `json:"similarity_score,omitempty"`
	Summary              string  `json:"summary,omitempty"`

	Status               string     `json:"status"`
	ProposedAt           time.Time  `json:"proposed_at"`
	DecidedAt            *time.Time `json:"decided_at,omitempty"`
	DecidedBy            string     `json:"decided_by,omitempty"`
	DecisionReason       string     `json:"decision_reason,omitempty"`
	CreatedCommitmentID  *int64     `json:"created_commitment_id,omitempty"`
}

// ProposalRef builds the deterministic reference
// "{scope}:{kind}:{16-hex-of-sha1(components)}".
func ProposalRef(scope, kind string, components ...string) string {
	sum := sha1.Sum([]byte(strings.Join(components, "\x00")))
	return scope + ":" + kind + ":" + hex.EncodeToString(sum[:])[:16]
}

// CapWords truncates text to at most n words.
func CapWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ")
}

// ReviewLog is one weekly review run.
type ReviewLog struct {
	ID             int64     `json:"id"`
	Owner          string    `json:"owner"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	CompletedCount int       `json:"completed_count"`
	MissedCount    int       `json:"missed_count"`
	ModifiedCount  int       `json:"modified_count"`
	OpenNoDueCount int       `json:"open_no_due_count"`
	Narrative      string    `json:"narrative"`
	CreatedAt      time.Time `json:"created_at"`
}
