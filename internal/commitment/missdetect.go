package commitment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/karlvoss/adjutant/internal/attention"
	"github.com/karlvoss/adjutant/internal/clock"
	"github.com/karlvoss/adjutant/internal/sched"
)

// Miss detection statuses.
const (
	MissStatusMissed = "missed"
	MissStatusNoLink = "no_link"
	MissStatusNoop   = "noop"
)

// MissResult reports one due-by expiry callback.
type MissResult struct {
	Status          string `json:"status"`
	CommitmentID    int64  `json:"commitment_id,omitempty"`
	CommitmentState string `json:"commitment_state,omitempty"`
}

// Detector handles due-by expiry callbacks: it resolves the linked
// commitment and transitions it to MISSED.
type Detector struct {
	service *Service
	router  Router
	clk     clock.Clock
	logger  *zap.Logger
}

// NewDetector creates a miss detector.
func NewDetector(service *Service, router Router, clk clock.Clock, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Detector{service: service, router: router, clk: clk, logger: logger}
}

// HandleExpiry processes a due-by expiry for the schedule. No active link
// returns no_link; a commitment no longer OPEN returns noop. The transition
// hook submits two notifications through the router; hook failures are
// logged and never roll the transition back.
func (d *Detector) HandleExpiry(ctx context.Context, scheduleID int64) (*MissResult, error) {
	link, err := d.service.Store().ActiveLinkBySchedule(scheduleID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return &MissResult{Status: MissStatusNoLink}, nil
	}

	c, err := d.service.Get(link.CommitmentID)
	if err != nil {
		return nil, err
	}
	if c.State != StateOpen {
		return &MissResult{Status: MissStatusNoop, CommitmentID: c.ID, CommitmentState: c.State}, nil
	}

	result, err := d.service.Transition(ctx, c.ID, TransitionRequest{
		ToState:    StateMissed,
		Actor:      sched.Actor{Type: sched.ActorSystem, ID: "miss-detector"},
		Reason:     "due_by_expired",
		Confidence: 1,
		Provenance: fmt.Sprintf("schedule/%d", scheduleID),
	})
	if err != nil {
		return nil, err
	}

	d.notify(ctx, result.Commitment)

	return &MissResult{
		Status:          MissStatusMissed,
		CommitmentID:    result.Commitment.ID,
		CommitmentState: result.Commitment.State,
	}, nil
}

// notify submits the missed notice and the loop-closure prompt.
func (d *Detector) notify(ctx context.Context, c *Commitment) {
	if d.router == nil {
		return
	}
	now := d.clk.Now()

	envelopes := []*attention.Envelope{
		{
			Version:     1,
			SignalType:  "commitment.missed",
			SignalRef:   fmt.Sprintf("commitment:%d:missed", c.ID),
			Owner:       c.Owner,
			Urgency:     0.7,
			ChannelCost: 0.3,
			ContentType: "text",
			Timestamp:   now,
			DueAt:       c.DueBy,
			Payload: &attention.SignalPayload{
				Message: fmt.Sprintf("Missed: %s", c.Description),
			},
			Notification: missNotification(c, "missed"),
		},
		{
			Version:     1,
			SignalType:  "commitment.loop_closure",
			SignalRef:   fmt.Sprintf("commitment:%d:loop_closure", c.ID),
			Owner:       c.Owner,
			Urgency:     0.5,
			ChannelCost: 0.3,
			ContentType: "text",
			Timestamp:   now,
			Payload: &attention.SignalPayload{
				Message: fmt.Sprintf("%q slipped past its due date. Reply done, cancel, review, or a new date. (ref commitment:%d)", c.Description, c.ID),
			},
			Notification: missNotification(c, "loop_closure"),
		},
	}

	for _, env := range envelopes {
		if _, err := d.router.Route(ctx, env); err != nil {
			d.logger.Warn("miss notification failed",
				zap.Int64("commitment_id", c.ID),
				zap.String("signal_type", env.SignalType),
				zap.Error(err),
			)
		}
	}
}

func missNotification(c *Commitment, step string) *attention.Notification {
	return &attention.Notification{
		Version:         1,
		SourceComponent: "commitment.miss-detector",
		OriginSignal:    fmt.Sprintf("commitment/%d", c.ID),
		Confidence:      1,
		Provenance: []attention.ProvenanceInput{{
			InputType:   "commitment",
			Reference:   fmt.Sprintf("commitment/%d", c.ID),
			Description: step,
		}},
	}
}
