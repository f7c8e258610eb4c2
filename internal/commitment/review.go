package commitment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/karlvoss/adjutant/internal/attention"
	"github.com/karlvoss/adjutant/internal/clock"
)

// defaultReviewWindow bounds the first review for an owner with no prior run.
const defaultReviewWindow = 7 * 24 * time.Hour

// Reviewer composes the weekly commitment review and delivers it through the
// attention router.
type Reviewer struct {
	store  *Store
	router Router
	clk    clock.Clock
	logger *zap.Logger
}

// NewReviewer creates the weekly review service.
func NewReviewer(store *Store, router Router, clk clock.Clock, logger *zap.Logger) *Reviewer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Reviewer{store: store, router: router, clk: clk, logger: logger}
}

// Run aggregates commitments completed, missed, and modified since the last
// review (or over the past week when none exists), plus OPEN items without a
// due date, writes the review log, and submits the narrative to the router.
// Commitments included in the review get reviewed_at stamped.
func (r *Reviewer) Run(ctx context.Context, owner string) (*ReviewLog, error) {
	now := r.clk.Now()
	start := now.Add(-defaultReviewWindow)
	if last, err := r.store.LastReview(owner); err != nil {
		return nil, err
	} else if last != nil {
		start = last.PeriodEnd
	}

	completed, missed, modified, err := r.store.ChangedSince(owner, start)
	if err != nil {
		return nil, err
	}
	openNoDue, err := r.store.OpenWithoutDue(owner)
	if err != nil {
		return nil, err
	}

	log := &ReviewLog{
		Owner:          owner,
		PeriodStart:    start,
		PeriodEnd:      now,
		CompletedCount: len(completed),
		MissedCount:    len(missed),
		ModifiedCount:  len(modified),
		OpenNoDueCount: len(openNoDue),
		Narrative:      composeNarrative(start, now, completed, missed, modified, openNoDue),
		CreatedAt:      now,
	}
	if err := r.store.InsertReviewLog(log); err != nil {
		return nil, err
	}

	if err := r.deliver(ctx, owner, log); err != nil {
		r.logger.Warn("review delivery failed",
			zap.String("owner", owner),
			zap.Int64("review_id", log.ID),
			zap.Error(err),
		)
	}

	ids := collectIDs(completed, missed, modified, openNoDue)
	if err := r.store.MarkReviewed(ids, now); err != nil {
		return nil, err
	}

	r.logger.Info("weekly review ran",
		zap.String("owner", owner),
		zap.Int64("review_id", log.ID),
		zap.Int("completed", log.CompletedCount),
		zap.Int("missed", log.MissedCount),
		zap.Int("modified", log.ModifiedCount),
		zap.Int("open_no_due", log.OpenNoDueCount),
	)
	return log, nil
}

func (r *Reviewer) deliver(ctx context.Context, owner string, log *ReviewLog) error {
	if r.router == nil {
		return nil
	}
	env := &attention.Envelope{
		Version:     1,
		SignalType:  "review.weekly",
		SignalRef:   fmt.Sprintf("review:%d", log.ID),
		Owner:       owner,
		ChannelHint: "obsidian",
		Urgency:     0.4,
		ChannelCost: 0.2,
		ContentType: "markdown",
		Timestamp:   log.CreatedAt,
		Payload: &attention.SignalPayload{
			Message: log.Narrative,
		},
		Notification: &attention.Notification{
			Version:         1,
			SourceComponent: "commitment.reviewer",
			OriginSignal:    fmt.Sprintf("review/%d", log.ID),
			Confidence:      1,
			Provenance: []attention.ProvenanceInput{{
				InputType:   "review",
				Reference:   fmt.Sprintf("review/%d", log.ID),
				Description: "weekly aggregate",
			}},
		},
	}
	_, err := r.router.Route(ctx, env)
	return err
}

// composeNarrative renders the review as markdown sections, skipping empty
// ones. Descriptions are word-capped so a verbose commitment cannot swamp
// the digest.
func composeNarrative(start, end time.Time, completed, missed, modified, openNoDue []Commitment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Week of %s to %s.\n", start.Format("Jan 2"), end.Format("Jan 2"))

	section := func(title string, items []Commitment) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s (%d):\n", title, len(items))
		for _, c := range items {
			line := CapWords(c.Description, 20)
			if c.DueBy != nil {
				fmt.Fprintf(&b, "- %s (due %s)\n", line, c.DueBy.Format("Jan 2"))
			} else {
				fmt.Fprintf(&b, "- %s\n", line)
			}
		}
	}

	section("Completed", completed)
	section("Missed", missed)
	section("Modified", modified)
	section("Open without a due date", openNoDue)

	if len(completed)+len(missed)+len(modified)+len(openNoDue) == 0 {
		b.WriteString("\nNothing changed and nothing is adrift. Quiet week.\n")
	}
	return b.String()
}

func collectIDs(groups ...[]Commitment) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, group := range groups {
		for _, c := range group {
			if !seen[c.ID] {
				seen[c.ID] = true
				ids = append(ids, c.ID)
			}
		}
	}
	return ids
}
