package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/karlvoss/adjutant/internal/attention"
	"github.com/karlvoss/adjutant/internal/clock"
	"github.com/karlvoss/adjutant/internal/commitment"
	"github.com/karlvoss/adjutant/internal/dispatch"
	"github.com/karlvoss/adjutant/internal/predicate"
	"github.com/karlvoss/adjutant/internal/sched"
)

// reminderInvoker is the built-in execution worker. A schedule linked to a
// commitment for miss detection runs the miss detector; everything else
// turns into a reminder notification routed to the intent's creator.
type reminderInvoker struct {
	intents  *sched.Store
	links    *commitment.Store
	detector *commitment.Detector
	router   *attention.Router
	clk      clock.Clock
	logger   *zap.Logger
}

func (r *reminderInvoker) InvokeExecution(ctx context.Context, req dispatch.InvokeRequest) dispatch.InvokeResult {
	link, err := r.links.ActiveLinkBySchedule(req.ScheduleID)
	if err != nil {
		return dispatch.InvokeResult{
			Status:       dispatch.InvokeFailure,
			ErrorCode:    "link_lookup_failed",
			ErrorMessage: err.Error(),
		}
	}
	if link != nil && link.Purpose == commitment.PurposeMissDetection {
		result, err := r.detector.HandleExpiry(ctx, req.ScheduleID)
		if err != nil {
			return dispatch.InvokeResult{
				Status:       dispatch.InvokeFailure,
				ErrorCode:    "miss_detection_failed",
				ErrorMessage: err.Error(),
			}
		}
		return dispatch.InvokeResult{Status: dispatch.InvokeSuccess, ResultCode: result.Status}
	}

	intent, err := r.intents.GetIntent(req.IntentID)
	if err != nil {
		return dispatch.InvokeResult{
			Status:       dispatch.InvokeFailure,
			ErrorCode:    "intent_lookup_failed",
			ErrorMessage: err.Error(),
		}
	}

	message := intent.Summary
	if intent.Detail != "" {
		message += "\n" + intent.Detail
	}
	env := &attention.Envelope{
		Version:     1,
		SignalType:  "reminder.due",
		SignalRef:   fmt.Sprintf("execution:%d", req.ExecutionID),
		Owner:       intent.CreatedBy,
		Urgency:     0.6,
		ChannelCost: 0.3,
		ContentType: "text",
		Timestamp:   r.clk.Now(),
		Payload:     &attention.SignalPayload{Message: message},
		Notification: &attention.Notification{
			Version:         1,
			SourceComponent: "sched.dispatcher",
			OriginSignal:    fmt.Sprintf("schedule/%d", req.ScheduleID),
			Confidence:      1,
			Provenance: []attention.ProvenanceInput{{
				InputType:   "schedule",
				Reference:   fmt.Sprintf("schedule/%d", req.ScheduleID),
				Description: "timer firing",
			}},
		},
	}
	decision, err := r.router.Route(ctx, env)
	if err != nil {
		return dispatch.InvokeResult{
			Status:       dispatch.InvokeFailure,
			ErrorCode:    "routing_failed",
			ErrorMessage: err.Error(),
		}
	}
	return dispatch.InvokeResult{Status: dispatch.InvokeSuccess, ResultCode: decision.Outcome}
}

// failureNotifier routes an attention signal when an execution exhausts its
// attempts.
type failureNotifier struct {
	intents *sched.Store
	router  *attention.Router
	clk     clock.Clock
	logger  *zap.Logger
}

func (n *failureNotifier) ExecutionFailed(ctx context.Context, exec *dispatch.Execution, schedule *sched.Schedule) {
	intent, err := n.intents.GetIntent(schedule.IntentID)
	if err != nil {
		n.logger.Warn("failure notification skipped, no intent",
			zap.Int64("schedule_id", schedule.ID),
			zap.Error(err),
		)
		return
	}

	env := &attention.Envelope{
		Version:     1,
		SignalType:  "execution.failed",
		SignalRef:   fmt.Sprintf("execution:%d:failed", exec.ID),
		Owner:       intent.CreatedBy,
		Urgency:     0.8,
		ChannelCost: 0.3,
		ContentType: "text",
		Timestamp:   n.clk.Now(),
		Payload: &attention.SignalPayload{
			Message: fmt.Sprintf("%q failed after %d attempts: %s", intent.Summary, exec.AttemptCount, exec.LastErrorMessage),
		},
		Notification: &attention.Notification{
			Version:         1,
			SourceComponent: "sched.dispatcher",
			OriginSignal:    fmt.Sprintf("execution/%d", exec.ID),
			Confidence:      1,
			Provenance: []attention.ProvenanceInput{{
				InputType:   "execution",
				Reference:   fmt.Sprintf("execution/%d", exec.ID),
				Description: "attempts exhausted",
			}},
		},
	}
	if _, err := n.router.Route(ctx, env); err != nil {
		n.logger.Warn("failure notification dropped",
			zap.Int64("execution_id", exec.ID),
			zap.Error(err),
		)
	}
}

// subjectFileResolver reads predicate subjects from a flat JSON object in
// the data dir. Agents and ingestion write the file; the evaluator only
// reads it.
func subjectFileResolver(dataDir string) predicate.SubjectResolver {
	path := filepath.Join(dataDir, "subjects.json")
	return predicate.SubjectResolverFunc(func(_ context.Context, subject string) (string, bool, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return "", false, nil
			}
			return "", false, err
		}
		var subjects map[string]string
		if err := json.Unmarshal(data, &subjects); err != nil {
			return "", false, err
		}
		v, ok := subjects[subject]
		return v, ok, nil
	})
}
