package dispatch

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/metrics"
)

// maxCallbackLag is how far emitted_at may trail scheduled_for before the
// callback is rejected as stale.
const maxCallbackLag = 24 * time.Hour

// Bridge accepts provider-agnostic "fire now" callbacks, enforces trace-id
// idempotency, and forwards accepted payloads to the dispatcher.
type Bridge struct {
	store      *Store
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewBridge creates a callback bridge.
func NewBridge(store *Store, dispatcher *Dispatcher, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{store: store, dispatcher: dispatcher, logger: logger}
}

// HandleCallback validates and deduplicates one provider callback. A payload
// whose (schedule_id, trace_id) already produced an execution returns
// duplicate without touching the dispatcher; retry_scheduled executions are
// the exception, since the provider re-fires them with the same trace id.
func (b *Bridge) HandleCallback(ctx context.Context, payload CallbackPayload) (*BridgeResult, error) {
	if err := validateCallback(&payload); err != nil {
		metrics.CallbacksTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	existing, err := b.store.FindByTrace(payload.ScheduleID, payload.TraceID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status != StatusRetryScheduled {
		b.logger.Debug("duplicate callback",
			zap.Int64("schedule_id", payload.ScheduleID),
			zap.String("trace_id", payload.TraceID),
			zap.Int64("execution_id", existing.ID),
		)
		metrics.CallbacksTotal.WithLabelValues("duplicate").Inc()
		return &BridgeResult{Status: BridgeDuplicate, DuplicateExecutionID: existing.ID}, nil
	}

	metrics.CallbacksTotal.WithLabelValues("accepted").Inc()
	return b.dispatcher.Dispatch(ctx, payload)
}

// validateCallback normalizes and rejects malformed payloads. A missing
// scheduled_for defaults to emitted_at.
func validateCallback(p *CallbackPayload) error {
	if p.ScheduleID <= 0 {
		return apperr.E(apperr.KindValidation, "callback bridge: schedule_id must be positive")
	}
	if strings.TrimSpace(p.TraceID) == "" {
		return apperr.E(apperr.KindValidation, "callback bridge: trace_id is required")
	}
	if strings.TrimSpace(p.TriggerSource) == "" {
		return apperr.E(apperr.KindValidation, "callback bridge: trigger_source is required")
	}
	if p.EmittedAt.IsZero() {
		return apperr.E(apperr.KindValidation, "callback bridge: emitted_at is required")
	}
	if p.ScheduledFor == nil {
		t := p.EmittedAt
		p.ScheduledFor = &t
	}
	if p.EmittedAt.Sub(*p.ScheduledFor) > maxCallbackLag {
		return apperr.E(apperr.KindValidation, "callback bridge: emitted_at is more than 24h behind scheduled_for")
	}
	if p.ProviderAttempt < 1 {
		p.ProviderAttempt = 1
	}
	return nil
}
