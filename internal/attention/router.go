package attention

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/karlvoss/adjutant/internal/clock"
	"github.com/karlvoss/adjutant/internal/metrics"
	"github.com/karlvoss/adjutant/internal/routerctx"
	"github.com/karlvoss/adjutant/internal/telemetry"
	"github.com/karlvoss/adjutant/internal/transport"
)

// Pipeline stages, recorded on every decision.
const (
	StageValidation  = "validation"
	StageAssessment  = "assessment"
	StagePolicy      = "policy"
	StagePreferences = "preferences"
	StageRateLimit   = "rate_limit"
	StageEscalation  = "escalation"
	StageChannel     = "channel"
	StageAllowlist   = "allowlist"
	StageDelivery    = "delivery"
	StageFailClosed  = "fail_closed"
)

// digestSignalPrefix tags envelopes produced by batch materialization so
// they cannot be routed back into a batch.
const digestSignalPrefix = "digest."

// RouterConfig carries the routing knobs.
type RouterConfig struct {
	RateLimitWindow           time.Duration
	RateLimitMaxPerChannel    map[string]int
	EscalationIgnoreThreshold int
	EscalationIgnoreLookback  time.Duration
	EscalationDeadlineWindow  time.Duration
	FailClosedRetryDelay      time.Duration

	// AllowedOwner gates delivery per (channel, owner). Nil denies all.
	AllowedOwner func(channel, owner string) bool
}

// DefaultRouterConfig mirrors the configured knob defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RateLimitWindow:           10 * time.Minute,
		RateLimitMaxPerChannel:    map[string]int{"signal": 5, "obsidian": 20, "digest": 50, "web": 20},
		EscalationIgnoreThreshold: 3,
		EscalationIgnoreLookback:  30 * 24 * time.Hour,
		EscalationDeadlineWindow:  time.Hour,
		FailClosedRetryDelay:      5 * time.Minute,
	}
}

// Router is the single outbound gate.
type Router struct {
	store    *Store
	batches  *BatchStore
	queue    *FailClosedQueue
	policies PolicyProvider
	drivers  *transport.Registry
	cfg      RouterConfig
	clk      clock.Clock
	logger   *zap.Logger
}

// NewRouter creates the attention router.
func NewRouter(store *Store, batches *BatchStore, queue *FailClosedQueue, policies PolicyProvider, drivers *transport.Registry, cfg RouterConfig, clk clock.Clock, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if policies == nil {
		policies = StaticPolicies(DefaultPolicies())
	}
	return &Router{
		store:    store,
		batches:  batches,
		queue:    queue,
		policies: policies,
		drivers:  drivers,
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
	}
}

// Route walks the full pipeline for one envelope and returns the persisted
// decision. Unavailability of the policy engine or a transport parks the
// signal in the fail-closed queue and the caller observes LOG_ONLY.
func (r *Router) Route(ctx context.Context, env *Envelope) (*Decision, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartRouteSpan(ctx, env.SignalType, env.Owner)
	d, err := r.route(ctx, env)
	if d != nil {
		telemetry.EndRouteSpan(span, d.Outcome, d.Channel)
	} else {
		telemetry.EndRouteSpan(span, "error", "")
	}
	return d, err
}

func (r *Router) route(ctx context.Context, env *Envelope) (*Decision, error) {
	now := r.clk.Now()

	// 1. Envelope validation: missing descriptor or empty provenance is
	// logged, not errored.
	if !env.HasProvenance() {
		return r.finalize(ctx, env, OutcomeLogOnly, "", StageValidation, "missing_provenance", env.Severity())
	}

	prefs, err := r.store.GetPreferences(env.Owner)
	if err != nil {
		return r.failClose(ctx, env, "preferences_unavailable: "+err.Error())
	}
	window, err := r.store.WindowAt(env.Owner, env.Timestamp)
	if err != nil {
		return r.failClose(ctx, env, "context_unavailable: "+err.Error())
	}

	// 2. Base assessment.
	outcome, reason := assess(env, window)
	stage := StageAssessment
	channel := ""

	// 3. Ordered policy evaluation; first match wins.
	policies, err := r.policies.Policies(ctx)
	if err != nil {
		return r.failClose(ctx, env, "policy_unavailable: "+err.Error())
	}
	for i := range policies {
		p := &policies[i]
		if !p.Matches(env, prefs) {
			continue
		}
		outcome, channel = SplitOutcome(p.Outcome)
		reason = p.Reason
		if reason == "" {
			reason = p.Name
		}
		stage = StagePolicy
		break
	}

	// 4. Preference application. Always-notify exceptions override
	// deferrals; quiet hours and do-not-disturb demote.
	switch {
	case prefs.AlwaysNotifies(env.SignalType):
		if outcome != OutcomeNotify && outcome != OutcomeEscalate {
			outcome, channel, reason, stage = OutcomeNotify, "", "always_notify", StagePreferences
		}
	case outcome == OutcomeNotify && prefs.InQuietHours(env.Timestamp):
		outcome, channel, reason, stage = OutcomeDefer, "", "quiet_hours", StagePreferences
	case outcome == OutcomeNotify && prefs.DoNotDisturb && env.Urgency < 0.85:
		outcome, channel, reason, stage = OutcomeLogOnly, "", "do_not_disturb", StagePreferences
	}

	severity := env.Severity()

	if outcome == OutcomeNotify || outcome == OutcomeEscalate {
		if channel == "" {
			channel = r.selectChannel(env, prefs, severity)
		}

		// 5. Rate limit over the notification history window.
		if max := r.cfg.RateLimitMaxPerChannel[channel]; max > 0 {
			count, err := r.store.CountActionable(env.Owner, channel, now.Add(-r.cfg.RateLimitWindow), now)
			if err != nil {
				return r.failClose(ctx, env, "history_unavailable: "+err.Error())
			}
			if count >= max {
				metrics.RateLimitDemotionsTotal.Inc()
				if env.ChannelCost >= 0.7 {
					outcome = OutcomeDefer
				} else {
					outcome = OutcomeBatch
				}
				channel, reason, stage = "", "rate_limit_exceeded", StageRateLimit
			}
		}
	}

	// 6. Escalation. Only decisions that still reach the owner can step up.
	if outcome == OutcomeNotify || outcome == OutcomeEscalate {
		if trigger, ok := r.escalationTrigger(env, now); ok {
			from := severity
			severity = stepUp(from)
			outcome = OutcomeEscalate
			reason, stage = "escalated_"+trigger, StageEscalation
			if err := r.store.InsertEscalation(&EscalationRecord{
				Owner:      env.Owner,
				SignalRef:  env.SignalRef,
				FromLevel:  from,
				ToLevel:    severity,
				Trigger:    trigger,
				OccurredAt: now,
			}); err != nil {
				return r.failClose(ctx, env, "escalation_log_unavailable: "+err.Error())
			}
		}
	}

	// 7. Channel selection for decisions still missing one.
	if (outcome == OutcomeNotify || outcome == OutcomeEscalate) && channel == "" {
		channel = r.selectChannel(env, prefs, severity)
		if stage != StageEscalation && stage != StageRateLimit {
			stage = StageChannel
		}
	}

	// Allowlist gate: unlisted owners never receive deliveries.
	if outcome == OutcomeNotify || outcome == OutcomeEscalate {
		if r.cfg.AllowedOwner == nil || !r.cfg.AllowedOwner(channel, env.Owner) {
			outcome, channel, reason, stage = OutcomeLogOnly, "", "owner_not_allowed", StageAllowlist
		}
	}

	// 8. Execute.
	switch outcome {
	case OutcomeNotify, OutcomeEscalate:
		return r.deliver(ctx, env, outcome, channel, stage, reason, severity, now)
	case OutcomeBatch:
		if err := r.batches.HoldEnvelope(env, CategoryBatched); err != nil {
			return r.failClose(ctx, env, "batch_unavailable: "+err.Error())
		}
	case OutcomeDefer:
		if err := r.batches.HoldEnvelope(env, CategoryDeferred); err != nil {
			return r.failClose(ctx, env, "batch_unavailable: "+err.Error())
		}
	}
	return r.finalize(ctx, env, outcome, channel, stage, reason, severity)
}

// assess is the base assessment over urgency, cost, confidence, and the
// attention-context window.
func assess(env *Envelope, window *ContextWindow) (outcome, reason string) {
	switch {
	case env.Urgency >= 0.85 && env.Confidence() >= 0.85:
		return OutcomeNotify, "high_urgency_high_confidence"
	case env.ChannelCost >= 0.7 && env.Urgency < 0.4:
		return OutcomeBatch, "high_cost_low_urgency"
	case window != nil && !window.Interruptible:
		return OutcomeDefer, "not_interruptible"
	case env.Urgency >= 0.4:
		return OutcomeNotify, "moderate_urgency"
	default:
		return OutcomeBatch, "low_urgency"
	}
}

// escalationTrigger checks the three escalation rules in order and returns
// the first that fires.
func (r *Router) escalationTrigger(env *Envelope, now time.Time) (string, bool) {
	ignored, err := r.store.CountBySignal(env.SignalRef, now.Add(-r.cfg.EscalationIgnoreLookback))
	if err == nil && r.cfg.EscalationIgnoreThreshold > 0 && ignored >= r.cfg.EscalationIgnoreThreshold {
		return TriggerIgnored, true
	}
	if env.DueAt != nil && env.DueAt.After(now) && env.DueAt.Sub(now) <= r.cfg.EscalationDeadlineWindow {
		return TriggerDeadline, true
	}
	if last, err := r.store.LastSeverity(env.SignalRef); err == nil && last != "" {
		if severityRank(env.Severity()) > severityRank(last) {
			return TriggerSeverityIncrease, true
		}
	}
	return "", false
}

// selectChannel resolves the fallback channel order: analysis content goes
// to the vault, failures and high severity go to signal, expensive signals
// wait for the digest, everything else lands on the web channel. Digest
// materializations never re-enter the digest.
func (r *Router) selectChannel(env *Envelope, prefs *Preferences, severity string) string {
	if transport.KnownChannel(env.ChannelHint) {
		return env.ChannelHint
	}
	if prefs.PreferredChannel != "" && transport.KnownChannel(prefs.PreferredChannel) {
		return prefs.PreferredChannel
	}
	switch {
	case env.ContentType == "analysis":
		return transport.ChannelObsidian
	case strings.Contains(env.SignalType, "failure") || severity == SeverityHigh:
		return transport.ChannelSignal
	case env.ChannelCost >= 0.7 && !strings.HasPrefix(env.SignalType, digestSignalPrefix):
		return transport.ChannelDigest
	default:
		return transport.ChannelWeb
	}
}

// deliver runs the delivery step with the router-active flag set, records
// the history row, and persists the decision.
func (r *Router) deliver(ctx context.Context, env *Envelope, outcome, channel, stage, reason, severity string, now time.Time) (*Decision, error) {
	// Idempotent under retry: a delivery for this signal reference inside
	// the current window is not repeated.
	prior, err := r.store.LastDelivery(env.SignalRef, now.Add(-r.cfg.RateLimitWindow))
	if err != nil {
		return r.failClose(ctx, env, "history_unavailable: "+err.Error())
	}
	if prior != nil {
		d := &Decision{
			Owner:      env.Owner,
			SignalRef:  env.SignalRef,
			SignalType: env.SignalType,
			Outcome:    prior.Outcome,
			Channel:    prior.Channel,
			Stage:      StageDelivery,
			Reason:     "already_delivered",
			Severity:   severity,
			DecidedAt:  now,
		}
		if err := r.store.InsertDecision(d); err != nil {
			return nil, err
		}
		return d, nil
	}

	driver := r.drivers.Lookup(channel)
	if driver == nil {
		return r.failClose(ctx, env, "driver_unavailable: "+channel)
	}

	msg := outboundMessage(env)
	if err := driver.Deliver(routerctx.WithRouterActive(ctx), msg); err != nil {
		return r.failClose(ctx, env, "delivery_failed: "+err.Error())
	}

	final := FinalOutcome(outcome, channel)
	if err := r.store.InsertHistory(&HistoryRecord{
		Owner:      env.Owner,
		SignalRef:  env.SignalRef,
		SignalType: env.SignalType,
		Outcome:    final,
		Channel:    channel,
		Severity:   severity,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}

	d := &Decision{
		Owner:      env.Owner,
		SignalRef:  env.SignalRef,
		SignalType: env.SignalType,
		Outcome:    final,
		Channel:    channel,
		Stage:      stage,
		Reason:     reason,
		Severity:   severity,
		DecidedAt:  now,
	}
	if err := r.store.InsertDecision(d); err != nil {
		return nil, err
	}

	metrics.RoutingDecisionsTotal.WithLabelValues(outcome, channel).Inc()
	r.logger.Info("routed",
		zap.String("owner", env.Owner),
		zap.String("signal_ref", env.SignalRef),
		zap.String("outcome", final),
		zap.String("stage", stage),
		zap.String("reason", reason),
	)
	return d, nil
}

// finalize records a non-delivery outcome (BATCH, DEFER, LOG_ONLY).
func (r *Router) finalize(ctx context.Context, env *Envelope, outcome, channel, stage, reason, severity string) (*Decision, error) {
	now := r.clk.Now()
	if err := r.store.InsertHistory(&HistoryRecord{
		Owner:      env.Owner,
		SignalRef:  env.SignalRef,
		SignalType: env.SignalType,
		Outcome:    outcome,
		Channel:    channel,
		Severity:   severity,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}
	d := &Decision{
		Owner:      env.Owner,
		SignalRef:  env.SignalRef,
		SignalType: env.SignalType,
		Outcome:    outcome,
		Channel:    channel,
		Stage:      stage,
		Reason:     reason,
		Severity:   severity,
		DecidedAt:  now,
	}
	if err := r.store.InsertDecision(d); err != nil {
		return nil, err
	}
	metrics.RoutingDecisionsTotal.WithLabelValues(outcome, channel).Inc()
	r.logger.Info("routed",
		zap.String("owner", env.Owner),
		zap.String("signal_ref", env.SignalRef),
		zap.String("outcome", outcome),
		zap.String("stage", stage),
		zap.String("reason", reason),
	)
	return d, nil
}

// failClose parks the envelope for reprocessing. The caller observes
// LOG_ONLY; the queue sweep retries once the router's dependencies recover.
func (r *Router) failClose(ctx context.Context, env *Envelope, reason string) (*Decision, error) {
	now := r.clk.Now()
	retryAt := now.Add(r.cfg.FailClosedRetryDelay)
	if r.queue != nil {
		if err := r.queue.Enqueue(env, reason, retryAt); err != nil {
			r.logger.Error("fail-closed enqueue failed",
				zap.String("signal_ref", env.SignalRef),
				zap.Error(err),
			)
		}
	}
	d := &Decision{
		Owner:      env.Owner,
		SignalRef:  env.SignalRef,
		SignalType: env.SignalType,
		Outcome:    OutcomeLogOnly,
		Stage:      StageFailClosed,
		Reason:     reason,
		Severity:   env.Severity(),
		DecidedAt:  now,
	}
	if err := r.store.InsertDecision(d); err != nil {
		r.logger.Error("fail-closed decision write failed", zap.Error(err))
	}
	metrics.RoutingDecisionsTotal.WithLabelValues(OutcomeLogOnly, "").Inc()
	r.logger.Warn("fail closed",
		zap.String("owner", env.Owner),
		zap.String("signal_ref", env.SignalRef),
		zap.String("reason", reason),
		zap.Time("retry_at", retryAt),
	)
	return d, nil
}

func outboundMessage(env *Envelope) transport.OutboundMessage {
	body := ""
	if env.Payload != nil {
		body = env.Payload.Message
	}
	if body == "" && env.Notification != nil {
		body = fmt.Sprintf("%s from %s", env.SignalType, env.Notification.SourceComponent)
	}
	return transport.OutboundMessage{
		Owner:       env.Owner,
		SignalRef:   env.SignalRef,
		SignalType:  env.SignalType,
		Subject:     env.SignalType,
		Body:        body,
		ContentType: env.ContentType,
		Timestamp:   env.Timestamp,
	}
}
