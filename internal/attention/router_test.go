package attention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/clock"
	"github.com/karlvoss/adjutant/internal/routerctx"
	"github.com/karlvoss/adjutant/internal/storage"
	"github.com/karlvoss/adjutant/internal/transport"
)

// fakeDriver records deliveries and whether the router-active flag was set.
type fakeDriver struct {
	channel  string
	err      error
	messages []transport.OutboundMessage
	active   []bool
}

func (f *fakeDriver) Channel() string { return f.channel }

func (f *fakeDriver) Deliver(ctx context.Context, msg transport.OutboundMessage) error {
	f.messages = append(f.messages, msg)
	f.active = append(f.active, routerctx.IsRouterActive(ctx))
	return f.err
}

type routerHarness struct {
	router  *Router
	store   *Store
	batches *BatchStore
	queue   *FailClosedQueue
	signal  *fakeDriver
	web     *fakeDriver
	cfg     RouterConfig
	clk     *clock.Fixed
}

func newRouterHarness(t *testing.T, mutate func(*RouterConfig)) *routerHarness {
	t.Helper()
	db, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("attention store: %v", err)
	}
	batches, err := NewBatchStore(db)
	if err != nil {
		t.Fatalf("batch store: %v", err)
	}
	queue, err := NewFailClosedQueue(db)
	if err != nil {
		t.Fatalf("fail-closed queue: %v", err)
	}

	cfg := DefaultRouterConfig()
	cfg.AllowedOwner = func(channel, owner string) bool { return owner == "karl" }
	if mutate != nil {
		mutate(&cfg)
	}

	h := &routerHarness{
		store:   store,
		batches: batches,
		queue:   queue,
		signal:  &fakeDriver{channel: transport.ChannelSignal},
		web:     &fakeDriver{channel: transport.ChannelWeb},
		cfg:     cfg,
		clk:     clock.NewFixed(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)),
	}
	registry := transport.NewRegistry(h.signal, h.web)
	h.router = NewRouter(store, batches, queue, nil, registry, cfg, h.clk, nil)
	return h
}

func testEnvelope(ref string, urgency float64, ts time.Time) *Envelope {
	return &Envelope{
		Version:     1,
		SignalType:  "task.reminder",
		SignalRef:   ref,
		Owner:       "karl",
		Urgency:     urgency,
		ChannelCost: 0.2,
		Timestamp:   ts,
		Payload:     &SignalPayload{Message: "water the plants"},
		Notification: &Notification{
			Version:         1,
			SourceComponent: "scheduler",
			OriginSignal:    ref,
			Confidence:      0.9,
			Provenance:      []ProvenanceInput{{InputType: "schedule", Reference: ref}},
		},
	}
}

func TestRouteRejectsInvalidEnvelope(t *testing.T) {
	h := newRouterHarness(t, nil)
	env := testEnvelope("sig:1", 0.5, h.clk.Now())
	env.Owner = ""

	if _, err := h.router.Route(context.Background(), env); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("error = %v, want validation_error", err)
	}
}

func TestRouteMissingProvenance(t *testing.T) {
	h := newRouterHarness(t, nil)
	env := testEnvelope("sig:2", 0.9, h.clk.Now())
	env.Notification = nil

	d, err := h.router.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if d.Outcome != OutcomeLogOnly || d.Stage != StageValidation || d.Reason != "missing_provenance" {
		t.Errorf("decision = %+v, want LOG_ONLY at validation for missing_provenance", d)
	}
	if len(h.signal.messages)+len(h.web.messages) != 0 {
		t.Error("nothing may be delivered without provenance")
	}
}

func TestRouteHighUrgencyDeliversSignal(t *testing.T) {
	h := newRouterHarness(t, nil)
	env := testEnvelope("sig:3", 0.9, h.clk.Now())

	d, err := h.router.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if d.Outcome != "NOTIFY:signal" {
		t.Errorf("outcome = %q, want NOTIFY:signal", d.Outcome)
	}
	if d.Channel != transport.ChannelSignal || d.Stage != StagePolicy {
		t.Errorf("decision = %+v, want signal channel from the policy stage", d)
	}
	if len(h.signal.messages) != 1 {
		t.Fatalf("signal deliveries = %d, want 1", len(h.signal.messages))
	}
	if !h.signal.active[0] {
		t.Error("delivery must carry the router-active flag")
	}
}

func TestRouteModerateUrgencyFallsBackToWeb(t *testing.T) {
	h := newRouterHarness(t, nil)
	env := testEnvelope("sig:4", 0.5, h.clk.Now())

	d, err := h.router.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if d.Outcome != "NOTIFY:web" || d.Channel != transport.ChannelWeb {
		t.Errorf("decision = (%s, %s), want NOTIFY:web", d.Outcome, d.Channel)
	}
	if len(h.web.messages) != 1 {
		t.Errorf("web deliveries = %d, want 1", len(h.web.messages))
	}
}

func TestRouteAlreadyDelivered(t *testing.T) {
	h := newRouterHarness(t, nil)
	ctx := context.Background()
	env := testEnvelope("sig:5", 0.9, h.clk.Now())

	if _, err := h.router.Route(ctx, env); err != nil {
		t.Fatalf("first Route error: %v", err)
	}
	d, err := h.router.Route(ctx, env)
	if err != nil {
		t.Fatalf("second Route error: %v", err)
	}
	if d.Reason != "already_delivered" || d.Stage != StageDelivery {
		t.Errorf("decision = %+v, want already_delivered at delivery", d)
	}
	if len(h.signal.messages) != 1 {
		t.Errorf("signal deliveries = %d, want exactly 1", len(h.signal.messages))
	}
}

func TestRouteRateLimitDemotes(t *testing.T) {
	h := newRouterHarness(t, func(cfg *RouterConfig) {
		cfg.RateLimitMaxPerChannel = map[string]int{"signal": 1}
	})
	ctx := context.Background()

	if _, err := h.router.Route(ctx, testEnvelope("sig:6a", 0.9, h.clk.Now())); err != nil {
		t.Fatalf("first Route error: %v", err)
	}
	d, err := h.router.Route(ctx, testEnvelope("sig:6b", 0.9, h.clk.Now()))
	if err != nil {
		t.Fatalf("second Route error: %v", err)
	}
	if d.Outcome != OutcomeBatch || d.Reason != "rate_limit_exceeded" || d.Stage != StageRateLimit {
		t.Errorf("decision = %+v, want BATCH via rate_limit_exceeded", d)
	}
	if len(h.signal.messages) != 1 {
		t.Errorf("signal deliveries = %d, want 1", len(h.signal.messages))
	}

	groups, err := h.batches.PendingGroups("karl")
	if err != nil {
		t.Fatalf("PendingGroups error: %v", err)
	}
	if len(groups) != 1 || groups[0].Category != CategoryBatched {
		t.Errorf("pending groups = %+v, want one batched group", groups)
	}
}

func TestRouteOwnerNotAllowed(t *testing.T) {
	h := newRouterHarness(t, func(cfg *RouterConfig) {
		cfg.AllowedOwner = func(channel, owner string) bool { return false }
	})

	d, err := h.router.Route(context.Background(), testEnvelope("sig:7", 0.9, h.clk.Now()))
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if d.Outcome != OutcomeLogOnly || d.Reason != "owner_not_allowed" || d.Stage != StageAllowlist {
		t.Errorf("decision = %+v, want LOG_ONLY owner_not_allowed", d)
	}
	if len(h.signal.messages) != 0 {
		t.Error("unlisted owner must not receive deliveries")
	}
}

func TestRouteFailsClosedWithoutDriver(t *testing.T) {
	h := newRouterHarness(t, nil)
	bare := NewRouter(h.store, h.batches, h.queue, nil, transport.NewRegistry(), h.cfg, h.clk, nil)

	d, err := bare.Route(context.Background(), testEnvelope("sig:8", 0.9, h.clk.Now()))
	if err != nil {
		t.Fatalf("Route error: %v (fail-closed must not surface an error)", err)
	}
	if d.Outcome != OutcomeLogOnly || d.Stage != StageFailClosed {
		t.Errorf("decision = %+v, want LOG_ONLY at fail_closed", d)
	}
	depth, err := h.queue.Depth()
	if err != nil {
		t.Fatalf("Depth error: %v", err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestRouteFailsClosedOnDeliveryError(t *testing.T) {
	h := newRouterHarness(t, nil)
	h.signal.err = errors.New("gateway down")

	d, err := h.router.Route(context.Background(), testEnvelope("sig:9", 0.9, h.clk.Now()))
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if d.Stage != StageFailClosed {
		t.Errorf("stage = %q, want fail_closed", d.Stage)
	}
	depth, _ := h.queue.Depth()
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestRouteQuietHoursDefers(t *testing.T) {
	h := newRouterHarness(t, nil)
	if err := h.store.UpsertPreferences(&Preferences{
		Owner:           "karl",
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "07:00",
	}); err != nil {
		t.Fatalf("UpsertPreferences error: %v", err)
	}
	night := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)

	d, err := h.router.Route(context.Background(), testEnvelope("sig:10", 0.5, night))
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if d.Outcome != OutcomeDefer {
		t.Errorf("outcome = %q, want DEFER", d.Outcome)
	}
	groups, _ := h.batches.PendingGroups("karl")
	if len(groups) != 1 || groups[0].Category != CategoryDeferred {
		t.Errorf("pending groups = %+v, want one deferred group", groups)
	}
}

func TestRouteDoNotDisturb(t *testing.T) {
	h := newRouterHarness(t, nil)
	if err := h.store.UpsertPreferences(&Preferences{Owner: "karl", DoNotDisturb: true}); err != nil {
		t.Fatalf("UpsertPreferences error: %v", err)
	}
	ctx := context.Background()

	d, err := h.router.Route(ctx, testEnvelope("sig:11", 0.5, h.clk.Now()))
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if d.Outcome != OutcomeLogOnly || d.Reason != "do_not_disturb" {
		t.Errorf("decision = %+v, want LOG_ONLY do_not_disturb", d)
	}

	// Urgent signals punch through do-not-disturb.
	d, err = h.router.Route(ctx, testEnvelope("sig:12", 0.9, h.clk.Now()))
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if d.Outcome != "NOTIFY:signal" {
		t.Errorf("urgent outcome = %q, want NOTIFY:signal", d.Outcome)
	}
}

func TestRouteAlwaysNotifyException(t *testing.T) {
	h := newRouterHarness(t, nil)
	if err := h.store.UpsertPreferences(&Preferences{
		Owner:        "karl",
		DoNotDisturb: true,
		AlwaysNotify: []string{"briefing.daily"},
	}); err != nil {
		t.Fatalf("UpsertPreferences error: %v", err)
	}
	env := testEnvelope("sig:13", 0.2, h.clk.Now())
	env.SignalType = "briefing.daily"

	d, err := h.router.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if d.Outcome != "NOTIFY:signal" {
		t.Errorf("outcome = %q, want NOTIFY:signal", d.Outcome)
	}
	if len(h.signal.messages) != 1 {
		t.Errorf("signal deliveries = %d, want 1", len(h.signal.messages))
	}
}

func TestRouteNotInterruptibleWindow(t *testing.T) {
	h := newRouterHarness(t, nil)
	now := h.clk.Now()
	if err := h.store.AddContextWindow(&ContextWindow{
		Owner:         "karl",
		StartsAt:      now.Add(-time.Hour),
		EndsAt:        now.Add(time.Hour),
		Interruptible: false,
		Label:         "deep work",
	}); err != nil {
		t.Fatalf("AddContextWindow error: %v", err)
	}

	d, err := h.router.Route(context.Background(), testEnvelope("sig:14", 0.5, now))
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if d.Outcome != OutcomeDefer || d.Reason != "not_interruptible" {
		t.Errorf("decision = %+v, want DEFER not_interruptible", d)
	}
}

func TestRouteEscalatesOnDeadline(t *testing.T) {
	h := newRouterHarness(t, nil)
	now := h.clk.Now()
	env := testEnvelope("sig:15", 0.5, now)
	due := now.Add(30 * time.Minute)
	env.DueAt = &due

	d, err := h.router.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if d.Outcome != "ESCALATE:web" || d.Reason != "escalated_deadline" || d.Stage != StageEscalation {
		t.Errorf("decision = %+v, want ESCALATE:web via escalated_deadline", d)
	}
	if d.Severity != SeverityHigh {
		t.Errorf("severity = %q, want HIGH after step up", d.Severity)
	}

	recs, err := h.store.ListEscalations("sig:15")
	if err != nil {
		t.Fatalf("ListEscalations error: %v", err)
	}
	if len(recs) != 1 || recs[0].Trigger != TriggerDeadline {
		t.Fatalf("escalations = %+v, want one deadline record", recs)
	}
	if recs[0].FromLevel != SeverityMedium || recs[0].ToLevel != SeverityHigh {
		t.Errorf("levels = %s -> %s, want MEDIUM -> HIGH", recs[0].FromLevel, recs[0].ToLevel)
	}
}
