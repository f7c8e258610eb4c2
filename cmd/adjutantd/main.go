// Adjutantd is the assistant backend daemon: scheduler, attention router,
// and commitment engine behind one process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/attention"
	"github.com/karlvoss/adjutant/internal/clock"
	"github.com/karlvoss/adjutant/internal/commitment"
	"github.com/karlvoss/adjutant/internal/config"
	"github.com/karlvoss/adjutant/internal/dispatch"
	"github.com/karlvoss/adjutant/internal/llm"
	"github.com/karlvoss/adjutant/internal/metrics"
	"github.com/karlvoss/adjutant/internal/predicate"
	"github.com/karlvoss/adjutant/internal/sched"
	"github.com/karlvoss/adjutant/internal/storage"
	"github.com/karlvoss/adjutant/internal/telemetry"
	"github.com/karlvoss/adjutant/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
)

const (
	timerTick       = 15 * time.Second
	sweepTick       = time.Minute
	retentionTick   = 24 * time.Hour
	auditKeep       = 90 * 24 * time.Hour
	callbackWorkers = 4
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("adjutantd %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "adjutantd: config rejected: %v\n", err)
		os.Exit(2)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "adjutantd: logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
		if err != nil {
			logger.Warn("tracing disabled", zap.Error(err))
		} else {
			defer func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				_ = shutdown(flushCtx)
			}()
		}
	}

	if cfg.DBDriver == "sqlite" {
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			logger.Fatal("cannot create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
		}
	}
	db, err := storage.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatal("cannot open database", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}
	defer db.Close()

	// Stores
	schedStore, err := sched.NewStore(db)
	if err != nil {
		logger.Fatal("schedule store", zap.Error(err))
	}
	execStore, err := dispatch.NewStore(db)
	if err != nil {
		logger.Fatal("execution store", zap.Error(err))
	}
	predStore, err := predicate.NewStore(db)
	if err != nil {
		logger.Fatal("predicate store", zap.Error(err))
	}
	attnStore, err := attention.NewStore(db)
	if err != nil {
		logger.Fatal("attention store", zap.Error(err))
	}
	batchStore, err := attention.NewBatchStore(db)
	if err != nil {
		logger.Fatal("batch store", zap.Error(err))
	}
	queue, err := attention.NewFailClosedQueue(db)
	if err != nil {
		logger.Fatal("fail-closed queue", zap.Error(err))
	}
	commitStore, err := commitment.NewStore(db)
	if err != nil {
		logger.Fatal("commitment store", zap.Error(err))
	}

	clk := clock.System{}

	// Attention router
	policies, err := loadPolicies(cfg.PolicyFile)
	if err != nil {
		logger.Fatal("policy pack", zap.String("file", cfg.PolicyFile), zap.Error(err))
	}
	registry := buildTransports(cfg, batchStore, logger)
	router := attention.NewRouter(attnStore, batchStore, queue, policies, registry, routerConfig(cfg), clk, logger.Named("router"))
	batcher := attention.NewBatcher(batchStore, router, clk, logger.Named("batcher"))
	reprocessor := attention.NewReprocessor(queue, router, 1, clk, logger.Named("reprocessor"))

	// Commitment engine
	commitSvc := commitment.NewService(commitStore, cfg.AutonomousTransitionThreshold, clk, logger.Named("commitment"))
	detector := commitment.NewDetector(commitSvc, router, clk, logger.Named("miss-detector"))
	reviewer := commitment.NewReviewer(commitStore, router, clk, logger.Named("reviewer"))

	var judge commitment.SimilarityJudge
	if cfg.LLM.Provider != "" {
		judge = llm.NewSimilarityJudge(llm.NewOpenAIProvider(llm.ProviderConfig{
			Name:    cfg.LLM.Provider,
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		}), cfg.LLM.Model)
		logger.Info("llm judge configured", zap.String("provider", cfg.LLM.Provider), zap.String("model", cfg.LLM.Model))
	}
	proposals := commitment.NewProposals(commitStore, commitSvc, judge, router, commitment.ProposalConfig{
		CreationThreshold: cfg.AutonomousCreationThreshold,
		DedupeThreshold:   cfg.DedupeConfidenceThreshold,
		SummaryWordCap:    cfg.DedupeSummaryWordCap,
	}, clk, logger.Named("proposals"))
	closer := commitment.NewLoopCloser(commitSvc, reviewer, proposals, clk, logger.Named("loop-closure"))

	// Scheduler + dispatch
	provider := sched.NewMemoryProvider()
	schedSvc := sched.NewService(schedStore, provider, clk, logger.Named("sched"))
	invoker := &reminderInvoker{
		intents:  schedStore,
		links:    commitStore,
		detector: detector,
		router:   router,
		clk:      clk,
		logger:   logger.Named("invoker"),
	}
	retry := dispatch.RetryPolicy{
		Strategy:    cfg.BackoffStrategy,
		BaseSeconds: cfg.BackoffBaseSeconds,
		MaxAttempts: cfg.MaxAttempts,
	}
	dispatcher := dispatch.NewDispatcher(execStore, schedStore, provider, retry, invoker, clk, logger.Named("dispatch"))
	dispatcher.SetFailureNotifier(&failureNotifier{intents: schedStore, router: router, clk: clk, logger: logger.Named("dispatch")})
	schedSvc.SetRunner(dispatcher)
	bridge := dispatch.NewBridge(execStore, dispatcher, logger.Named("bridge"))

	evaluator := predicate.NewEvaluator(predStore, schedStore, subjectFileResolver(cfg.DataDir), dispatcher, clk, logger.Named("predicate"))

	// Callback worker pool
	callbacks := make(chan dispatch.CallbackPayload, 64)
	var wg sync.WaitGroup
	for i := 0; i < callbackWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for payload := range callbacks {
				if _, err := bridge.HandleCallback(ctx, payload); err != nil {
					logger.Warn("callback failed",
						zap.Int64("schedule_id", payload.ScheduleID),
						zap.String("trace_id", payload.TraceID),
						zap.Error(err),
					)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		timerLoop(ctx, schedStore, provider, evaluator, callbacks, clk, logger.Named("timer"))
		close(callbacks)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepLoop(ctx, reprocessor, logger.Named("sweeps"))
	}()

	owners := allOwners(cfg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		dailyLoop(ctx, cfg.BatchReminderTime, cfg.Location(), clk, func(runCtx context.Context) {
			for _, owner := range owners {
				if _, err := batcher.Materialize(runCtx, owner); err != nil {
					logger.Warn("batch materialization failed", zap.String("owner", owner), zap.Error(err))
				}
			}
		})
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		weeklyLoop(ctx, cfg.ReviewDay, cfg.ReviewTime, cfg.Location(), clk, func(runCtx context.Context) {
			for _, owner := range owners {
				if _, err := reviewer.Run(runCtx, owner); err != nil {
					logger.Warn("weekly review failed", zap.String("owner", owner), zap.Error(err))
				}
			}
		})
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		retentionLoop(ctx, schedStore, execStore, predStore, commitSvc, logger.Named("retention"))
	}()

	// HTTP: health, metrics, and the inbound reply hook transports post
	// loop-closure replies to.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"version": version, "commit": commit})
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /v1/replies", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Owner     string `json:"owner"`
			SignalRef string `json:"signal_reference"`
			Body      string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Owner == "" {
			http.Error(w, `{"error":"owner and body are required"}`, http.StatusBadRequest)
			return
		}
		result, err := closer.HandleReply(r.Context(), body.Owner, body.SignalRef, body.Body)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if result == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ignored"})
			return
		}
		_ = json.NewEncoder(w).Encode(result)
	})

	mux.HandleFunc("POST /v1/commitments/agent", func(w http.ResponseWriter, r *http.Request) {
		var req commitment.AgentCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
			return
		}
		result, err := proposals.CreateFromAgent(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if result.Proposal != nil {
			w.WriteHeader(http.StatusAccepted)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
		_ = json.NewEncoder(w).Encode(result)
	})
	mux.HandleFunc("POST /v1/proposals/{ref}/decide", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Decision  string `json:"decision"` // "approved" or "rejected"
			DecidedBy string `json:"decided_by"`
			Reason    string `json:"reason,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DecidedBy == "" {
			http.Error(w, `{"error":"decision and decided_by are required"}`, http.StatusBadRequest)
			return
		}
		ref := r.PathValue("ref")
		var (
			result *commitment.AgentCreateResult
			err    error
		)
		switch body.Decision {
		case "approved":
			result, err = proposals.Approve(r.Context(), ref, body.DecidedBy, body.Reason)
		case "rejected":
			result, err = proposals.Reject(r.Context(), ref, body.DecidedBy, body.Reason)
		default:
			http.Error(w, `{"error":"decision must be approved or rejected"}`, http.StatusBadRequest)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting adjutantd",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.String("db_driver", cfg.DBDriver),
		zap.Int("owners", len(owners)),
	)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	wg.Wait()
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperr.IsKind(err, apperr.KindValidation):
		status = http.StatusBadRequest
	case apperr.IsKind(err, apperr.KindNotFound):
		status = http.StatusNotFound
	case apperr.IsKind(err, apperr.KindConflict):
		status = http.StatusConflict
	}
	http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), status)
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func loadPolicies(path string) (attention.PolicyProvider, error) {
	if path == "" {
		return attention.StaticPolicies(attention.DefaultPolicies()), nil
	}
	pack, err := attention.LoadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	return attention.StaticPolicies(pack), nil
}

func routerConfig(cfg config.Config) attention.RouterConfig {
	return attention.RouterConfig{
		RateLimitWindow:           time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		RateLimitMaxPerChannel:    cfg.RateLimitMaxPerChannel,
		EscalationIgnoreThreshold: cfg.EscalationIgnoreThreshold,
		EscalationIgnoreLookback:  30 * 24 * time.Hour,
		EscalationDeadlineWindow:  time.Duration(cfg.EscalationDeadlineWindowMinutes) * time.Minute,
		FailClosedRetryDelay:      time.Duration(cfg.FailClosedRetryDelaySeconds) * time.Second,
		AllowedOwner:              cfg.AllowedOwner,
	}
}

// buildTransports registers every configured channel driver. The digest
// driver is always present since it only needs the batch holding store.
func buildTransports(cfg config.Config, batches *attention.BatchStore, logger *zap.Logger) *transport.Registry {
	log := zapr.NewLogger(logger.Named("transport"))

	drivers := []transport.Driver{transport.NewDigestDriver(batches, log)}
	if cfg.SignalGatewayURL != "" {
		drivers = append(drivers, transport.NewSignalDriver(cfg.SignalGatewayURL, log))
	}
	if cfg.ObsidianVaultDir != "" {
		drivers = append(drivers, transport.NewObsidianDriver(cfg.ObsidianVaultDir, log))
	}
	if cfg.WebhookURL != "" {
		drivers = append(drivers, transport.NewWebDriver(cfg.WebhookURL, nil, log))
	}
	return transport.NewRegistry(drivers...)
}

// allOwners is the union of every allowlisted owner, for the batch and
// review loops.
func allOwners(cfg config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(owner string) {
		if owner != "" && !seen[owner] {
			seen[owner] = true
			out = append(out, owner)
		}
	}
	for _, o := range cfg.OwnerAllowlist {
		add(o)
	}
	for _, list := range cfg.ChannelOwnerAllowlist {
		for _, o := range list {
			add(o)
		}
	}
	return out
}

// timerLoop drives the in-process timer provider: due schedules and pending
// retry callbacks feed the bridge workers, due conditional schedules get
// evaluated. The trace id for a timer firing is derived from the occurrence
// so an overlapping sweep cannot double-dispatch.
func timerLoop(ctx context.Context, store *sched.Store, provider *sched.MemoryProvider, evaluator *predicate.Evaluator, callbacks chan<- dispatch.CallbackPayload, clk clock.Clock, logger *zap.Logger) {
	ticker := time.NewTicker(timerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := clk.Now()

		due, err := store.DueBefore(now, 100)
		if err != nil {
			logger.Warn("due scan failed", zap.Error(err))
		}
		for i := range due {
			sc := &due[i]
			at := *sc.NextRunAt
			payload := dispatch.CallbackPayload{
				ScheduleID:      sc.ID,
				ScheduledFor:    &at,
				TraceID:         occurrenceTraceID(sc.ID, at),
				EmittedAt:       now,
				TriggerSource:   "timer",
				ProviderAttempt: 1,
			}
			select {
			case callbacks <- payload:
			case <-ctx.Done():
				return
			}
		}

		for _, cb := range provider.TakeDue(now) {
			at := cb.FireAt
			payload := dispatch.CallbackPayload{
				ScheduleID:      cb.ScheduleID,
				ScheduledFor:    &at,
				TraceID:         cb.TraceID,
				EmittedAt:       now,
				TriggerSource:   "retry",
				ProviderAttempt: 1,
			}
			select {
			case callbacks <- payload:
			case <-ctx.Done():
				return
			}
		}

		evaluateDue(ctx, store, evaluator, now, logger)
	}
}

func evaluateDue(ctx context.Context, store *sched.Store, evaluator *predicate.Evaluator, now time.Time, logger *zap.Logger) {
	schedules, err := store.ListSchedules(0, sched.StateActive)
	if err != nil {
		logger.Warn("conditional scan failed", zap.Error(err))
		return
	}
	for i := range schedules {
		sc := &schedules[i]
		if sc.Kind != sched.KindConditional || sc.NextRunAt == nil || sc.NextRunAt.After(now) {
			continue
		}
		if _, err := evaluator.Evaluate(ctx, predicate.EvaluationRequest{ScheduleID: sc.ID}); err != nil {
			logger.Warn("predicate evaluation failed", zap.Int64("schedule_id", sc.ID), zap.Error(err))
		}
	}
}

// occurrenceTraceID is stable per (schedule, occurrence): rerunning a sweep
// before the schedule row advances produces the same trace id, which the
// bridge then deduplicates.
func occurrenceTraceID(scheduleID int64, at time.Time) string {
	name := fmt.Sprintf("schedule/%d@%s", scheduleID, at.UTC().Format(time.RFC3339Nano))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func sweepLoop(ctx context.Context, reprocessor *attention.Reprocessor, logger *zap.Logger) {
	ticker := time.NewTicker(sweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := reprocessor.Sweep(ctx); err != nil {
				logger.Warn("fail-closed sweep failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("fail-closed sweep", zap.Int("processed", n))
			}
		}
	}
}

func retentionLoop(ctx context.Context, scheds *sched.Store, execs *dispatch.Store, preds *predicate.Store, commits *commitment.Service, logger *zap.Logger) {
	ticker := time.NewTicker(retentionTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep := func(name string, fn func(time.Duration) (int64, error)) {
				if n, err := fn(auditKeep); err != nil {
					logger.Warn("retention sweep failed", zap.String("table", name), zap.Error(err))
				} else if n > 0 {
					logger.Info("retention sweep", zap.String("table", name), zap.Int64("purged", n))
				}
			}
			sweep("schedule_audits", scheds.PurgeAudits)
			sweep("execution_audits", execs.PurgeAudits)
			sweep("predicate_audits", preds.PurgeAudits)
			sweep("commitment_transitions", commits.SweepTransitions)
		}
	}
}

// dailyLoop fires fn once a day at "HH:MM" local time.
func dailyLoop(ctx context.Context, at string, loc *time.Location, clk clock.Clock, fn func(context.Context)) {
	for {
		next := nextClockTime(clk.Now().In(loc), at)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			fn(ctx)
		}
	}
}

// weeklyLoop fires fn once a week on day at "HH:MM" local time.
func weeklyLoop(ctx context.Context, day, at string, loc *time.Location, clk clock.Clock, fn func(context.Context)) {
	target := parseWeekday(day)
	for {
		next := nextClockTime(clk.Now().In(loc), at)
		for next.Weekday() != target {
			next = next.Add(24 * time.Hour)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			fn(ctx)
		}
	}
}

func nextClockTime(now time.Time, hhmm string) time.Time {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		h, m = 8, 0
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func parseWeekday(day string) time.Weekday {
	switch strings.ToLower(day) {
	case "monday":
		return time.Monday
	case "tuesday":
		return time.Tuesday
	case "wednesday":
		return time.Wednesday
	case "thursday":
		return time.Thursday
	case "friday":
		return time.Friday
	case "saturday":
		return time.Saturday
	default:
		return time.Sunday
	}
}
