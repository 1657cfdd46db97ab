package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"dealflow_backend/internal/audit"
	"dealflow_backend/internal/businesstime"
	"dealflow_backend/internal/cache"
	"dealflow_backend/internal/crm"
	"dealflow_backend/internal/dossier"
	"dealflow_backend/internal/email"
	"dealflow_backend/internal/engine"
	"dealflow_backend/internal/event"
	"dealflow_backend/internal/extraction"
	"dealflow_backend/internal/hitl"
	"dealflow_backend/internal/inbox"
	"dealflow_backend/internal/manifest"
	"dealflow_backend/internal/ops"
	"dealflow_backend/internal/trigger"
	"dealflow_backend/platform/config"
	"dealflow_backend/platform/db"
	"dealflow_backend/platform/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	runID := uuid.NewString()
	log.Info("starting worker", "env", cfg.Env, "run_id", runID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rules, err := trigger.LoadRules(cfg.GetTriggerRulesPath())
	if err != nil {
		log.Error("failed to load trigger rules", "error", err)
		panic("failed to load trigger rules: " + err.Error())
	}
	detector := trigger.NewDetector(rules)

	stateDir := cfg.GetStateDir()
	negative := cache.LoadNegativeCache(filepath.Join(stateDir, "negative_cache.json"), log)
	processed := cache.LoadProcessedCache(filepath.Join(stateDir, "processed_events.json"), log)

	auditLog, err := audit.NewLog(filepath.Join(stateDir, "audit_log.jsonl"), log)
	if err != nil {
		log.Error("failed to open audit log", "error", err)
		panic("failed to open audit log: " + err.Error())
	}

	var requestStore hitl.RequestStore = hitl.NewFileStore(stateDir, log)

	// Optional Postgres mirror for reporting. The file stores stay
	// authoritative; a missing DATABASE_URL just skips the mirror.
	if cfg.GetDatabaseURL() != "" {
		var pool *pgxpool.Pool
		if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
			p, err := db.NewPool(ctx, cfg)
			if err != nil {
				return err
			}
			pool = p
			return nil
		}); err != nil {
			log.Error("failed to connect to database", "error", err)
			panic("failed to connect to database: " + err.Error())
		}
		defer pool.Close()

		repo := hitl.NewRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Error("failed to ensure mirror schema", "error", err)
			panic("failed to ensure mirror schema: " + err.Error())
		}
		requestStore = hitl.NewMirroredStore(requestStore, repo, log)
		auditLog.SetObserver(func(entry audit.Entry) {
			mirrorCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := repo.InsertAuditEntry(mirrorCtx, entry); err != nil {
				log.StoreError("hitl_mirror", "insert_audit_entry", err)
			}
		})
	}

	policy, err := businesstime.NewPolicy(cfg)
	if err != nil {
		log.Error("failed to build business-time policy", "error", err)
		panic("failed to build business-time policy: " + err.Error())
	}

	var notifier hitl.Notifier
	var reminders *hitl.ReminderEngine
	if cfg.GetEmailEnabled() {
		notifier = email.NewNotifier(cfg, cfg.GetAdminEmail(), log)
		reminders = hitl.NewReminderEngine(requestStore, auditLog, notifier, cfg.GetAdminReminderInterval(), log)
	} else {
		log.Warn("email disabled, review requests will be auto-skipped")
	}

	manager := hitl.NewManager(requestStore, auditLog, notifier, policy, reminders, cfg.GetPendingTimeout(), log)

	generator, err := dossier.New(ctx, cfg.GetGeminiAPIKey(), cfg.GetArtifactDir(), log)
	if err != nil {
		log.Error("failed to initialize dossier generator", "error", err)
		panic("failed to initialize dossier generator: " + err.Error())
	}
	generator.SetModel(cfg.GetResearchModel())

	crmClient := crm.NewClient(cfg, log)
	source := event.NewFileSource(cfg.GetEventsPath(), log)

	en := engine.New(engine.Options{
		Detector:            detector,
		ConfidenceThreshold: cfg.GetTriggerConfidenceThreshold(),
		NegativeCache:       negative,
		ProcessedCache:      processed,
		Extractor:           extraction.New(),
		CRMLookup:           crmClient,
		CRMDispatcher:       crmClient,
		Dossier:             generator,
		HITL:                manager,
		Source:              source,
		RunID:               runID,
		Log:                 log,
	})

	mw := manifest.NewWriter(cfg.GetRunLogDir(), runID, en.RuleHash(), log)
	log.Info("run manifest opened", "path", mw.Path())

	// A timed-out review resolves like any other decision: the engine runs
	// the timeout branch of the suspended flow and the manifest records it.
	manager.SetTimeoutContinuation(func(tctx context.Context, req hitl.Request, outcome hitl.Outcome) {
		result, err := en.HandleOutcome(tctx, req, outcome)
		if err != nil {
			log.Error("continuation after timeout failed", "audit_id", req.AuditID, "error", err)
			return
		}
		if err := mw.Append(result); err != nil {
			log.StoreError("run_manifest", "append", err)
		}
	})

	if err := manager.Resume(ctx); err != nil {
		log.Error("failed to resume pending reviews", "error", err)
		panic("failed to resume pending reviews: " + err.Error())
	}

	correlator := hitl.NewReplyCorrelator(requestStore, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runEventLoop(gctx, en, mw, cfg.GetEventPollInterval(), log)
	})

	if cfg.GetIMAPEnabled() {
		poller := inbox.NewPoller(cfg, func(msgCtx context.Context, msg hitl.InboundMessage) {
			handleInbound(msgCtx, manager, en, correlator, mw, msg, log)
		}, log)
		g.Go(func() error {
			return poller.Run(gctx)
		})
	} else {
		log.Warn("inbox polling disabled, replies arrive via the ops API only")
	}

	if cfg.GetOpsEnabled() {
		server := ops.NewServer(cfg.GetOpsAddr(), ops.NewHandler(manager, en, auditLog, mw, log), log)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped with error", "error", err)
	}

	shutdown(reminders, requestStore, negative, processed, mw, log)
	log.Info("worker stopped", "run_id", runID)
}

// runEventLoop processes the event feed once immediately and then on every
// tick until the context is cancelled.
func runEventLoop(ctx context.Context, en *engine.Engine, mw *manifest.Writer, interval time.Duration, log *logger.Logger) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	processBatch := func() {
		results, err := en.ProcessAllEvents(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("event batch failed", "error", err)
		}
		if len(results) > 0 {
			if err := mw.Append(results...); err != nil {
				log.StoreError("run_manifest", "append", err)
			}
		}
	}

	processBatch()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			processBatch()
		}
	}
}

// handleInbound applies a correlated reply and runs the engine continuation
// the decision unblocks.
func handleInbound(ctx context.Context, manager *hitl.Manager, en *engine.Engine, correlator hitl.Correlator, mw *manifest.Writer, msg hitl.InboundMessage, log *logger.Logger) {
	outcome, applied, err := manager.HandleInbound(ctx, correlator, msg)
	if err != nil {
		log.Error("inbound reply failed", "from", msg.From, "error", err)
		return
	}
	if !applied {
		return
	}

	req, err := manager.Get(outcome.AuditID)
	if err != nil {
		log.Error("resolved request missing", "audit_id", outcome.AuditID, "error", err)
		return
	}
	result, err := en.HandleOutcome(ctx, req, outcome)
	if err != nil {
		log.Error("continuation after reply failed", "audit_id", outcome.AuditID, "error", err)
		return
	}
	if err := mw.Append(result); err != nil {
		log.StoreError("run_manifest", "append", err)
	}
}

// shutdown drains in-flight reminder sends and flushes every store so a
// restart resumes from consistent state.
func shutdown(reminders *hitl.ReminderEngine, store hitl.RequestStore, negative *cache.NegativeCache, processed *cache.ProcessedCache, mw *manifest.Writer, log *logger.Logger) {
	if reminders != nil {
		reminders.Drain()
	}
	if err := store.Flush(); err != nil {
		log.StoreError("hitl_requests", "flush", err)
	}
	if err := negative.Flush(); err != nil {
		log.StoreError("negative_cache", "flush", err)
	}
	if err := processed.Flush(); err != nil {
		log.StoreError("processed_cache", "flush", err)
	}
	if err := mw.Finalize(); err != nil {
		log.StoreError("run_manifest", "finalize", err)
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
