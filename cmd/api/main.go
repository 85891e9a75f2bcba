package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dvloznov/sms-ledger/internal/api/handlers"
	"github.com/dvloznov/sms-ledger/internal/api/middleware"
	"github.com/dvloznov/sms-ledger/internal/cascade"
	"github.com/dvloznov/sms-ledger/internal/classify"
	"github.com/dvloznov/sms-ledger/internal/config"
	"github.com/dvloznov/sms-ledger/internal/dedup"
	"github.com/dvloznov/sms-ledger/internal/ingress"
	"github.com/dvloznov/sms-ledger/internal/integrity"
	"github.com/dvloznov/sms-ledger/internal/lock"
	"github.com/dvloznov/sms-ledger/internal/logger"
	"github.com/dvloznov/sms-ledger/internal/notify"
	"github.com/dvloznov/sms-ledger/internal/queue"
	"github.com/dvloznov/sms-ledger/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", os.Getenv("SMSLEDGER_CONFIG"), "Path to config file (or set SMSLEDGER_CONFIG env)")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("Failed to open store")
	}
	defer st.Close()

	ceiling, err := decimal.NewFromString(cfg.AmountCeiling)
	if err != nil {
		log.Fatal().Err(err).Str("amount_ceiling", cfg.AmountCeiling).Msg("Invalid amount ceiling")
	}

	// Core wiring: one lock manager and one deduper shared by the
	// synchronous path, the queue processor and the integrity checker.
	locks := lock.NewManager()
	deduper := dedup.New(st, cfg.DedupBucket, cfg.DedupFlagTTL, cfg.ContentHashTTL)
	resolver := cascade.NewStaticResolver(cfg.OwnAccounts)
	engine := cascade.New(st, locks, resolver, log, cfg.BudgetLockWait, ceiling)
	classifier := classify.NewGemini(cfg.GeminiModel)
	notifier := notify.NewLog(log)
	flow := ingress.NewFlow(classifier, engine, deduper, notifier, log)
	gateway := ingress.NewGateway(flow, deduper, st, locks, cfg.IngressLockWait, log)

	processor := queue.New(st, flow, deduper, locks, queue.Options{
		BatchSize:     cfg.QueueBatchSize,
		BatchTimeout:  cfg.QueueBatchTimeout,
		LockWait:      cfg.BatchLockWait,
		BaseDelay:     cfg.RetryBaseDelay,
		MaxAttempts:   cfg.MaxFlowAttempts,
		DLQThreshold:  cfg.DeadLetterThreshold,
		CleanupAfter:  cfg.CleanupTerminalAfter,
		RequeueFactor: 10 * cfg.RetryBaseDelay,
	}, log)

	checker := integrity.New(st, locks, cfg.BudgetLockWait, log)

	// Background loops.
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	go processor.Start(bgCtx, cfg.QueueInterval)
	go checker.Run(bgCtx, cfg.IntegrityInterval)
	go sweepFlags(bgCtx, deduper, log)

	// Handlers.
	webhookHandler := handlers.NewWebhookHandler(gateway, log)
	transactionsHandler := handlers.NewTransactionsHandler(engine, st, log)
	budgetsHandler := handlers.NewBudgetsHandler(st, log)
	monitoringHandler := handlers.NewMonitoringHandler(st, log)
	integrityHandler := handlers.NewIntegrityHandler(checker, log)

	// Router.
	mux := http.NewServeMux()

	mux.HandleFunc("/api/webhook", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			webhookHandler.Receive(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/transactions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			transactionsHandler.List(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/transactions/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/transactions/")
		switch {
		case r.Method == http.MethodDelete && rest != "" && !strings.Contains(rest, "/"):
			transactionsHandler.Delete(w, r, rest)
		case r.Method == http.MethodPut && strings.HasSuffix(rest, "/category"):
			id := strings.TrimSuffix(rest, "/category")
			if id == "" {
				middleware.WriteError(w, http.StatusBadRequest, "Transaction ID is required")
				return
			}
			transactionsHandler.ChangeCategory(w, r, id)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/budgets", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			budgetsHandler.List(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/budgets/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			category := strings.TrimPrefix(r.URL.Path, "/api/budgets/")
			if category == "" {
				middleware.WriteError(w, http.StatusBadRequest, "Category is required")
				return
			}
			budgetsHandler.SetLimit(w, r, category)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/queue", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			monitoringHandler.ListQueue(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/deadletters", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			monitoringHandler.ListDeadLetters(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/integrity", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			integrityHandler.Report(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/integrity/repair", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			integrityHandler.Repair(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// Apply middleware
	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(
				middleware.CORS(mux),
			),
		),
	)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	cancelBg()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// sweepFlags removes expired dedup flags once an hour.
func sweepFlags(ctx context.Context, d *dedup.Deduper, log zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Dedup flag sweep failed")
			} else if n > 0 {
				log.Info().Int64("removed", n).Msg("Expired dedup flags swept")
			}
		}
	}
}
