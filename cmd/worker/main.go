// Standalone queue processor. Run this next to cmd/api when queue
// draining should survive API restarts, or on its own against a shared
// database file.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvloznov/sms-ledger/internal/cascade"
	"github.com/dvloznov/sms-ledger/internal/classify"
	"github.com/dvloznov/sms-ledger/internal/config"
	"github.com/dvloznov/sms-ledger/internal/dedup"
	"github.com/dvloznov/sms-ledger/internal/ingress"
	"github.com/dvloznov/sms-ledger/internal/lock"
	"github.com/dvloznov/sms-ledger/internal/logger"
	"github.com/dvloznov/sms-ledger/internal/notify"
	"github.com/dvloznov/sms-ledger/internal/queue"
	"github.com/dvloznov/sms-ledger/internal/store"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", os.Getenv("SMSLEDGER_CONFIG"), "Path to config file (or set SMSLEDGER_CONFIG env)")
	once := flag.Bool("once", false, "Run a single batch and exit")
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

	locks := lock.NewManager()
	deduper := dedup.New(st, cfg.DedupBucket, cfg.DedupFlagTTL, cfg.ContentHashTTL)
	engine := cascade.New(st, locks, cascade.NewStaticResolver(cfg.OwnAccounts), log, cfg.BudgetLockWait, ceiling)
	flow := ingress.NewFlow(classify.NewGemini(cfg.GeminiModel), engine, deduper, notify.NewLog(log), log)

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		stats, err := processor.RunBatch(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Batch run failed")
		}
		log.Info().Interface("stats", stats).Msg("Batch complete")
		return
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("Shutting down worker...")
		cancel()
	}()

	processor.Start(ctx, cfg.QueueInterval)
}
