// Package main runs the outbox relay: it drains committed events from
// the transactional outbox into the unified event stream.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/config"
	"github.com/carecircle/medsync/internal/infrastructure/stream"
	"github.com/carecircle/medsync/internal/observability/tracing"
	"github.com/carecircle/medsync/internal/store"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingCfg := tracing.DefaultConfig("mirror-relay")
	tracingCfg.OTLPEndpoint = cfg.OTLPEndpoint
	tracingCfg.SampleRate = cfg.SampleRate
	tp, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		logger.Warn("tracing init failed, continuing without export", zap.Error(err))
	} else {
		defer tp.Shutdown(context.Background())
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}

	admin, err := stream.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("failed to create topic admin", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("failed to ensure topics", zap.Error(err))
	}
	admin.Close()

	producerCfg := stream.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := stream.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close()

	st := store.New(pool, logger)
	relay := store.NewOutboxRelay(st, producer, store.DefaultOutboxRelayConfig(), logger)
	relay.Start()

	// Hourly maintenance: exhausted entries to the dead letter topic,
	// processed entries older than a week purged.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := relay.MoveToDeadLetter(ctx); err != nil {
					logger.Error("dead letter sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Warn("moved entries to dead letter", zap.Int64("count", n))
				}
				if n, err := relay.CleanupProcessed(ctx, 7*24*time.Hour); err != nil {
					logger.Error("outbox cleanup failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("purged processed outbox entries", zap.Int64("count", n))
				}
			}
		}
	}()

	logger.Info("mirror relay started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down mirror relay")
	cancel()
	relay.Stop()
	logger.Info("mirror relay stopped")
}
