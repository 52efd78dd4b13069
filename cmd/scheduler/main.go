// Package main runs the periodic medication jobs: reminder scheduling,
// missed-dose detection, and daily archival.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/config"
	"github.com/carecircle/medsync/internal/infrastructure/stream"
	"github.com/carecircle/medsync/internal/notify"
	"github.com/carecircle/medsync/internal/observability/metrics"
	"github.com/carecircle/medsync/internal/observability/tracing"
	"github.com/carecircle/medsync/internal/scheduler"
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

	tracingCfg := tracing.DefaultConfig("scheduler")
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

	clk := clock.System()
	st := store.New(pool, logger, store.WithClock(clk))

	producerCfg := stream.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := stream.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close()

	dispatcher := notify.NewDispatcher(st, []notify.Channel{
		notify.NewStreamChannel(notify.MethodPush, producer),
		notify.NewStreamChannel(notify.MethodEmail, producer),
		notify.NewStreamChannel(notify.MethodSMS, producer),
	}, logger)

	reminderCfg := scheduler.DefaultReminderConfig()
	reminderCfg.LookAhead = cfg.LookAhead()
	reminderCfg.Limit = cfg.TickLimit
	reminderCfg.ToleranceMinutes = cfg.ReminderToleranceMins
	reminderCfg.BucketMinutes = cfg.ReminderBucketMins
	if err := reminderCfg.Validate(); err != nil {
		logger.Fatal("invalid reminder config", zap.Error(err))
	}
	reminder := scheduler.NewReminderScheduler(st, dispatcher, logger, clk, reminderCfg)

	missedCfg := scheduler.DefaultMissedConfig()
	missedCfg.Limit = cfg.TickLimit
	missed := scheduler.NewMissedDetector(st, logger, clk, missedCfg)

	archiverCfg := scheduler.DefaultArchiverConfig()
	archiverCfg.DefaultTimezone = cfg.DefaultTimezone
	archiverCfg.BatchLimit = cfg.TickLimit
	archiver, err := scheduler.NewArchiver(st, logger, clk, archiverCfg)
	if err != nil {
		logger.Fatal("failed to create archiver", zap.Error(err))
	}

	materializer := scheduler.NewMaterializer(st, logger)

	m := metrics.New()
	runner := scheduler.NewRunner(st, logger, clk, m)
	runner.SetTimeout(cfg.TickTimeout())

	go runner.Loop(ctx, scheduler.JobReminder, cfg.ReminderInterval(), reminder.Tick)
	go runner.Loop(ctx, scheduler.JobMissed, cfg.MissedInterval(), missed.Tick)
	go runner.Loop(ctx, scheduler.JobArchiver, cfg.ArchiveInterval(), archiver.Tick)
	go runner.Loop(ctx, scheduler.JobMaterializer, cfg.MaterializeInterval(), materializer.Tick)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:        ":" + cfg.MetricsPort,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("scheduler started",
		zap.Duration("reminder_interval", cfg.ReminderInterval()),
		zap.Duration("missed_interval", cfg.MissedInterval()),
		zap.Duration("archive_interval", cfg.ArchiveInterval()),
		zap.Duration("materialize_interval", cfg.MaterializeInterval()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down scheduler")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	metricsServer.Shutdown(shutdownCtx)

	logger.Info("scheduler stopped")
}
