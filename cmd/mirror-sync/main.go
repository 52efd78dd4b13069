// Package main runs the mirror sync consumer: unified events from the
// stream are projected into the legacy mirror collections.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/config"
	"github.com/carecircle/medsync/internal/infrastructure/stream"
	"github.com/carecircle/medsync/internal/mirror"
	"github.com/carecircle/medsync/internal/observability/tracing"
	"github.com/carecircle/medsync/internal/store"
	"github.com/carecircle/medsync/pkg/workerpool"
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

	tracingCfg := tracing.DefaultConfig("mirror-sync")
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

	st := store.New(pool, logger)
	projector := mirror.NewProjector(st, logger, clock.System())

	workers, err := workerpool.New(workerpool.DefaultConfig(), func(ctx context.Context, task *workerpool.Task) error {
		return projector.HandleMessage(ctx, task.Payload.([]byte))
	}, logger)
	if err != nil {
		logger.Fatal("failed to create worker pool", zap.Error(err))
	}
	workers.Start()

	// Each record is applied through the pool and awaited, so the
	// offset commits only after the projection landed.
	handler := func(ctx context.Context, msg *stream.Message) error {
		result, err := workers.SubmitWait(ctx, &workerpool.Task{
			ID:      fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset),
			Payload: msg.Value,
			Context: ctx,
		})
		if err != nil {
			return err
		}
		return result.Error
	}

	producerCfg := stream.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := stream.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close()

	consumerCfg := stream.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.Topics = []string{stream.TopicUnifiedEvents}
	consumer, err := stream.NewConsumer(consumerCfg, handler, logger)
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	// Records the pool cannot project after its retries go to the
	// dead-letter topic so their offsets can advance.
	consumer.SetDeadLetter(producer)
	consumer.Start()

	logger.Info("mirror sync started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.ConsumerGroup))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down mirror sync")
	cancel()
	consumer.Stop()
	workers.Stop()
	logger.Info("mirror sync stopped")
}
