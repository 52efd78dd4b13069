package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/domain/medication"
)

// TopicUnifiedEvents is the topic the outbox relay publishes every
// unified medication event to; the legacy mirror sync consumes it.
const TopicUnifiedEvents = "medication.unified.events"

// TopicDeadLetter receives outbox entries that exhausted their retries.
const TopicDeadLetter = "dead.letter"

// outboxAdvisoryLock serializes relay instances so only one publishes.
const outboxAdvisoryLock = int64(874511203)

// OutboxEntry is one pending projection of a unified event.
type OutboxEntry struct {
	ID         int64
	EventID    string
	CommandID  string
	EventType  string
	Payload    json.RawMessage
	Topic      string
	Key        string
	CreatedAt  time.Time
	RetryCount int
	LastError  *string
}

// writeOutboxEntry records the event for relay inside the same
// transaction that appended it, so the projection can never observe an
// event the log does not hold.
func (s *Store) writeOutboxEntry(ctx context.Context, tx pgx.Tx, ev *medication.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	query := `
		INSERT INTO outbox (event_id, command_id, event_type, payload, topic, key)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = tx.Exec(ctx, query,
		ev.ID, ev.CommandID, string(ev.Type), payload, TopicUnifiedEvents, ev.PatientID,
	)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// OutboxPublisher publishes relay payloads to the stream.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// OutboxRelayConfig tunes the relay loop.
type OutboxRelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
}

// DefaultOutboxRelayConfig returns the relay defaults.
func DefaultOutboxRelayConfig() OutboxRelayConfig {
	return OutboxRelayConfig{
		BatchSize:    100,
		PollInterval: time.Second,
		MaxRetries:   5,
	}
}

// OutboxRelay drains the outbox into the stream.
type OutboxRelay struct {
	store     *Store
	publisher OutboxPublisher
	config    OutboxRelayConfig
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutboxRelay creates a relay over the given store.
func NewOutboxRelay(s *Store, publisher OutboxPublisher, cfg OutboxRelayConfig, logger *zap.Logger) *OutboxRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &OutboxRelay{
		store:     s,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling.
func (r *OutboxRelay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop drains and stops the relay.
func (r *OutboxRelay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *OutboxRelay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.processBatch()
		}
	}
}

func (r *OutboxRelay) processBatch() {
	ctx, span := otel.Tracer("outbox-relay").Start(r.ctx, "outbox_process_batch")
	defer span.End()

	var acquired bool
	err := r.store.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", outboxAdvisoryLock).Scan(&acquired)
	if err != nil || !acquired {
		return // another relay holds the lock
	}
	defer r.store.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", outboxAdvisoryLock)

	entries, err := r.fetchUnprocessed(ctx)
	if err != nil {
		r.logger.Error("fetch outbox entries failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := r.processEntry(ctx, entry); err != nil {
			r.logger.Error("outbox entry failed",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}
}

func (r *OutboxRelay) fetchUnprocessed(ctx context.Context) ([]*OutboxEntry, error) {
	query := `
		SELECT id, event_id, command_id, event_type, payload, topic, key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := r.store.pool.Query(ctx, query, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.CommandID, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *OutboxRelay) processEntry(ctx context.Context, entry *OutboxEntry) error {
	if err := r.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		errStr := err.Error()
		if _, updateErr := r.store.pool.Exec(ctx,
			`UPDATE outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2`,
			errStr, entry.ID,
		); updateErr != nil {
			r.logger.Error("update retry count failed", zap.Error(updateErr))
		}
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := r.store.pool.Exec(ctx,
		`UPDATE outbox SET processed_at = NOW() WHERE id = $1`, entry.ID,
	); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// MoveToDeadLetter republishes entries that exhausted their retries to
// the dead-letter topic and marks them processed.
func (r *OutboxRelay) MoveToDeadLetter(ctx context.Context) (int64, error) {
	query := `
		SELECT id, event_id, command_id, event_type, payload, topic, key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := r.store.pool.Query(ctx, query, r.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query dead-letter candidates: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.CommandID, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, e := range entries {
		dl, _ := json.Marshal(map[string]interface{}{
			"original_topic": e.Topic,
			"event_type":     e.EventType,
			"event_id":       e.EventID,
			"command_id":     e.CommandID,
			"payload":        e.Payload,
			"retry_count":    e.RetryCount,
			"last_error":     e.LastError,
			"created_at":     e.CreatedAt,
		})
		if err := r.publisher.Publish(ctx, TopicDeadLetter, e.Key, dl); err != nil {
			r.logger.Error("dead-letter publish failed", zap.Error(err))
			continue
		}
		if _, err := r.store.pool.Exec(ctx,
			`UPDATE outbox SET processed_at = NOW() WHERE id = $1`, e.ID,
		); err != nil {
			r.logger.Error("mark dead-lettered failed", zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// CleanupProcessed removes processed entries older than the retention
// window.
func (r *OutboxRelay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.store.pool.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < NOW() - $1::interval`,
		olderThan.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}
