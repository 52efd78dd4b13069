package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SystemAlert is an operational alert persisted for out-of-band
// remediation. End users never see these; operators do.
type SystemAlert struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Alert kinds emitted by this subsystem.
const (
	AlertCascadeIncomplete = "cascade_delete_incomplete"
	AlertTickSlow          = "tick_near_timeout"
	AlertMissingTimezone   = "patient_timezone_missing"
	AlertTickFailed        = "tick_failed"
)

// InsertSystemAlert persists an alert. Best-effort callers log and
// continue when this itself fails.
func (s *Store) InsertSystemAlert(ctx context.Context, alert *SystemAlert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.clock.Now()
	}
	details, err := json.Marshal(alert.Details)
	if err != nil {
		return fmt.Errorf("marshal alert details: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO system_alerts (id, kind, severity, message, details, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		alert.ID, alert.Kind, alert.Severity, alert.Message, details, alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert system alert: %w", err)
	}
	return nil
}

// TickLog is the execution-log document each periodic tick persists,
// success or failure.
type TickLog struct {
	ID        string        `json:"id"`
	Job       string        `json:"job"`
	Success   bool          `json:"success"`
	Processed int           `json:"processed"`
	Sent      int           `json:"sent"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// InsertTickLog persists one tick's execution log.
func (s *Store) InsertTickLog(ctx context.Context, log *TickLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO medication_reminder_logs
		(id, job, success, processed, sent, skipped, errors, error, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		log.ID, log.Job, log.Success, log.Processed, log.Sent, log.Skipped,
		log.Errors, log.Error, log.StartedAt, log.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert tick log: %w", err)
	}
	return nil
}

// ListTickLogs returns the most recent execution logs for a job, newest
// first. Operator read surface.
func (s *Store) ListTickLogs(ctx context.Context, job string, limit int) ([]*TickLog, error) {
	if limit <= 0 || limit > MaxBatchSize {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job, success, processed, sent, skipped, errors, error, started_at, duration_ms
		FROM medication_reminder_logs
		WHERE job = $1
		ORDER BY started_at DESC
		LIMIT $2`, job, limit)
	if err != nil {
		return nil, fmt.Errorf("list tick logs: %w", err)
	}
	defer rows.Close()

	var out []*TickLog
	for rows.Next() {
		l := &TickLog{}
		var durationMS int64
		if err := rows.Scan(
			&l.ID, &l.Job, &l.Success, &l.Processed, &l.Sent, &l.Skipped,
			&l.Errors, &l.Error, &l.StartedAt, &durationMS,
		); err != nil {
			return nil, err
		}
		l.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, l)
	}
	return out, rows.Err()
}

// MigrationRecord is the per-run audit row written by workers that
// move or delete data across collections (cascade delete, orphan cleanup).
type MigrationRecord struct {
	ID        string           `json:"id"`
	Operation string           `json:"operation"`
	CommandID string           `json:"command_id,omitempty"`
	Counters  map[string]int64 `json:"counters"`
	Failures  map[string]int64 `json:"failures,omitempty"`
	Complete  bool             `json:"complete"`
	CreatedAt time.Time        `json:"created_at"`
}

// InsertMigrationRecord persists a cross-collection operation audit row.
func (s *Store) InsertMigrationRecord(ctx context.Context, rec *MigrationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now()
	}
	counters, err := json.Marshal(rec.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	failures, err := json.Marshal(rec.Failures)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO migration_tracking (id, operation, command_id, counters, failures, complete, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Operation, rec.CommandID, counters, failures, rec.Complete, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert migration record: %w", err)
	}
	return nil
}
