package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ReminderSentRecord is the at-most-once marker for one reminder send.
// Keyed deterministically by (event, dedup bucket); its existence is the
// sole gate against duplicate dispatch.
type ReminderSentRecord struct {
	Key        string    `json:"key"`
	EventID    string    `json:"event_id"`
	CommandID  string    `json:"command_id"`
	PatientID  string    `json:"patient_id"`
	Bucket     int       `json:"bucket"`
	Offset     int       `json:"offset_minutes"`
	Recipients int       `json:"recipients"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	SentAt     time.Time `json:"sent_at"`
}

// CreateReminderMarker inserts the marker with conditional-create
// semantics: returns false with no error when the key already exists.
// This is idempotency by key, not a mutex.
func (s *Store) CreateReminderMarker(ctx context.Context, rec *ReminderSentRecord) (bool, error) {
	query := `
		INSERT INTO medication_reminder_sent_log
		(key, event_id, command_id, patient_id, bucket, offset_minutes, recipients, sent, failed, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (key) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		rec.Key, rec.EventID, rec.CommandID, rec.PatientID,
		rec.Bucket, rec.Offset, rec.Recipients, rec.Sent, rec.Failed, rec.SentAt,
	)
	if err != nil {
		return false, fmt.Errorf("create reminder marker: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReminderMarkerExists checks the dedup gate for one key.
func (s *Store) ReminderMarkerExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM medication_reminder_sent_log WHERE key = $1)`, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("reminder marker lookup: %w", err)
	}
	return exists, nil
}

// GetArchiveWatermark returns the last successful archive run for a
// patient. ok is false when the patient has never been archived.
func (s *Store) GetArchiveWatermark(ctx context.Context, patientID string) (time.Time, bool, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_run_at FROM medication_archive_watermarks WHERE patient_id = $1`, patientID,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("get archive watermark: %w", err)
	}
	return t, true, nil
}

// SetArchiveWatermark records a successful per-patient archive run.
func (s *Store) SetArchiveWatermark(ctx context.Context, patientID string, t time.Time) error {
	query := `
		INSERT INTO medication_archive_watermarks (patient_id, last_run_at)
		VALUES ($1, $2)
		ON CONFLICT (patient_id) DO UPDATE SET last_run_at = EXCLUDED.last_run_at
	`
	if _, err := s.pool.Exec(ctx, query, patientID, t); err != nil {
		return fmt.Errorf("set archive watermark: %w", err)
	}
	return nil
}
