package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/carecircle/medsync/internal/domain/medication"
)

// UpsertDailySummary writes the summary for (patient, local date).
// Upsert, not append: re-computation over an unchanged archived event
// set converges to the same row.
func (s *Store) UpsertDailySummary(ctx context.Context, sum *medication.DailySummary) error {
	query := `
		INSERT INTO medication_daily_summaries
		(patient_id, date, scheduled_count, taken_count, missed_count, skipped_count, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (patient_id, date) DO UPDATE SET
			scheduled_count = EXCLUDED.scheduled_count,
			taken_count     = EXCLUDED.taken_count,
			missed_count    = EXCLUDED.missed_count,
			skipped_count   = EXCLUDED.skipped_count,
			computed_at     = EXCLUDED.computed_at
	`
	_, err := s.pool.Exec(ctx, query,
		sum.PatientID, sum.Date,
		sum.ScheduledCount, sum.TakenCount, sum.MissedCount, sum.SkippedCount,
		sum.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert daily summary: %w", err)
	}
	return nil
}

// GetDailySummaries reads summaries for a patient over a date range
// (inclusive, local calendar dates).
func (s *Store) GetDailySummaries(ctx context.Context, patientID, startDate, endDate string) ([]*medication.DailySummary, error) {
	query := `
		SELECT patient_id, date, scheduled_count, taken_count, missed_count, skipped_count, computed_at
		FROM medication_daily_summaries
		WHERE patient_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date ASC
	`
	rows, err := s.pool.Query(ctx, query, patientID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("get daily summaries: %w", err)
	}
	defer rows.Close()

	var out []*medication.DailySummary
	for rows.Next() {
		sum := &medication.DailySummary{}
		if err := rows.Scan(
			&sum.PatientID, &sum.Date,
			&sum.ScheduledCount, &sum.TakenCount, &sum.MissedCount, &sum.SkippedCount,
			&sum.ComputedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetPatientProfile reads the patient's timezone and notification
// preferences. Owned externally; read-only here.
func (s *Store) GetPatientProfile(ctx context.Context, patientID string) (*medication.PatientProfile, error) {
	p := &medication.PatientProfile{}
	err := s.pool.QueryRow(ctx,
		`SELECT patient_id, timezone, preferred_methods FROM patient_profiles WHERE patient_id = $1`,
		patientID,
	).Scan(&p.PatientID, &p.Timezone, &p.PreferredMethods)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("get patient profile: %w", err)
	}
	return p, nil
}

// ListActiveGrants returns the family access grants that may receive
// notifications for a patient.
func (s *Store) ListActiveGrants(ctx context.Context, patientID string) ([]*medication.FamilyAccessGrant, error) {
	query := `
		SELECT patient_id, family_member_id, can_receive_notifications, can_manage_medications, status, preferred_methods
		FROM family_access_grants
		WHERE patient_id = $1 AND status = $2
	`
	rows, err := s.pool.Query(ctx, query, patientID, medication.GrantStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var out []*medication.FamilyAccessGrant
	for rows.Next() {
		g := &medication.FamilyAccessGrant{}
		if err := rows.Scan(
			&g.PatientID, &g.FamilyMemberID,
			&g.Permissions.CanReceiveNotifications, &g.Permissions.CanManageMedications,
			&g.Status, &g.PreferredMethods,
		); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
