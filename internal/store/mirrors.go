package store

import (
	"context"
	"fmt"
	"time"
)

// MirrorRow is a legacy read-model projection of one unified event.
// Derived and disposable: it must never outlive its source event.
type MirrorRow struct {
	ID                string    `json:"id"`
	SourceEventID     string    `json:"source_event_id"`
	CommandID         string    `json:"command_id"`
	PatientID         string    `json:"patient_id"`
	MedicationName    string    `json:"medication_name"`
	Status            string    `json:"status"`
	ScheduledFor      time.Time `json:"scheduled_for"`
	SyncedFromUnified bool      `json:"synced_from_unified_system"`
	SyncedAt          time.Time `json:"synced_at"`
}

// UpsertMirrorRow writes one legacy row keyed by the source event id, so
// repeated projections converge rather than duplicate.
func (s *Store) UpsertMirrorRow(ctx context.Context, collection string, row *MirrorRow) error {
	if !validTable(collection) {
		return fmt.Errorf("%w: %s", ErrUnknownTable, collection)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s
		(id, source_event_id, command_id, patient_id, medication_name, status, scheduled_for, synced_from_unified, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source_event_id) DO UPDATE SET
			status    = EXCLUDED.status,
			synced_at = EXCLUDED.synced_at
	`, collection)
	_, err := s.pool.Exec(ctx, query,
		row.ID, row.SourceEventID, row.CommandID, row.PatientID,
		row.MedicationName, row.Status, row.ScheduledFor,
		row.SyncedFromUnified, row.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert mirror row %s: %w", collection, err)
	}
	return nil
}

// DeleteBatchByCommand removes up to limit rows referencing a command
// from one collection, returning the number deleted. Cascade deletion
// calls this in a loop per collection until it returns zero.
func (s *Store) DeleteBatchByCommand(ctx context.Context, collection, commandID string, limit int) (int64, error) {
	if !validTable(collection) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, collection)
	}
	if limit <= 0 || limit > MaxBatchSize {
		limit = MaxBatchSize
	}
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE id IN (SELECT id FROM %s WHERE command_id = $1 LIMIT $2)
	`, collection, collection)
	tag, err := s.pool.Exec(ctx, query, commandID, limit)
	if err != nil {
		return 0, fmt.Errorf("delete batch from %s: %w", collection, err)
	}
	return tag.RowsAffected(), nil
}

// CountByCommand counts rows still referencing a command in one
// collection. Cascade verification reads this after deleting.
func (s *Store) CountByCommand(ctx context.Context, collection, commandID string) (int64, error) {
	if !validTable(collection) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, collection)
	}
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE command_id = $1`, collection)
	if err := s.pool.QueryRow(ctx, query, commandID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// CommandRef is a (row id, referenced command id) pair from a mirror scan.
type CommandRef struct {
	RowID     string
	CommandID string
}

// ScanCommandRefs pages through a mirror collection's command
// references. afterID is the exclusive cursor; pass "" to start.
func (s *Store) ScanCommandRefs(ctx context.Context, collection, afterID string, limit int) ([]CommandRef, error) {
	if !validTable(collection) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, collection)
	}
	if limit <= 0 || limit > MaxBatchSize {
		limit = MaxBatchSize
	}
	query := fmt.Sprintf(`
		SELECT id, command_id FROM %s
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, collection)
	rows, err := s.pool.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	defer rows.Close()

	var out []CommandRef
	for rows.Next() {
		var ref CommandRef
		if err := rows.Scan(&ref.RowID, &ref.CommandID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// FetchRowsByIDs reads full mirror rows for a backup snapshot.
func (s *Store) FetchRowsByIDs(ctx context.Context, collection string, ids []string) ([]*MirrorRow, error) {
	if !validTable(collection) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, collection)
	}
	query := fmt.Sprintf(`
		SELECT id, source_event_id, command_id, patient_id, medication_name, status, scheduled_for, synced_from_unified, synced_at
		FROM %s WHERE id = ANY($1)
	`, collection)
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch rows %s: %w", collection, err)
	}
	defer rows.Close()

	var out []*MirrorRow
	for rows.Next() {
		r := &MirrorRow{}
		if err := rows.Scan(
			&r.ID, &r.SourceEventID, &r.CommandID, &r.PatientID,
			&r.MedicationName, &r.Status, &r.ScheduledFor,
			&r.SyncedFromUnified, &r.SyncedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteByIDs removes specific rows from one collection in bounded
// groups. Used by the orphan cleanup tool after backup.
func (s *Store) DeleteByIDs(ctx context.Context, collection string, ids []string) (int64, error) {
	if !validTable(collection) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, collection)
	}
	var total int64
	for start := 0; start < len(ids); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, collection)
		tag, err := s.pool.Exec(ctx, query, ids[start:end])
		if err != nil {
			return total, fmt.Errorf("delete from %s: %w", collection, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
