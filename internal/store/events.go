package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/domain/medication"
)

// AppendEvent persists one event and, in the same transaction, writes an
// outbox entry so the legacy mirror projection sees it exactly once.
func (s *Store) AppendEvent(ctx context.Context, ev *medication.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := s.writeOutboxEntry(ctx, tx, ev); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, tx pgx.Tx, ev *medication.Event) error {
	if ev.Timing.EventTimestamp.IsZero() {
		ev.Timing.EventTimestamp = s.clock.Now()
	}
	ctxJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return fmt.Errorf("marshal event context: %w", err)
	}

	query := `
		INSERT INTO medication_events
		(id, command_id, patient_id, event_type, scheduled_for, event_timestamp, grace_period_end, context, archived, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = tx.Exec(ctx, query,
		ev.ID, ev.CommandID, ev.PatientID, ev.Type,
		ev.Timing.ScheduledFor, ev.Timing.EventTimestamp, ev.Timing.GracePeriodEnd,
		ctxJSON, ev.Archived, ev.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// MaterializeScheduledEvents derives one dose_scheduled event per future
// occurrence of the command and appends them in bounded batches,
// returning the created event ids. Idempotent: occurrences that already
// have a scheduled event are skipped, so the horizon refresh job can
// re-run this as the window rolls forward without duplicating doses.
func (s *Store) MaterializeScheduledEvents(ctx context.Context, commandID string) ([]string, error) {
	cmd, err := s.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.Status != medication.StatusActive {
		return nil, nil
	}

	loc := s.defaultLoc
	if profile, err := s.GetPatientProfile(ctx, cmd.PatientID); err == nil && profile.Timezone != "" {
		if l, err := time.LoadLocation(profile.Timezone); err == nil {
			loc = l
		}
	}

	now := s.clock.Now()
	times, err := medication.Occurrences(cmd, loc, now, s.horizon)
	if err != nil {
		return nil, fmt.Errorf("derive occurrences: %w", err)
	}

	existing, err := s.scheduledTimes(ctx, commandID, now)
	if err != nil {
		return nil, err
	}
	times = pendingOccurrences(times, existing)

	var ids []string
	for start := 0; start < len(times); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(times) {
			end = len(times)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return ids, fmt.Errorf("begin tx: %w", err)
		}
		for _, t := range times[start:end] {
			ev := medication.NewScheduledEvent(cmd, t, now)
			if err := s.insertEvent(ctx, tx, ev); err != nil {
				tx.Rollback(ctx)
				return ids, err
			}
			if err := s.writeOutboxEntry(ctx, tx, ev); err != nil {
				tx.Rollback(ctx)
				return ids, err
			}
			ids = append(ids, ev.ID)
		}
		if err := tx.Commit(ctx); err != nil {
			return ids, fmt.Errorf("commit: %w", err)
		}
	}

	s.logger.Info("scheduled events materialized",
		zap.String("command_id", commandID),
		zap.Int("count", len(ids)))
	return ids, nil
}

// scheduledTimes returns the instants from the given time forward that
// the command already holds a dose_scheduled event for.
func (s *Store) scheduledTimes(ctx context.Context, commandID string, from time.Time) (map[int64]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scheduled_for FROM medication_events
		 WHERE command_id = $1 AND event_type = $2 AND scheduled_for >= $3`,
		commandID, string(medication.EventDoseScheduled), from,
	)
	if err != nil {
		return nil, fmt.Errorf("query scheduled times: %w", err)
	}
	defer rows.Close()

	set := make(map[int64]struct{})
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan scheduled time: %w", err)
		}
		set[t.Unix()] = struct{}{}
	}
	return set, rows.Err()
}

// pendingOccurrences drops instants that are already materialized.
func pendingOccurrences(times []time.Time, existing map[int64]struct{}) []time.Time {
	if len(existing) == 0 {
		return times
	}
	var out []time.Time
	for _, t := range times {
		if _, ok := existing[t.Unix()]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

// QueryEvents runs a bounded range scan over the unified event log.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]*medication.Event, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		conds = append(conds, fmt.Sprintf("event_type = ANY(%s)", arg(types)))
	}
	if f.CommandID != "" {
		conds = append(conds, fmt.Sprintf("command_id = %s", arg(f.CommandID)))
	}
	if f.PatientID != "" {
		conds = append(conds, fmt.Sprintf("patient_id = %s", arg(f.PatientID)))
	}
	if f.ScheduledFrom != nil {
		conds = append(conds, fmt.Sprintf("scheduled_for >= %s", arg(*f.ScheduledFrom)))
	}
	if f.ScheduledTo != nil {
		conds = append(conds, fmt.Sprintf("scheduled_for <= %s", arg(*f.ScheduledTo)))
	}
	if f.GraceEndBefore != nil {
		conds = append(conds, fmt.Sprintf("COALESCE(grace_period_end, scheduled_for + make_interval(mins => %s)) <= %s",
			arg(medication.DefaultGraceMinutes), arg(*f.GraceEndBefore)))
	}
	if f.Before != nil {
		conds = append(conds, fmt.Sprintf("scheduled_for < %s", arg(*f.Before)))
	}
	if f.ExcludeArchived {
		conds = append(conds, "archived = false")
	}

	orderBy := OrderByScheduledFor
	if f.OrderBy == OrderByEventTimestamp {
		orderBy = OrderByEventTimestamp
	}
	limit := f.Limit
	if limit <= 0 || limit > MaxBatchSize {
		limit = MaxBatchSize
	}

	query := `
		SELECT id, command_id, patient_id, event_type, scheduled_for, event_timestamp, grace_period_end, context, archived, archived_at
		FROM medication_events
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s ASC LIMIT %d", orderBy, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*medication.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(rows pgx.Rows) (*medication.Event, error) {
	ev := &medication.Event{}
	var ctxJSON []byte
	err := rows.Scan(
		&ev.ID, &ev.CommandID, &ev.PatientID, &ev.Type,
		&ev.Timing.ScheduledFor, &ev.Timing.EventTimestamp, &ev.Timing.GracePeriodEnd,
		&ctxJSON, &ev.Archived, &ev.ArchivedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &ev.Context); err != nil {
			return nil, fmt.Errorf("unmarshal event context: %w", err)
		}
	}
	return ev, nil
}

// CompletionExists reports whether any terminal event for the command
// falls inside the occurrence window. Callers re-check this immediately
// before acting, not against a snapshot taken earlier in a tick.
func (s *Store) CompletionExists(ctx context.Context, commandID string, windowStart, windowEnd time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM medication_events
			WHERE command_id = $1
			  AND event_type = ANY($2)
			  AND scheduled_for >= $3
			  AND scheduled_for <= $4
		)
	`
	types := make([]string, len(medication.CompletionTypes))
	for i, t := range medication.CompletionTypes {
		types[i] = string(t)
	}

	var exists bool
	err := s.pool.QueryRow(ctx, query, commandID, types, windowStart, windowEnd).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("completion lookup: %w", err)
	}
	return exists, nil
}

// ArchiveEvents flags the given events archived and copies each row into
// the archive collection. Idempotent: re-archiving an archived id is a
// no-op on the copy and a harmless re-flag in place.
func (s *Store) ArchiveEvents(ctx context.Context, ids []string, archivedAt time.Time) error {
	for start := 0; start < len(ids); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}

		copyQuery := `
			INSERT INTO medication_events_archive
			(id, command_id, patient_id, event_type, scheduled_for, event_timestamp, grace_period_end, context, archived, archived_at)
			SELECT id, command_id, patient_id, event_type, scheduled_for, event_timestamp, grace_period_end, context, true, $2
			FROM medication_events
			WHERE id = ANY($1)
			ON CONFLICT (id) DO NOTHING
		`
		if _, err := tx.Exec(ctx, copyQuery, batch, archivedAt); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("copy to archive: %w", err)
		}

		flagQuery := `
			UPDATE medication_events
			SET archived = true, archived_at = $2
			WHERE id = ANY($1) AND archived = false
		`
		if _, err := tx.Exec(ctx, flagQuery, batch, archivedAt); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("flag archived: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	return nil
}
