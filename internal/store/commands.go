package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/carecircle/medsync/internal/domain/medication"
)

// AppendCommand validates and persists a new command, returning its id.
func (s *Store) AppendCommand(ctx context.Context, cmd *medication.Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.Status == "" {
		cmd.Status = medication.StatusActive
	}
	now := s.clock.Now()
	cmd.CreatedAt = now
	cmd.UpdatedAt = now

	medJSON, err := json.Marshal(cmd.Medication)
	if err != nil {
		return "", fmt.Errorf("marshal medication descriptor: %w", err)
	}
	remJSON, err := json.Marshal(cmd.Reminders)
	if err != nil {
		return "", fmt.Errorf("marshal reminder settings: %w", err)
	}

	query := `
		INSERT INTO medication_commands
		(id, patient_id, command_type, medication, reminders, grace_minutes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.pool.Exec(ctx, query,
		cmd.ID, cmd.PatientID, cmd.Type, medJSON, remJSON,
		cmd.GracePeriod.DefaultMinutes, cmd.Status, cmd.CreatedAt, cmd.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("append command: %w", err)
	}
	return cmd.ID, nil
}

// GetCommand retrieves a command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (*medication.Command, error) {
	query := `
		SELECT id, patient_id, command_type, medication, reminders, grace_minutes, status, created_at, updated_at
		FROM medication_commands
		WHERE id = $1
	`
	cmd := &medication.Command{}
	var medJSON, remJSON []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&cmd.ID, &cmd.PatientID, &cmd.Type, &medJSON, &remJSON,
		&cmd.GracePeriod.DefaultMinutes, &cmd.Status, &cmd.CreatedAt, &cmd.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("get command: %w", err)
	}
	if err := json.Unmarshal(medJSON, &cmd.Medication); err != nil {
		return nil, fmt.Errorf("unmarshal medication descriptor: %w", err)
	}
	if err := json.Unmarshal(remJSON, &cmd.Reminders); err != nil {
		return nil, fmt.Errorf("unmarshal reminder settings: %w", err)
	}
	return cmd, nil
}

// UpdateCommandStatus transitions a command's status. Status is the only
// mutable field after a command is written.
func (s *Store) UpdateCommandStatus(ctx context.Context, id string, status medication.CommandStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE medication_commands SET status = $1, updated_at = $2 WHERE id = $3`,
		status, s.clock.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCommandNotFound
	}
	return nil
}

// DeleteCommandRecord removes the primary command row. The cascade
// propagator is responsible for everything derived from it.
func (s *Store) DeleteCommandRecord(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM medication_commands WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCommandNotFound
	}
	return nil
}

// ListCommandIDs returns the set of currently-valid command ids. Used by
// the orphan cleanup tool to detect mirror rows with no living source.
func (s *Store) ListCommandIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM medication_commands`)
	if err != nil {
		return nil, fmt.Errorf("list command ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// ListActiveCommandIDs returns the ids of every active command. The
// horizon refresh job re-materializes this set each tick.
func (s *Store) ListActiveCommandIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM medication_commands WHERE status = $1 ORDER BY created_at ASC`,
		medication.StatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("list active commands: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListActivePatientIDs returns patients that currently own at least one
// non-deleted command. The daily archiver scopes its per-patient pass to
// this set.
func (s *Store) ListActivePatientIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT patient_id FROM medication_commands WHERE status != $1`,
		medication.StatusDeleted,
	)
	if err != nil {
		return nil, fmt.Errorf("list active patients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
