package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/parcours"
)

const parcoursColumns = `
	id, applicant_id, current_stage, current_stage_status,
	simulation_data::text, simulation_data_override::text, override_edited_by, override_edited_at,
	situation, archived_at, archive_reason, action_required, action_required_reason,
	stage_submitted_at::text, created_at, updated_at, completed_at`

func scanParcours(row pgx.Row) (*models.Parcours, error) {
	var p models.Parcours
	var data string
	var override, submitted *string
	err := row.Scan(
		&p.ID, &p.ApplicantID, &p.CurrentStage, &p.CurrentStageStatus,
		&data, &override, &p.OverrideEditedBy, &p.OverrideEditedAt,
		&p.Situation, &p.ArchivedAt, &p.ArchiveReason, &p.ActionRequired, &p.ActionRequiredReason,
		&submitted, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	p.SimulationData = json.RawMessage(data)
	if override != nil {
		p.SimulationDataOverride = json.RawMessage(*override)
	}
	p.StageSubmittedAt = map[models.Stage]time.Time{}
	if submitted != nil && *submitted != "" {
		if err := json.Unmarshal([]byte(*submitted), &p.StageSubmittedAt); err != nil {
			return nil, fmt.Errorf("decode stage_submitted_at: %w", err)
		}
	}
	return &p, nil
}

// GetParcours returns a parcours by id
func (db *Database) GetParcours(ctx context.Context, id string) (*models.Parcours, error) {
	p, err := scanParcours(db.Pool.QueryRow(ctx, `SELECT `+parcoursColumns+` FROM parcours WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get parcours: %w", err)
	}
	return p, nil
}

// TransitionStage applies t only if the row still holds t.From/t.FromStatus
func (db *Database) TransitionStage(ctx context.Context, id string, t parcours.StageTransition, at time.Time) (bool, error) {
	var situation *string
	if t.Situation != nil {
		s := string(*t.Situation)
		situation = &s
	}
	query := `
		UPDATE parcours SET
			current_stage = $4,
			current_stage_status = $5,
			action_required = $6,
			action_required_reason = $7,
			stage_submitted_at = CASE WHEN $8::timestamptz IS NULL THEN stage_submitted_at
				ELSE jsonb_set(stage_submitted_at, ARRAY[$4::text], to_jsonb($8::timestamptz)) END,
			completed_at = COALESCE($9::timestamptz, completed_at),
			situation = CASE WHEN $10::text IS NULL OR situation = 'archived' THEN situation ELSE $10::text END,
			updated_at = $11
		WHERE id = $1 AND current_stage = $2 AND current_stage_status = $3
	`
	tag, err := db.Pool.Exec(ctx, query,
		id, string(t.From), string(t.FromStatus),
		string(t.To), string(t.ToStatus),
		t.ActionRequired, t.ActionRequiredReason,
		t.SubmittedAt, t.CompletedAt, situation, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition parcours: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetSituation sets the archive overlay; stage columns are not touched
func (db *Database) SetSituation(ctx context.Context, id string, situation models.Situation, archivedAt *time.Time, reason *string, at time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE parcours SET situation = $2, archived_at = $3, archive_reason = $4, updated_at = $5
		WHERE id = $1
	`, id, string(situation), archivedAt, reason, at)
	if err != nil {
		return fmt.Errorf("failed to update situation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetSimulationOverride stores the agent-edited copy; simulation_data is never written here
func (db *Database) SetSimulationOverride(ctx context.Context, id string, data json.RawMessage, editorID string, at time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE parcours SET simulation_data_override = $2::jsonb, override_edited_by = $3, override_edited_at = $4, updated_at = $4
		WHERE id = $1
	`, id, string(data), editorID, at)
	if err != nil {
		return fmt.Errorf("failed to save simulation override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
