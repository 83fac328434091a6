package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/dossiers"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

const caseFileColumns = `
	id, parcours_id, stage, external_demarche_id, external_number, external_status,
	submitted_at, decided_at, last_synced_at, created_at`

func scanCaseFile(row pgx.Row) (*models.ExternalCaseFile, error) {
	var f models.ExternalCaseFile
	err := row.Scan(&f.ID, &f.ParcoursID, &f.Stage, &f.ExternalDemarcheID, &f.ExternalNumber, &f.ExternalStatus,
		&f.SubmittedAt, &f.DecidedAt, &f.LastSyncedAt, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func stageNames() []string {
	stages := models.Stages()
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	return names
}

// GetCaseFile returns the case file of one stage
func (db *Database) GetCaseFile(ctx context.Context, parcoursID string, stage models.Stage) (*models.ExternalCaseFile, error) {
	f, err := scanCaseFile(db.Pool.QueryRow(ctx, `
		SELECT `+caseFileColumns+` FROM external_case_files WHERE parcours_id = $1 AND stage = $2
	`, parcoursID, string(stage)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case file: %w", err)
	}
	return f, nil
}

// ListCaseFiles returns every case file of a parcours in stage order
func (db *Database) ListCaseFiles(ctx context.Context, parcoursID string) ([]models.ExternalCaseFile, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+caseFileColumns+` FROM external_case_files
		WHERE parcours_id = $1
		ORDER BY array_position($2::text[], stage)
	`, parcoursID, stageNames())
	if err != nil {
		return nil, fmt.Errorf("failed to list case files: %w", err)
	}
	defer rows.Close()

	var out []models.ExternalCaseFile
	for rows.Next() {
		f, err := scanCaseFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case file: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// CreateCaseFile inserts the case file unless the stage is already linked, in
// which case the existing row is returned with created=false
func (db *Database) CreateCaseFile(ctx context.Context, cf *models.ExternalCaseFile) (*models.ExternalCaseFile, bool, error) {
	f, err := scanCaseFile(db.Pool.QueryRow(ctx, `
		INSERT INTO external_case_files (id, parcours_id, stage, external_demarche_id, external_number, external_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (parcours_id, stage) DO NOTHING
		RETURNING `+caseFileColumns,
		cf.ID, cf.ParcoursID, string(cf.Stage), cf.ExternalDemarcheID, cf.ExternalNumber, string(cf.ExternalStatus), cf.CreatedAt))
	if err == nil {
		return f, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create case file: %w", err)
	}
	existing, err := db.GetCaseFile(ctx, cf.ParcoursID, cf.Stage)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// CompareAndSwap writes next only if status and decided_at still match expected
func (db *Database) CompareAndSwap(ctx context.Context, id string, expected dossiers.Version, next dossiers.Update) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE external_case_files SET
			external_status = $4, submitted_at = $5, decided_at = $6, last_synced_at = $7
		WHERE id = $1 AND external_status = $2 AND decided_at IS NOT DISTINCT FROM $3::timestamptz
	`, id, string(expected.Status), expected.DecidedAt, string(next.Status), next.SubmittedAt, next.DecidedAt, next.SyncedAt)
	if err != nil {
		return false, fmt.Errorf("failed to update case file: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListActiveParcoursIDs returns non-archived parcours that still have an open case
// file, or whose current stage has a decided case file the stage does not reflect yet
// (accepted before the applicant reached the stage, or a rejection not yet flagged).
func (db *Database) ListActiveParcoursIDs(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT DISTINCT p.id
		FROM parcours p
		JOIN external_case_files f ON f.parcours_id = p.id
		WHERE p.situation <> 'archived'
		AND (
			f.external_status NOT IN ('accepted', 'rejected', 'withdrawn')
			OR (f.stage = p.current_stage AND f.external_status = 'accepted' AND p.current_stage_status <> 'validated')
			OR (f.stage = p.current_stage AND f.external_status IN ('rejected', 'withdrawn') AND NOT p.action_required)
		)
		ORDER BY p.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active parcours: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
