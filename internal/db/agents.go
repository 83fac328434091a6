package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

// OrganizationOf returns the organization an AMO agent currently belongs to.
// It is read on every authorization check and never cached.
func (db *Database) OrganizationOf(ctx context.Context, userID string) (string, error) {
	var orgID *string
	err := db.Pool.QueryRow(ctx, `SELECT organization_id FROM amo_agents WHERE user_id = $1`, userID).Scan(&orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get agent affiliation: %w", err)
	}
	if orgID == nil {
		return "", nil
	}
	return *orgID, nil
}

// SetAffiliation attaches an agent to an organization, or detaches it when organizationID is empty
func (db *Database) SetAffiliation(ctx context.Context, userID, organizationID string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO amo_agents (user_id, organization_id) VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (user_id) DO UPDATE SET organization_id = EXCLUDED.organization_id
	`, userID, organizationID)
	if err != nil {
		return fmt.Errorf("failed to set affiliation: %w", err)
	}
	return nil
}
