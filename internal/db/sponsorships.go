package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/amo"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

const requestColumns = `
	r.id, r.parcours_id, r.organization_id, r.status, r.token_hash, r.entry_point,
	r.expires_at, r.consumed_at, r.decided_by, r.decision_comment, r.requested_at,
	r.applicant_first_name, r.applicant_last_name, r.applicant_email, r.applicant_phone, r.applicant_address`

func requestDest(r *models.SponsorshipRequest) []any {
	return []any{
		&r.ID, &r.ParcoursID, &r.OrganizationID, &r.Status, &r.TokenHash, &r.EntryPoint,
		&r.ExpiresAt, &r.ConsumedAt, &r.DecidedBy, &r.DecisionComment, &r.RequestedAt,
		&r.Applicant.FirstName, &r.Applicant.LastName, &r.Applicant.Email, &r.Applicant.Phone, &r.Applicant.Address,
	}
}

func scanRequest(row pgx.Row) (*models.SponsorshipRequest, error) {
	var r models.SponsorshipRequest
	if err := row.Scan(requestDest(&r)...); err != nil {
		return nil, err
	}
	return &r, nil
}

// ApplicantForParcours returns the owner of a parcours and their contact snapshot
func (db *Database) ApplicantForParcours(ctx context.Context, parcoursID string) (string, models.ApplicantSnapshot, error) {
	var id string
	var s models.ApplicantSnapshot
	err := db.Pool.QueryRow(ctx, `
		SELECT a.id, a.first_name, a.last_name, a.email, a.phone, a.address
		FROM parcours p JOIN applicants a ON a.id = p.applicant_id
		WHERE p.id = $1
	`, parcoursID).Scan(&id, &s.FirstName, &s.LastName, &s.Email, &s.Phone, &s.Address)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", s, models.ErrNotFound
	}
	if err != nil {
		return "", s, fmt.Errorf("failed to get applicant: %w", err)
	}
	return id, s, nil
}

// Organization returns an AMO organization by id
func (db *Database) Organization(ctx context.Context, id string) (*models.AmoOrganization, error) {
	var o models.AmoOrganization
	err := db.Pool.QueryRow(ctx, `SELECT id, name, email FROM amo_organizations WHERE id = $1`, id).Scan(&o.ID, &o.Name, &o.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &o, nil
}

// LatestForParcours returns the most recent sponsorship request of a parcours
func (db *Database) LatestForParcours(ctx context.Context, parcoursID string) (*models.SponsorshipRequest, error) {
	r, err := scanRequest(db.Pool.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM sponsorship_requests r
		WHERE r.parcours_id = $1
		ORDER BY r.requested_at DESC
		LIMIT 1
	`, parcoursID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sponsorship request: %w", err)
	}
	return r, nil
}

// HasEverBeenEligible reports whether any request of the parcours was accepted
func (db *Database) HasEverBeenEligible(ctx context.Context, parcoursID string) (bool, error) {
	var ok bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM sponsorship_requests WHERE parcours_id = $1 AND status = $2)
	`, parcoursID, string(models.SponsorshipApplicantEligible)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to read sponsorship history: %w", err)
	}
	return ok, nil
}

// CreateRequest stores a new pending request. Only the token hash is persisted.
func (db *Database) CreateRequest(ctx context.Context, r *models.SponsorshipRequest) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO sponsorship_requests (
			id, parcours_id, organization_id, status, token_hash, entry_point, expires_at, requested_at,
			applicant_first_name, applicant_last_name, applicant_email, applicant_phone, applicant_address
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, r.ID, r.ParcoursID, r.OrganizationID, string(r.Status), r.TokenHash, string(r.EntryPoint), r.ExpiresAt, r.RequestedAt,
		r.Applicant.FirstName, r.Applicant.LastName, r.Applicant.Email, r.Applicant.Phone, r.Applicant.Address)
	if err != nil {
		return fmt.Errorf("failed to create sponsorship request: %w", err)
	}
	return nil
}

// FindByTokenHash looks a request up by token hash
func (db *Database) FindByTokenHash(ctx context.Context, hash string) (*models.SponsorshipRequest, error) {
	r, err := scanRequest(db.Pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM sponsorship_requests r WHERE r.token_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sponsorship request: %w", err)
	}
	return r, nil
}

// ConsumeToken checks and consumes the token in a single statement, so two
// concurrent decisions cannot both match. It returns nil when nothing matched.
func (db *Database) ConsumeToken(ctx context.Context, hash string, c amo.Consumption) (*models.SponsorshipRequest, error) {
	r, err := scanRequest(db.Pool.QueryRow(ctx, `
		UPDATE sponsorship_requests r SET
			status = $2, consumed_at = $3, decided_by = $4, decision_comment = $5
		WHERE r.token_hash = $1 AND r.consumed_at IS NULL AND r.status = 'pending' AND r.expires_at > $3
		RETURNING `+requestColumns,
		hash, string(c.Status), c.At, c.DecidedBy, c.Comment))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}
	return r, nil
}

// ListForOrganization returns the requests addressed to an organization, newest
// first, with the engagement of the decision link email when there is one
func (db *Database) ListForOrganization(ctx context.Context, organizationID string) ([]models.SponsorshipRequest, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+requestColumns+`, `+engagementColumns+`
		FROM sponsorship_requests r
		LEFT JOIN LATERAL (
			SELECT * FROM notification_messages nm
			WHERE nm.target_kind = $2 AND nm.target_id = r.id
			ORDER BY nm.created_at DESC
			LIMIT 1
		) m ON true
		WHERE r.organization_id = $1
		ORDER BY r.requested_at DESC
		LIMIT 500
	`, organizationID, string(models.TargetSponsorshipRequest))
	if err != nil {
		return nil, fmt.Errorf("failed to list sponsorship requests: %w", err)
	}
	defer rows.Close()

	var out []models.SponsorshipRequest
	for rows.Next() {
		var r models.SponsorshipRequest
		var e models.Engagement
		var msgID *string
		dest := append(requestDest(&r), engagementDest(&e, &msgID)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan sponsorship request: %w", err)
		}
		if msgID != nil {
			e.ProviderMessageID = *msgID
			r.Engagement = &e
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
