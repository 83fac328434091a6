package db

import (
	"context"
	"fmt"
	"log"
)

// schema is applied in order on every start; every statement is idempotent
var schema = []struct {
	name string
	sql  string
}{
	{"applicants", `
		CREATE TABLE IF NOT EXISTS applicants (
			id          TEXT PRIMARY KEY,
			first_name  TEXT NOT NULL DEFAULT '',
			last_name   TEXT NOT NULL DEFAULT '',
			email       TEXT NOT NULL DEFAULT '',
			phone       TEXT,
			address     TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`},
	{"amo_organizations", `
		CREATE TABLE IF NOT EXISTS amo_organizations (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			email       TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`},
	{"amo_agents", `
		CREATE TABLE IF NOT EXISTS amo_agents (
			user_id          TEXT PRIMARY KEY,
			organization_id  TEXT REFERENCES amo_organizations(id) ON DELETE SET NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`},
	{"parcours", `
		CREATE TABLE IF NOT EXISTS parcours (
			id                        TEXT PRIMARY KEY,
			applicant_id              TEXT NOT NULL REFERENCES applicants(id),
			current_stage             TEXT NOT NULL DEFAULT 'sponsor_selection',
			current_stage_status      TEXT NOT NULL DEFAULT 'todo',
			simulation_data           JSONB NOT NULL DEFAULT '{}'::jsonb,
			simulation_data_override  JSONB,
			override_edited_by        TEXT,
			override_edited_at        TIMESTAMPTZ,
			situation                 TEXT NOT NULL DEFAULT 'prospect',
			archived_at               TIMESTAMPTZ,
			archive_reason            TEXT,
			action_required           BOOLEAN NOT NULL DEFAULT false,
			action_required_reason    TEXT,
			stage_submitted_at        JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at              TIMESTAMPTZ
		)`},
	{"idx_parcours_applicant", `CREATE INDEX IF NOT EXISTS idx_parcours_applicant ON parcours(applicant_id)`},
	{"sponsorship_requests", `
		CREATE TABLE IF NOT EXISTS sponsorship_requests (
			id                    TEXT PRIMARY KEY,
			parcours_id           TEXT NOT NULL REFERENCES parcours(id) ON DELETE CASCADE,
			organization_id       TEXT NOT NULL REFERENCES amo_organizations(id),
			status                TEXT NOT NULL DEFAULT 'pending',
			token_hash            TEXT NOT NULL UNIQUE,
			entry_point           TEXT NOT NULL,
			expires_at            TIMESTAMPTZ NOT NULL,
			consumed_at           TIMESTAMPTZ,
			decided_by            TEXT,
			decision_comment      TEXT,
			requested_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
			applicant_first_name  TEXT NOT NULL DEFAULT '',
			applicant_last_name   TEXT NOT NULL DEFAULT '',
			applicant_email       TEXT NOT NULL DEFAULT '',
			applicant_phone       TEXT,
			applicant_address     TEXT,
			CONSTRAINT sponsorship_consumed_is_final CHECK ((consumed_at IS NULL) = (status = 'pending'))
		)`},
	{"idx_sponsorship_parcours", `CREATE INDEX IF NOT EXISTS idx_sponsorship_parcours ON sponsorship_requests(parcours_id, requested_at DESC)`},
	{"idx_sponsorship_organization", `CREATE INDEX IF NOT EXISTS idx_sponsorship_organization ON sponsorship_requests(organization_id, requested_at DESC)`},
	{"external_case_files", `
		CREATE TABLE IF NOT EXISTS external_case_files (
			id                    TEXT PRIMARY KEY,
			parcours_id           TEXT NOT NULL REFERENCES parcours(id) ON DELETE CASCADE,
			stage                 TEXT NOT NULL,
			external_demarche_id  TEXT NOT NULL,
			external_number       TEXT NOT NULL,
			external_status       TEXT NOT NULL DEFAULT 'draft',
			submitted_at          TIMESTAMPTZ,
			decided_at            TIMESTAMPTZ,
			last_synced_at        TIMESTAMPTZ,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (parcours_id, stage)
		)`},
	{"notification_messages", `
		CREATE TABLE IF NOT EXISTS notification_messages (
			provider_message_id  TEXT PRIMARY KEY,
			target_kind          TEXT,
			target_id            TEXT,
			queued_at            TIMESTAMPTZ,
			delivered_at         TIMESTAMPTZ,
			deferred_at          TIMESTAMPTZ,
			opened_at            TIMESTAMPTZ,
			clicked_at           TIMESTAMPTZ,
			bounced_at           TIMESTAMPTZ,
			bounce_reason        TEXT,
			complained_at        TIMESTAMPTZ,
			unsubscribed_at      TIMESTAMPTZ,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
		)`},
	{"idx_notification_target", `CREATE INDEX IF NOT EXISTS idx_notification_target ON notification_messages(target_kind, target_id)`},
	{"notification_events", `
		CREATE TABLE IF NOT EXISTS notification_events (
			provider_message_id  TEXT NOT NULL,
			event_type           TEXT NOT NULL,
			email                TEXT,
			occurred_at          TIMESTAMPTZ NOT NULL,
			reason               TEXT,
			received_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (provider_message_id, event_type)
		)`},
}

// InitSchema creates the tables this service owns when they do not exist yet
func (db *Database) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.Pool.Exec(ctx, stmt.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}
	log.Println("[PARCOURS-DB] Database schema verified successfully")
	return nil
}
