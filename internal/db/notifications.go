package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

const engagementColumns = `
	m.provider_message_id, m.target_kind, m.target_id,
	m.queued_at, m.delivered_at, m.deferred_at, m.opened_at, m.clicked_at,
	m.bounced_at, m.bounce_reason, m.complained_at, m.unsubscribed_at`

func engagementDest(e *models.Engagement, msgID **string) []any {
	return []any{
		msgID, &e.TargetKind, &e.TargetID,
		&e.QueuedAt, &e.DeliveredAt, &e.DeferredAt, &e.OpenedAt, &e.ClickedAt,
		&e.BouncedAt, &e.BounceReason, &e.ComplainedAt, &e.UnsubscribedAt,
	}
}

// RegisterMessage links a sent message to the record it is about. Events may have
// arrived first, in which case only the missing target is filled in.
func (db *Database) RegisterMessage(ctx context.Context, providerMessageID string, kind models.NotificationTarget, targetID string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO notification_messages (provider_message_id, target_kind, target_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider_message_id) DO UPDATE SET
			target_kind = COALESCE(notification_messages.target_kind, EXCLUDED.target_kind),
			target_id = COALESCE(notification_messages.target_id, EXCLUDED.target_id),
			updated_at = now()
	`, providerMessageID, string(kind), targetID)
	if err != nil {
		return fmt.Errorf("failed to register message: %w", err)
	}
	return nil
}

// Apply records the dedupe key and merges the event in one transaction. A key that
// already exists leaves everything untouched and returns false.
func (db *Database) Apply(ctx context.Context, ev models.NotificationEvent, merge func(models.Engagement) models.Engagement) (bool, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO notification_events (provider_message_id, event_type, email, occurred_at, reason)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''))
		ON CONFLICT (provider_message_id, event_type) DO NOTHING
	`, ev.ProviderMessageID, string(ev.Type), ev.Email, ev.OccurredAt, ev.Reason)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO notification_messages (provider_message_id) VALUES ($1)
		ON CONFLICT (provider_message_id) DO NOTHING
	`, ev.ProviderMessageID); err != nil {
		return false, fmt.Errorf("failed to create message: %w", err)
	}

	var current models.Engagement
	var msgID *string
	err = tx.QueryRow(ctx, `SELECT `+engagementColumns+` FROM notification_messages m WHERE m.provider_message_id = $1 FOR UPDATE`,
		ev.ProviderMessageID).Scan(engagementDest(&current, &msgID)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, models.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock message: %w", err)
	}
	current.ProviderMessageID = ev.ProviderMessageID

	next := merge(current)
	// COALESCE keeps every column set-once even if merge misbehaves
	if _, err := tx.Exec(ctx, `
		UPDATE notification_messages SET
			queued_at = COALESCE(queued_at, $2),
			delivered_at = COALESCE(delivered_at, $3),
			deferred_at = COALESCE(deferred_at, $4),
			opened_at = COALESCE(opened_at, $5),
			clicked_at = COALESCE(clicked_at, $6),
			bounced_at = COALESCE(bounced_at, $7),
			bounce_reason = COALESCE(bounce_reason, $8),
			complained_at = COALESCE(complained_at, $9),
			unsubscribed_at = COALESCE(unsubscribed_at, $10),
			updated_at = now()
		WHERE provider_message_id = $1
	`, ev.ProviderMessageID, next.QueuedAt, next.DeliveredAt, next.DeferredAt, next.OpenedAt, next.ClickedAt,
		next.BouncedAt, next.BounceReason, next.ComplainedAt, next.UnsubscribedAt); err != nil {
		return false, fmt.Errorf("failed to merge engagement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit event: %w", err)
	}
	return true, nil
}
