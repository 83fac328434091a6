package models

import (
	"time"
)

// NotificationEventType is a delivery or engagement fact pushed by the messaging provider
type NotificationEventType string

const (
	EventQueued       NotificationEventType = "send"
	EventDelivered    NotificationEventType = "delivery"
	EventDeferred     NotificationEventType = "delivery_delay"
	EventOpened       NotificationEventType = "open"
	EventClicked      NotificationEventType = "click"
	EventSoftBounce   NotificationEventType = "soft_bounce"
	EventHardBounce   NotificationEventType = "hard_bounce"
	EventBlocked      NotificationEventType = "reject"
	EventError        NotificationEventType = "rendering_failure"
	EventSpam         NotificationEventType = "complaint"
	EventUnsubscribed NotificationEventType = "subscription"
)

// IsKnown reports whether the ingester knows how to fold the event
func (t NotificationEventType) IsKnown() bool {
	switch t {
	case EventQueued, EventDelivered, EventDeferred, EventOpened, EventClicked,
		EventSoftBounce, EventHardBounce, EventBlocked, EventError,
		EventSpam, EventUnsubscribed:
		return true
	default:
		return false
	}
}

// NotificationTarget is the kind of record a sent message relates to
type NotificationTarget string

const (
	TargetSponsorshipRequest NotificationTarget = "sponsorship_request"
	TargetExternalCaseFile   NotificationTarget = "external_case_file"
)

// NotificationEvent is one parsed webhook event. (ProviderMessageID, Type) is its dedupe key.
type NotificationEvent struct {
	ProviderMessageID string                `json:"message_id"`
	Type              NotificationEventType `json:"event"`
	Email             string                `json:"email"`
	OccurredAt        time.Time             `json:"occurred_at"`
	Reason            string                `json:"reason,omitempty"`
}

// Engagement is the accumulated delivery state of one sent message.
// Every timestamp is set at most once.
type Engagement struct {
	ProviderMessageID string              `json:"provider_message_id" db:"provider_message_id"`
	TargetKind        *NotificationTarget `json:"target_kind,omitempty" db:"target_kind"`
	TargetID          *string             `json:"target_id,omitempty" db:"target_id"`
	QueuedAt          *time.Time          `json:"queued_at,omitempty" db:"queued_at"`
	DeliveredAt       *time.Time          `json:"delivered_at,omitempty" db:"delivered_at"`
	DeferredAt        *time.Time          `json:"deferred_at,omitempty" db:"deferred_at"`
	OpenedAt          *time.Time          `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt         *time.Time          `json:"clicked_at,omitempty" db:"clicked_at"`
	BouncedAt         *time.Time          `json:"bounced_at,omitempty" db:"bounced_at"`
	BounceReason      *string             `json:"bounce_reason,omitempty" db:"bounce_reason"`
	ComplainedAt      *time.Time          `json:"complained_at,omitempty" db:"complained_at"`
	UnsubscribedAt    *time.Time          `json:"unsubscribed_at,omitempty" db:"unsubscribed_at"`
}

// WebhookAck is the body returned to the provider. The HTTP status is 200 for every
// payload, processed or not.
type WebhookAck struct {
	Processed bool   `json:"processed"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
