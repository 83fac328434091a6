// Package webhooks folds the delivery and engagement events Amazon SES publishes,
// through an SNS HTTPS subscription, into the engagement record of each sent message.
package webhooks

import (
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	json "github.com/goccy/go-json"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/logging"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

// maxPayloadSize bounds a single webhook body
const maxPayloadSize = 64 << 10

// Ack reasons
const (
	ReasonUnauthorized = "unauthorized"
	ReasonMalformed    = "malformed_payload"
	ReasonUnknownEvent = "unknown_event"
	ReasonMissingID    = "missing_message_id"
	ReasonDuplicate    = "duplicate"
	ReasonStorageError = "storage_error"
	ReasonSubscription = "subscription_confirmation"
)

// Store applies an event exactly once
type Store interface {
	// Apply inserts the (message id, event type) key and, only if it was new, merges
	// the event into the message engagement, both in one transaction. It returns
	// false when the key already existed.
	Apply(ctx context.Context, ev models.NotificationEvent, merge func(models.Engagement) models.Engagement) (bool, error)
}

// Archiver keeps raw payloads that could not be processed
type Archiver interface {
	ArchivePayload(ctx context.Context, key string, body []byte) error
}

// Ingester validates and applies webhook payloads
type Ingester struct {
	secret   []byte
	store    Store
	archiver Archiver
	now      func() time.Time
}

// NewIngester creates an ingester. archiver may be nil.
func NewIngester(secret string, store Store, archiver Archiver) *Ingester {
	return &Ingester{secret: []byte(secret), store: store, archiver: archiver, now: time.Now}
}

// snsEnvelope is the body SNS posts to an HTTPS subscription
type snsEnvelope struct {
	events.SNSEntity
	SubscribeURL string `json:"SubscribeURL"`
}

// sesEvent is an SES event-publishing record. Identity notifications carry the
// same objects under notificationType instead of eventType.
type sesEvent struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		Timestamp   string   `json:"timestamp"`
		MessageID   string   `json:"messageId"`
		Destination []string `json:"destination"`
	} `json:"mail"`
	Delivery      *sesStamp `json:"delivery"`
	DeliveryDelay *struct {
		sesStamp
		DelayType         string         `json:"delayType"`
		DelayedRecipients []sesRecipient `json:"delayedRecipients"`
	} `json:"deliveryDelay"`
	Open   *sesStamp `json:"open"`
	Click  *sesStamp `json:"click"`
	Bounce *struct {
		sesStamp
		BounceType        string         `json:"bounceType"`
		BounceSubType     string         `json:"bounceSubType"`
		BouncedRecipients []sesRecipient `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		sesStamp
		ComplainedRecipients []sesRecipient `json:"complainedRecipients"`
	} `json:"complaint"`
	Reject *struct {
		Reason string `json:"reason"`
	} `json:"reject"`
	Failure *struct {
		ErrorMessage string `json:"errorMessage"`
	} `json:"failure"`
	Subscription *sesStamp `json:"subscription"`
}

type sesStamp struct {
	Timestamp string `json:"timestamp"`
}

type sesRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	DiagnosticCode string `json:"diagnosticCode"`
}

// Authorized compares the presented credential with the shared secret in constant time
func (i *Ingester) Authorized(credential string) bool {
	if len(i.secret) == 0 || credential == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(credential), i.secret) == 1
}

// Ingest checks the credential, parses the payload and applies it once. Bad
// credentials, malformed payloads and unknown events are acknowledged as not
// processed; the returned error is only set when storage failed.
func (i *Ingester) Ingest(ctx context.Context, credential string, body []byte) (models.WebhookAck, error) {
	if !i.Authorized(credential) {
		logging.Warn("webhook rejected", map[string]interface{}{"reason": ReasonUnauthorized})
		return models.WebhookAck{Reason: ReasonUnauthorized}, nil
	}

	ev, reason := i.Parse(body)
	if reason != "" {
		logging.Warn("webhook not processed", map[string]interface{}{"reason": reason, "bytes": len(body)})
		i.archive(ctx, reason, body)
		return models.WebhookAck{Reason: reason}, nil
	}

	applied, err := i.store.Apply(ctx, ev, func(e models.Engagement) models.Engagement { return Merge(e, ev) })
	if err != nil {
		return models.WebhookAck{}, fmt.Errorf("apply webhook event: %w", err)
	}
	if !applied {
		return models.WebhookAck{Processed: true, Duplicate: true, Reason: ReasonDuplicate}, nil
	}
	logging.Info("webhook applied", map[string]interface{}{"message_id": ev.ProviderMessageID, "event": ev.Type})
	return models.WebhookAck{Processed: true}, nil
}

// Parse turns a raw body into an event, or a non-empty reason when it cannot be used.
// The body is either an SNS envelope wrapping the SES record, or the SES record itself
// when raw message delivery is enabled on the subscription.
func (i *Ingester) Parse(body []byte) (models.NotificationEvent, string) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || len(body) > maxPayloadSize {
		return models.NotificationEvent{}, ReasonMalformed
	}
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return models.NotificationEvent{}, ReasonMalformed
	}
	switch env.Type {
	case "SubscriptionConfirmation", "UnsubscribeConfirmation":
		logging.Warn("sns subscription message", map[string]interface{}{"type": env.Type, "topic_arn": env.TopicArn, "subscribe_url": env.SubscribeURL})
		return models.NotificationEvent{}, ReasonSubscription
	case "Notification":
		body = []byte(env.Message)
	}

	var rec sesEvent
	if err := json.Unmarshal(body, &rec); err != nil {
		return models.NotificationEvent{}, ReasonMalformed
	}
	ev, ok := classify(rec)
	if !ok {
		return models.NotificationEvent{}, ReasonUnknownEvent
	}
	ev.ProviderMessageID = strings.TrimSpace(rec.Mail.MessageID)
	if ev.ProviderMessageID == "" {
		return models.NotificationEvent{}, ReasonMissingID
	}
	if ev.Email == "" && len(rec.Mail.Destination) > 0 {
		ev.Email = rec.Mail.Destination[0]
	}
	ev.OccurredAt = i.occurredAt(ev.OccurredAt, rec.Mail.Timestamp)
	return ev, ""
}

// classify maps the SES record to an event type and reads the event-specific
// timestamp, recipient and reason. OccurredAt stays zero when the record has none.
func classify(rec sesEvent) (models.NotificationEvent, bool) {
	kind := rec.EventType
	if kind == "" {
		kind = rec.NotificationType
	}
	var ev models.NotificationEvent
	stamp := ""
	switch kind {
	case "Send":
		ev.Type = models.EventQueued
	case "Delivery":
		ev.Type = models.EventDelivered
		if rec.Delivery != nil {
			stamp = rec.Delivery.Timestamp
		}
	case "DeliveryDelay":
		ev.Type = models.EventDeferred
		if d := rec.DeliveryDelay; d != nil {
			stamp = d.Timestamp
			ev.Reason = d.DelayType
			ev.Email = firstAddress(d.DelayedRecipients)
		}
	case "Open":
		ev.Type = models.EventOpened
		if rec.Open != nil {
			stamp = rec.Open.Timestamp
		}
	case "Click":
		ev.Type = models.EventClicked
		if rec.Click != nil {
			stamp = rec.Click.Timestamp
		}
	case "Bounce":
		ev.Type = models.EventSoftBounce
		if b := rec.Bounce; b != nil {
			if b.BounceType == "Permanent" {
				ev.Type = models.EventHardBounce
			}
			stamp = b.Timestamp
			ev.Email = firstAddress(b.BouncedRecipients)
			ev.Reason = bounceReason(b.BounceSubType, b.BouncedRecipients)
		}
	case "Complaint":
		ev.Type = models.EventSpam
		if c := rec.Complaint; c != nil {
			stamp = c.Timestamp
			ev.Email = firstAddress(c.ComplainedRecipients)
		}
	case "Reject":
		ev.Type = models.EventBlocked
		if rec.Reject != nil {
			ev.Reason = rec.Reject.Reason
		}
	case "Rendering Failure":
		ev.Type = models.EventError
		if rec.Failure != nil {
			ev.Reason = rec.Failure.ErrorMessage
		}
	case "Subscription":
		ev.Type = models.EventUnsubscribed
		if rec.Subscription != nil {
			stamp = rec.Subscription.Timestamp
		}
	default:
		return models.NotificationEvent{}, false
	}
	if t, err := time.Parse(time.RFC3339, stamp); err == nil {
		ev.OccurredAt = t
	}
	ev.Reason = strings.TrimSpace(ev.Reason)
	return ev, true
}

func firstAddress(rs []sesRecipient) string {
	if len(rs) == 0 {
		return ""
	}
	return strings.TrimSpace(rs[0].EmailAddress)
}

func bounceReason(subType string, rs []sesRecipient) string {
	if len(rs) > 0 && rs[0].DiagnosticCode != "" {
		return rs[0].DiagnosticCode
	}
	return subType
}

// occurredAt prefers the event timestamp, then the send timestamp of the message,
// then the receive time
func (i *Ingester) occurredAt(event time.Time, mailTimestamp string) time.Time {
	if !event.IsZero() {
		return event.UTC()
	}
	if t, err := time.Parse(time.RFC3339, mailTimestamp); err == nil {
		return t.UTC()
	}
	return i.now().UTC()
}

// Merge applies one event to an engagement. Each event type only ever fills its own
// field, and never overwrites it, so the result does not depend on arrival order.
func Merge(e models.Engagement, ev models.NotificationEvent) models.Engagement {
	at := ev.OccurredAt
	setOnce := func(field **time.Time) {
		if *field == nil {
			t := at
			*field = &t
		}
	}
	switch ev.Type {
	case models.EventQueued:
		setOnce(&e.QueuedAt)
	case models.EventDelivered:
		setOnce(&e.DeliveredAt)
	case models.EventDeferred:
		setOnce(&e.DeferredAt)
	case models.EventOpened:
		setOnce(&e.OpenedAt)
	case models.EventClicked:
		setOnce(&e.ClickedAt)
	case models.EventSoftBounce, models.EventHardBounce, models.EventBlocked, models.EventError:
		setOnce(&e.BouncedAt)
		if e.BounceReason == nil && ev.Reason != "" {
			reason := string(ev.Type) + ": " + ev.Reason
			e.BounceReason = &reason
		}
	case models.EventSpam:
		setOnce(&e.ComplainedAt)
	case models.EventUnsubscribed:
		setOnce(&e.UnsubscribedAt)
	}
	return e
}

func (i *Ingester) archive(ctx context.Context, reason string, body []byte) {
	if i.archiver == nil || len(body) == 0 {
		return
	}
	key := fmt.Sprintf("webhooks/rejected/%s/%s-%d.json", i.now().UTC().Format("2006/01/02"), reason, i.now().UnixNano())
	if len(body) > maxPayloadSize {
		body = body[:maxPayloadSize]
	}
	if err := i.archiver.ArchivePayload(ctx, key, body); err != nil {
		logging.Error("failed to archive webhook payload", err, map[string]interface{}{"key": key})
	}
}
