// Package amo runs the sponsorship workflow: an applicant asks an accredited AMO
// organization to sponsor their parcours, the organization answers once through a
// single-use, time-limited decision token.
package amo

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/access"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/config"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/logging"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

// MinCommentLength is the minimum length of a rejection comment, after trimming
const MinCommentLength = 10

// Consumption is the terminal state written when a token is consumed
type Consumption struct {
	Status    models.SponsorshipStatus
	Comment   *string
	DecidedBy string
	At        time.Time
}

// Store is the sponsorship persistence
type Store interface {
	ApplicantForParcours(ctx context.Context, parcoursID string) (string, models.ApplicantSnapshot, error)
	Organization(ctx context.Context, id string) (*models.AmoOrganization, error)
	LatestForParcours(ctx context.Context, parcoursID string) (*models.SponsorshipRequest, error)
	CreateRequest(ctx context.Context, r *models.SponsorshipRequest) error
	FindByTokenHash(ctx context.Context, hash string) (*models.SponsorshipRequest, error)
	// ConsumeToken writes c only if the token is unconsumed and c.At is before its
	// expiry, in one statement. It returns nil when no row matched.
	ConsumeToken(ctx context.Context, hash string, c Consumption) (*models.SponsorshipRequest, error)
	ListForOrganization(ctx context.Context, organizationID string) ([]models.SponsorshipRequest, error)
}

// SponsorValidator unlocks the parcours once an organization accepted
type SponsorValidator interface {
	MarkSponsorValidated(ctx context.Context, parcoursID string) (bool, error)
}

// Mailer sends the decision link and returns the provider message id
type Mailer interface {
	SendDecisionLink(ctx context.Context, msg models.DecisionLinkEmail) (string, error)
}

// MessageRegistry remembers which record an outbound message is about
type MessageRegistry interface {
	RegisterMessage(ctx context.Context, providerMessageID string, kind models.NotificationTarget, targetID string) error
}

// DecisionNotifier tells the applicant the organization answered
type DecisionNotifier interface {
	NotifyDecision(ctx context.Context, phone string, status models.SponsorshipStatus) error
}

// Coordinator issues and consumes decision tokens
type Coordinator struct {
	store        Store
	guard        *access.Guard
	affiliations access.AffiliationStore
	tracker      SponsorValidator
	cfg          config.Config

	mailer   Mailer
	messages MessageRegistry
	notifier DecisionNotifier

	now func() time.Time
}

// NewCoordinator creates a coordinator. Mailer, registry and notifier are optional.
func NewCoordinator(store Store, guard *access.Guard, affiliations access.AffiliationStore, tracker SponsorValidator, cfg config.Config) *Coordinator {
	return &Coordinator{
		store:        store,
		guard:        guard,
		affiliations: affiliations,
		tracker:      tracker,
		cfg:          cfg,
		now:          time.Now,
	}
}

// WithMailer enables emailed decision links
func (c *Coordinator) WithMailer(m Mailer, registry MessageRegistry) *Coordinator {
	c.mailer = m
	c.messages = registry
	return c
}

// WithNotifier enables the applicant decision notice
func (c *Coordinator) WithNotifier(n DecisionNotifier) *Coordinator {
	c.notifier = n
	return c
}

// HashToken is the only form of the token that is persisted
func HashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecisionLink is the URL of the decision page for a token
func (c *Coordinator) DecisionLink(token string) string {
	return c.cfg.AppBaseURL + "/amo/decision?token=" + url.QueryEscape(token)
}

// IssueToken creates a pending sponsorship request for the parcours. Its lifetime
// depends on the entry point. For the email entry point the link is mailed to the
// organization and the plain token is not returned to the caller.
func (c *Coordinator) IssueToken(ctx context.Context, principal models.Principal, parcoursID, organizationID string, entry models.EntryPoint) (*models.IssueSponsorshipResponse, error) {
	if entry == "" {
		entry = models.EntryPointInApp
	}
	if !entry.IsValid() {
		return nil, &models.ValidationError{Field: "entry_point", Message: "unknown entry point"}
	}
	if strings.TrimSpace(organizationID) == "" {
		return nil, &models.ValidationError{Field: "organization_id", Message: "organization is required"}
	}

	applicantID, snapshot, err := c.store.ApplicantForParcours(ctx, parcoursID)
	if err != nil {
		return nil, err
	}
	res := access.Resource{Kind: access.KindSponsorship, ApplicantID: applicantID, OrganizationID: organizationID}
	if err := c.guard.Require(ctx, principal, res, access.ActionIssue); err != nil {
		return nil, err
	}
	org, err := c.store.Organization(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	latest, err := c.store.LatestForParcours(ctx, parcoursID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("read latest sponsorship request: %w", err)
	}
	if err := checkReissue(latest, organizationID, now); err != nil {
		return nil, err
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	r := &models.SponsorshipRequest{
		ID:             uuid.NewString(),
		ParcoursID:     parcoursID,
		OrganizationID: organizationID,
		Status:         models.SponsorshipPending,
		TokenHash:      HashToken(token),
		EntryPoint:     entry,
		ExpiresAt:      now.Add(c.cfg.TokenTTL(entry)),
		RequestedAt:    now,
		Applicant:      snapshot,
	}
	if err := c.store.CreateRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("create sponsorship request: %w", err)
	}
	logging.Info("sponsorship requested", map[string]interface{}{
		"request_id": r.ID, "parcours_id": parcoursID, "organization_id": organizationID, "entry_point": entry, "expires_at": r.ExpiresAt,
	})

	resp := &models.IssueSponsorshipResponse{Request: *r, ExpiresAt: r.ExpiresAt}
	if entry == models.EntryPointInApp {
		resp.Token = token
		return resp, nil
	}
	if err := c.mailLink(ctx, r, org, token); err != nil {
		return nil, err
	}
	return resp, nil
}

// checkReissue refuses a new request when the parcours is already sponsored or
// another organization still holds a live pending request. The same organization
// may be asked again, for instance after a lost email.
func checkReissue(latest *models.SponsorshipRequest, organizationID string, now time.Time) error {
	if latest == nil {
		return nil
	}
	switch {
	case latest.Status == models.SponsorshipApplicantEligible:
		return fmt.Errorf("%w: parcours is already sponsored", models.ErrInvalidTransition)
	case latest.Status == models.SponsorshipPending && latest.TokenState(now) == nil && latest.OrganizationID != organizationID:
		return fmt.Errorf("%w: a sponsorship request is pending with another organization", models.ErrInvalidTransition)
	}
	return nil
}

func (c *Coordinator) mailLink(ctx context.Context, r *models.SponsorshipRequest, org *models.AmoOrganization, token string) error {
	if c.mailer == nil {
		return &models.ExternalServiceError{Op: "send decision link", Err: errors.New("email is not configured")}
	}
	msgID, err := c.mailer.SendDecisionLink(ctx, models.DecisionLinkEmail{
		To:               org.Email,
		OrganizationName: org.Name,
		ApplicantName:    strings.TrimSpace(r.Applicant.FirstName + " " + r.Applicant.LastName),
		Link:             c.DecisionLink(token),
		ExpiresAt:        r.ExpiresAt,
	})
	if err != nil {
		return &models.ExternalServiceError{Op: "send decision link", Err: err}
	}
	if c.messages != nil && msgID != "" {
		if err := c.messages.RegisterMessage(ctx, msgID, models.TargetSponsorshipRequest, r.ID); err != nil {
			logging.Error("failed to register outbound message", err, map[string]interface{}{"request_id": r.ID, "message_id": msgID})
		}
	}
	return nil
}

// ResolveToken looks a token up without changing anything. A consumed token is
// reported as already used, an expired one as expired, an unknown one as not found.
func (c *Coordinator) ResolveToken(ctx context.Context, token string) (*models.SponsorshipRequest, error) {
	if strings.TrimSpace(token) == "" {
		return nil, models.ErrNotFound
	}
	r, err := c.store.FindByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	if err := r.TokenState(c.now()); err != nil {
		return nil, err
	}
	return r, nil
}

// ResolveFor resolves a token on behalf of an agent of the addressed organization
func (c *Coordinator) ResolveFor(ctx context.Context, principal models.Principal, token string) (*models.SponsorshipRequest, error) {
	r, err := c.ResolveToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := c.guard.Require(ctx, principal, access.SponsorshipResource(r, ""), access.ActionRead); err != nil {
		return nil, err
	}
	return r, nil
}

// ConsumeToken records the decision if the token is still live. Of two concurrent
// calls exactly one succeeds; the other gets ErrTokenAlreadyUsed.
func (c *Coordinator) ConsumeToken(ctx context.Context, token string, decision models.Decision, comment, decidedBy string) (*models.SponsorshipRequest, error) {
	status, ok := decision.TargetStatus()
	if !ok {
		return nil, &models.ValidationError{Field: "decision", Message: "unknown decision"}
	}
	hash := HashToken(token)
	consumption := Consumption{Status: status, DecidedBy: decidedBy, At: c.now()}
	if trimmed := strings.TrimSpace(comment); trimmed != "" {
		consumption.Comment = &trimmed
	}

	r, err := c.store.ConsumeToken(ctx, hash, consumption)
	if err != nil {
		return nil, fmt.Errorf("consume token: %w", err)
	}
	if r == nil {
		return nil, c.classifyMiss(ctx, hash, consumption.At)
	}

	logging.Info("sponsorship decided", map[string]interface{}{
		"request_id": r.ID, "parcours_id": r.ParcoursID, "organization_id": r.OrganizationID, "status": r.Status, "decided_by": decidedBy,
	})
	c.unlockIfAccepted(ctx, r)
	return r, nil
}

// unlockIfAccepted validates the sponsor stage of an accepted request. A failure
// leaves the decision recorded; the tracker completes the unlock on the next read
// of the parcours, and a retried decision on the same token replays it.
func (c *Coordinator) unlockIfAccepted(ctx context.Context, r *models.SponsorshipRequest) {
	if r.Status != models.SponsorshipApplicantEligible {
		return
	}
	if _, err := c.tracker.MarkSponsorValidated(ctx, r.ParcoursID); err != nil {
		logging.Error("failed to unlock parcours after acceptance", err, map[string]interface{}{"request_id": r.ID, "parcours_id": r.ParcoursID})
	}
}

// classifyMiss explains why a conditional consume matched nothing
func (c *Coordinator) classifyMiss(ctx context.Context, hash string, at time.Time) error {
	r, err := c.store.FindByTokenHash(ctx, hash)
	if err != nil {
		return err
	}
	if err := r.TokenState(at); err != nil {
		if errors.Is(err, models.ErrTokenAlreadyUsed) {
			c.unlockIfAccepted(ctx, r)
		}
		return err
	}
	return models.ErrTokenAlreadyUsed
}

// Accept records that the organization sponsors the applicant. The comment is optional.
func (c *Coordinator) Accept(ctx context.Context, principal models.Principal, token, comment string) (*models.SponsorshipRequest, error) {
	return c.Decide(ctx, principal, token, models.DecisionAccept, comment)
}

// RejectIneligible records that the applicant is not eligible
func (c *Coordinator) RejectIneligible(ctx context.Context, principal models.Principal, token, comment string) (*models.SponsorshipRequest, error) {
	return c.Decide(ctx, principal, token, models.DecisionRejectIneligible, comment)
}

// DeclineSponsorship records that the organization will not sponsor the applicant
func (c *Coordinator) DeclineSponsorship(ctx context.Context, principal models.Principal, token, comment string) (*models.SponsorshipRequest, error) {
	return c.Decide(ctx, principal, token, models.DecisionDecline, comment)
}

// Decide validates the comment before touching storage, then resolves the token,
// checks the caller's organization and consumes the token.
func (c *Coordinator) Decide(ctx context.Context, principal models.Principal, token string, decision models.Decision, comment string) (*models.SponsorshipRequest, error) {
	if err := ValidateComment(decision, comment); err != nil {
		return nil, err
	}
	r, err := c.ResolveToken(ctx, token)
	if errors.Is(err, models.ErrTokenAlreadyUsed) {
		if used, findErr := c.store.FindByTokenHash(ctx, HashToken(token)); findErr == nil {
			c.unlockIfAccepted(ctx, used)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := c.guard.Require(ctx, principal, access.SponsorshipResource(r, ""), access.ActionDecide); err != nil {
		logging.Warn("sponsorship decision denied", map[string]interface{}{"request_id": r.ID, "user_id": principal.UserID, "error": err.Error()})
		return nil, err
	}
	decided, err := c.ConsumeToken(ctx, token, decision, comment, principal.UserID)
	if err != nil {
		return decided, err
	}
	c.notifyApplicant(ctx, decided)
	return decided, nil
}

// ValidateComment enforces the comment rule: rejections need a justification
func ValidateComment(decision models.Decision, comment string) error {
	if _, ok := decision.TargetStatus(); !ok {
		return &models.ValidationError{Field: "decision", Message: "unknown decision"}
	}
	if !decision.RequiresComment() {
		return nil
	}
	if utf8.RuneCountInString(strings.TrimSpace(comment)) < MinCommentLength {
		return &models.ValidationError{Field: "comment", Message: fmt.Sprintf("a comment of at least %d characters is required", MinCommentLength)}
	}
	return nil
}

func (c *Coordinator) notifyApplicant(ctx context.Context, r *models.SponsorshipRequest) {
	if c.notifier == nil || r.Applicant.Phone == nil || *r.Applicant.Phone == "" {
		return
	}
	if err := c.notifier.NotifyDecision(ctx, *r.Applicant.Phone, r.Status); err != nil {
		logging.Error("failed to notify applicant", err, map[string]interface{}{"request_id": r.ID})
	}
}

// ListForOrganization returns the requests addressed to an organization. Agents
// see their own organization; admins must name one.
func (c *Coordinator) ListForOrganization(ctx context.Context, principal models.Principal, organizationID string) ([]models.SponsorshipRequest, error) {
	if organizationID == "" && principal.Role == models.RoleAmoAgent {
		org, err := c.affiliations.OrganizationOf(ctx, principal.UserID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("resolve affiliation: %w", err)
		}
		organizationID = org
	}
	if organizationID == "" && principal.IsAdmin() {
		return nil, &models.ValidationError{Field: "organization_id", Message: "organization is required"}
	}
	res := access.Resource{Kind: access.KindSponsorship, OrganizationID: organizationID}
	if err := c.guard.Require(ctx, principal, res, access.ActionRead); err != nil {
		return nil, err
	}
	return c.store.ListForOrganization(ctx, organizationID)
}
