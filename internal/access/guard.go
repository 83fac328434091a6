// Package access decides whether a principal may read or mutate a parcours or
// a sponsorship request. Every rule is expressed once, in the rules table.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

// Action is something a principal wants to do on a resource
type Action string

const (
	ActionRead           Action = "read"
	ActionDecide         Action = "decide"
	ActionAdvance        Action = "advance"
	ActionSubmit         Action = "submit"
	ActionEditSimulation Action = "edit_simulation"
	ActionArchive        Action = "archive"
	ActionIssue          Action = "issue"
	ActionSync           Action = "sync"
)

// ResourceKind is the type of record being accessed
type ResourceKind string

const (
	KindParcours    ResourceKind = "parcours"
	KindSponsorship ResourceKind = "sponsorship"
)

// Resource describes the ownership facts needed to authorize an action.
// OrganizationID is the sponsoring organization; for a parcours it is the organization
// of the sponsorship request through which the parcours is reached (empty if none).
type Resource struct {
	Kind           ResourceKind
	ApplicantID    string
	OrganizationID string
}

// SponsorshipResource builds the resource for a sponsorship request
func SponsorshipResource(r *models.SponsorshipRequest, applicantID string) Resource {
	return Resource{Kind: KindSponsorship, ApplicantID: applicantID, OrganizationID: r.OrganizationID}
}

// ParcoursResource builds the resource for a parcours, reached through the
// sponsoring organization when organizationID is not empty
func ParcoursResource(p *models.Parcours, organizationID string) Resource {
	return Resource{Kind: KindParcours, ApplicantID: p.ApplicantID, OrganizationID: organizationID}
}

// Decision is the result of an authorization check
type Decision struct {
	Allowed bool
	Reason  models.DenialReason
}

// Err converts a denial into a *models.DeniedError, nil when allowed
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &models.DeniedError{Reason: d.Reason}
}

var allow = Decision{Allowed: true}

func deny(r models.DenialReason) Decision { return Decision{Reason: r} }

// AffiliationStore returns the organization an agent currently belongs to.
// It returns "" with a nil error when the user has no affiliation.
type AffiliationStore interface {
	OrganizationOf(ctx context.Context, userID string) (string, error)
}

type rule func(ctx context.Context, g *Guard, p models.Principal, r Resource) (Decision, error)

type ruleKey struct {
	kind   ResourceKind
	action Action
}

// rules is the single predicate table. A missing entry denies.
var rules = map[ruleKey]rule{
	{KindSponsorship, ActionRead}:   agentOfOrganization,
	{KindSponsorship, ActionDecide}: agentOfOrganization,
	{KindSponsorship, ActionIssue}:  applicantOwner,

	{KindParcours, ActionRead}:           anyOf(applicantOwner, agentOfOrganization),
	{KindParcours, ActionAdvance}:        applicantOwner,
	{KindParcours, ActionSubmit}:         applicantOwner,
	{KindParcours, ActionEditSimulation}: agentOfOrganization,
	{KindParcours, ActionArchive}:        agentOfOrganization,
	{KindParcours, ActionSync}:           anyOf(applicantOwner, agentOfOrganization),
}

// Guard evaluates the rules table
type Guard struct {
	affiliations AffiliationStore
}

// NewGuard creates a guard backed by the given affiliation store
func NewGuard(affiliations AffiliationStore) *Guard {
	return &Guard{affiliations: affiliations}
}

// Authorize decides whether the principal may perform action on resource.
// The returned error is only set for storage failures, never for a denial.
func (g *Guard) Authorize(ctx context.Context, p models.Principal, r Resource, action Action) (Decision, error) {
	if p.IsAdmin() {
		return allow, nil
	}
	fn, ok := rules[ruleKey{r.Kind, action}]
	if !ok {
		return deny(models.DenialActionNotPermitted), nil
	}
	return fn(ctx, g, p, r)
}

// Require is Authorize folded into a single error: nil when allowed,
// *models.DeniedError when denied, or the storage error.
func (g *Guard) Require(ctx context.Context, p models.Principal, r Resource, action Action) error {
	d, err := g.Authorize(ctx, p, r, action)
	if err != nil {
		return err
	}
	return d.Err()
}

func agentOfOrganization(ctx context.Context, g *Guard, p models.Principal, r Resource) (Decision, error) {
	if p.Role != models.RoleAmoAgent {
		return deny(models.DenialNotAnAgent), nil
	}
	orgID, err := g.affiliations.OrganizationOf(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return deny(models.DenialOrganizationNotConfigured), nil
		}
		return Decision{}, fmt.Errorf("resolve affiliation: %w", err)
	}
	if orgID == "" {
		return deny(models.DenialOrganizationNotConfigured), nil
	}
	if r.OrganizationID == "" || orgID != r.OrganizationID {
		return deny(models.DenialNotOwner), nil
	}
	return allow, nil
}

func applicantOwner(_ context.Context, _ *Guard, p models.Principal, r Resource) (Decision, error) {
	if p.Role != models.RoleApplicant {
		return deny(models.DenialActionNotPermitted), nil
	}
	if p.UserID == "" || p.UserID != r.ApplicantID {
		return deny(models.DenialNotOwner), nil
	}
	return allow, nil
}

// anyOf allows when one of the rules allows. When all deny, the reported reason
// comes from the rule that matched the principal's role, so an applicant who does
// not own the parcours gets NotOwner rather than NotAnAgent.
func anyOf(rs ...rule) rule {
	return func(ctx context.Context, g *Guard, p models.Principal, r Resource) (Decision, error) {
		var first, specific Decision
		for _, fn := range rs {
			d, err := fn(ctx, g, p, r)
			if err != nil {
				return Decision{}, err
			}
			if d.Allowed {
				return d, nil
			}
			if first.Reason == "" {
				first = d
			}
			if specific.Reason == "" && !isRoleMismatch(d.Reason) {
				specific = d
			}
		}
		if specific.Reason != "" {
			return specific, nil
		}
		return first, nil
	}
}

func isRoleMismatch(r models.DenialReason) bool {
	return r == models.DenialNotAnAgent || r == models.DenialActionNotPermitted
}
