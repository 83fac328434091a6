package models

import (
	"time"
)

// SponsorshipStatus is the state of an AMO sponsorship request
type SponsorshipStatus string

const (
	SponsorshipPending             SponsorshipStatus = "pending"
	SponsorshipApplicantEligible   SponsorshipStatus = "applicant_eligible"
	SponsorshipApplicantIneligible SponsorshipStatus = "applicant_ineligible"
	SponsorshipDeclined            SponsorshipStatus = "sponsorship_declined"
)

// IsValid checks if the status is valid
func (s SponsorshipStatus) IsValid() bool {
	switch s {
	case SponsorshipPending, SponsorshipApplicantEligible, SponsorshipApplicantIneligible, SponsorshipDeclined:
		return true
	default:
		return false
	}
}

// IsFinal reports whether the status can no longer change
func (s SponsorshipStatus) IsFinal() bool {
	return s != SponsorshipPending && s.IsValid()
}

// Decision is what an AMO organization answers to a sponsorship request
type Decision string

const (
	DecisionAccept           Decision = "accept"
	DecisionRejectIneligible Decision = "reject_ineligible"
	DecisionDecline          Decision = "decline_sponsorship"
)

// TargetStatus maps a decision onto the terminal request status it produces
func (d Decision) TargetStatus() (SponsorshipStatus, bool) {
	switch d {
	case DecisionAccept:
		return SponsorshipApplicantEligible, true
	case DecisionRejectIneligible:
		return SponsorshipApplicantIneligible, true
	case DecisionDecline:
		return SponsorshipDeclined, true
	default:
		return "", false
	}
}

// RequiresComment reports whether the decision must carry a justification
func (d Decision) RequiresComment() bool {
	return d == DecisionRejectIneligible || d == DecisionDecline
}

// EntryPoint is how the AMO reaches the decision page. Each entry point
// has its own token lifetime.
type EntryPoint string

const (
	EntryPointInApp EntryPoint = "in_app"
	EntryPointEmail EntryPoint = "email"
)

// IsValid checks if the entry point is valid
func (e EntryPoint) IsValid() bool {
	return e == EntryPointInApp || e == EntryPointEmail
}

// ApplicantSnapshot is the applicant identity captured when the request is issued
type ApplicantSnapshot struct {
	FirstName string  `json:"first_name" db:"applicant_first_name"`
	LastName  string  `json:"last_name" db:"applicant_last_name"`
	Email     string  `json:"email" db:"applicant_email"`
	Phone     *string `json:"phone,omitempty" db:"applicant_phone"`
	Address   *string `json:"address,omitempty" db:"applicant_address"`
}

// SponsorshipRequest asks an AMO organization to sponsor an applicant.
// The plain token is only known when the request is issued; storage keeps its hash.
type SponsorshipRequest struct {
	ID              string            `json:"id" db:"id"`
	ParcoursID      string            `json:"parcours_id" db:"parcours_id"`
	OrganizationID  string            `json:"organization_id" db:"organization_id"`
	Status          SponsorshipStatus `json:"status" db:"status"`
	Token           string            `json:"-" db:"-"`
	TokenHash       string            `json:"-" db:"token_hash"`
	EntryPoint      EntryPoint        `json:"entry_point" db:"entry_point"`
	ExpiresAt       time.Time         `json:"expires_at" db:"expires_at"`
	ConsumedAt      *time.Time        `json:"consumed_at,omitempty" db:"consumed_at"`
	DecidedBy       *string           `json:"decided_by,omitempty" db:"decided_by"`
	DecisionComment *string           `json:"decision_comment,omitempty" db:"decision_comment"`
	RequestedAt     time.Time         `json:"requested_at" db:"requested_at"`
	Applicant       ApplicantSnapshot `json:"applicant"`
	Engagement      *Engagement       `json:"engagement,omitempty" db:"-"`
}

// IsConsumed reports whether a decision has been recorded
func (r *SponsorshipRequest) IsConsumed() bool {
	return r.ConsumedAt != nil
}

// IsExpired reports whether the token lifetime has passed at the given instant
func (r *SponsorshipRequest) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// TokenState classifies the request for token resolution. A consumed token is
// reported as already used even after its expiry.
func (r *SponsorshipRequest) TokenState(now time.Time) error {
	if r.IsConsumed() {
		return ErrTokenAlreadyUsed
	}
	if r.IsExpired(now) {
		return ErrTokenExpired
	}
	return nil
}

// AmoOrganization is an accredited project-assistance organization
type AmoOrganization struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`
}

// DecisionLinkEmail carries what the AMO organization receives by email
type DecisionLinkEmail struct {
	To               string
	OrganizationName string
	ApplicantName    string
	Link             string
	ExpiresAt        time.Time
}
