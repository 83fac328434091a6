package models

import (
	"time"
)

// ExternalStatus is the case-file status as reported by the case-management platform
type ExternalStatus string

const (
	ExternalDraft               ExternalStatus = "draft"
	ExternalSubmitted           ExternalStatus = "submitted"
	ExternalUnderExternalReview ExternalStatus = "under_external_review"
	ExternalAccepted            ExternalStatus = "accepted"
	ExternalRejected            ExternalStatus = "rejected"
	ExternalWithdrawn           ExternalStatus = "withdrawn"
)

// Rank places the status in the lifecycle order. Terminal statuses share the top rank.
func (s ExternalStatus) Rank() int {
	switch s {
	case ExternalDraft:
		return 0
	case ExternalSubmitted:
		return 1
	case ExternalUnderExternalReview:
		return 2
	case ExternalAccepted, ExternalRejected, ExternalWithdrawn:
		return 3
	default:
		return -1
	}
}

// IsValid checks if the status is a known lifecycle status
func (s ExternalStatus) IsValid() bool {
	return s.Rank() >= 0
}

// IsTerminal reports whether the case file has been decided or closed
func (s ExternalStatus) IsTerminal() bool {
	return s.Rank() == 3
}

// Outcome converts the external status into what the parcours tracker cares about
func (s ExternalStatus) Outcome() ExternalOutcome {
	switch s {
	case ExternalAccepted:
		return OutcomeAccepted
	case ExternalRejected:
		return OutcomeRejected
	case ExternalWithdrawn:
		return OutcomeWithdrawn
	default:
		return OutcomeInProgress
	}
}

// ExternalCaseFile mirrors the status of one stage's case file. One row per (parcours, stage).
type ExternalCaseFile struct {
	ID                 string         `json:"id" db:"id"`
	ParcoursID         string         `json:"parcours_id" db:"parcours_id"`
	Stage              Stage          `json:"stage" db:"stage"`
	ExternalDemarcheID string         `json:"external_demarche_id" db:"external_demarche_id"`
	ExternalNumber     string         `json:"external_number" db:"external_number"`
	ExternalStatus     ExternalStatus `json:"external_status" db:"external_status"`
	SubmittedAt        *time.Time     `json:"submitted_at,omitempty" db:"submitted_at"`
	DecidedAt          *time.Time     `json:"decided_at,omitempty" db:"decided_at"`
	LastSyncedAt       *time.Time     `json:"last_synced_at,omitempty" db:"last_synced_at"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
}

// RemoteCaseFile is what the case-management platform reports for a case file
type RemoteCaseFile struct {
	Number      string
	Status      ExternalStatus
	SubmittedAt *time.Time
	DecidedAt   *time.Time
}

// SyncResult describes the outcome of reconciling one stage
type SyncResult struct {
	ParcoursID      string         `json:"parcours_id"`
	Stage           Stage          `json:"stage"`
	Changed         bool           `json:"changed"`
	Previous        ExternalStatus `json:"previous_status"`
	Current         ExternalStatus `json:"current_status"`
	InvalidateViews bool           `json:"invalidate_views"`
	Error           string         `json:"error,omitempty"`
}
