package models

import (
	"encoding/json"
	"time"
)

// Stage is one of the fixed, ordered steps of a parcours
type Stage string

const (
	StageSponsorSelection Stage = "sponsor_selection"
	StageEligibilityCheck Stage = "eligibility_check"
	StageDiagnosis        Stage = "diagnosis"
	StageQuotes           Stage = "quotes"
	StageInvoices         Stage = "invoices"
)

// stageOrder is the only place the progression order is defined
var stageOrder = []Stage{
	StageSponsorSelection,
	StageEligibilityCheck,
	StageDiagnosis,
	StageQuotes,
	StageInvoices,
}

// Stages returns the stages in progression order
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Index returns the position of the stage in the progression, or -1 if unknown
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// IsValid checks if the stage is one of the known stages
func (s Stage) IsValid() bool {
	return s.Index() >= 0
}

// Next returns the stage immediately following s. ok is false for the last stage.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[i+1], true
}

// IsLast reports whether s is the final stage of the parcours
func (s Stage) IsLast() bool {
	return s.Index() == len(stageOrder)-1
}

// StageStatus is the progress of the current stage
type StageStatus string

const (
	StageStatusTodo        StageStatus = "todo"
	StageStatusUnderReview StageStatus = "under_review"
	StageStatusValidated   StageStatus = "validated"
)

// IsValid checks if the stage status is valid
func (s StageStatus) IsValid() bool {
	switch s {
	case StageStatusTodo, StageStatusUnderReview, StageStatusValidated:
		return true
	default:
		return false
	}
}

// Situation is the overlay describing where the applicant stands in the programme
type Situation string

const (
	SituationProspect Situation = "prospect"
	SituationEligible Situation = "eligible"
	SituationArchived Situation = "archived"
)

// Parcours is an applicant's progression through the aid programme.
// SimulationData is the applicant's original submission and is never rewritten
// once created; agent edits live in SimulationDataOverride.
type Parcours struct {
	ID                     string              `json:"id" db:"id"`
	ApplicantID            string              `json:"applicant_id" db:"applicant_id"`
	CurrentStage           Stage               `json:"current_stage" db:"current_stage"`
	CurrentStageStatus     StageStatus         `json:"current_stage_status" db:"current_stage_status"`
	SimulationData         json.RawMessage     `json:"simulation_data" db:"simulation_data"`
	SimulationDataOverride json.RawMessage     `json:"simulation_data_override,omitempty" db:"simulation_data_override"`
	OverrideEditedBy       *string             `json:"override_edited_by,omitempty" db:"override_edited_by"`
	OverrideEditedAt       *time.Time          `json:"override_edited_at,omitempty" db:"override_edited_at"`
	Situation              Situation           `json:"situation" db:"situation"`
	ArchivedAt             *time.Time          `json:"archived_at,omitempty" db:"archived_at"`
	ArchiveReason          *string             `json:"archive_reason,omitempty" db:"archive_reason"`
	ActionRequired         bool                `json:"action_required" db:"action_required"`
	ActionRequiredReason   *string             `json:"action_required_reason,omitempty" db:"action_required_reason"`
	StageSubmittedAt       map[Stage]time.Time `json:"stage_submitted_at" db:"stage_submitted_at"`
	CreatedAt              time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at" db:"updated_at"`
	CompletedAt            *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
}

// IsArchived reports whether the archive overlay is active
func (p *Parcours) IsArchived() bool {
	return p.Situation == SituationArchived
}

// EffectiveSimulationData returns the data every reader should see
func (p *Parcours) EffectiveSimulationData() json.RawMessage {
	return EffectiveData(p.SimulationData, p.SimulationDataOverride)
}

// EffectiveData resolves agent-edited data against the original submission.
// A non-empty override always wins, even if it is semantically equal to the original.
func EffectiveData(original, override json.RawMessage) json.RawMessage {
	if len(override) > 0 && string(override) != "null" {
		return override
	}
	return original
}

// ExternalOutcome is the local reading of a case-file status forwarded by the synchronizer
type ExternalOutcome string

const (
	OutcomeInProgress ExternalOutcome = "in_progress"
	OutcomeAccepted   ExternalOutcome = "accepted"
	OutcomeRejected   ExternalOutcome = "rejected"
	OutcomeWithdrawn  ExternalOutcome = "withdrawn"
)

// ParcoursView is the read model returned to the web layer
type ParcoursView struct {
	Parcours
	EffectiveData json.RawMessage    `json:"effective_simulation_data"`
	CaseFiles     []ExternalCaseFile `json:"case_files,omitempty"`
}
