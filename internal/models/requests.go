package models

import (
	"encoding/json"
	"time"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// SuccessResponse represents a success response
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// IssueSponsorshipRequest asks an AMO organization to sponsor a parcours
type IssueSponsorshipRequest struct {
	ParcoursID     string     `json:"parcours_id" binding:"required"`
	OrganizationID string     `json:"organization_id" binding:"required"`
	EntryPoint     EntryPoint `json:"entry_point"`
}

// IssueSponsorshipResponse is returned once; it is the only time the plain token is exposed
type IssueSponsorshipResponse struct {
	Request   SponsorshipRequest `json:"request"`
	Token     string             `json:"token,omitempty"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// DecideSponsorshipRequest records an AMO decision
type DecideSponsorshipRequest struct {
	Token    string   `json:"token" binding:"required"`
	Decision Decision `json:"decision" binding:"required"`
	Comment  string   `json:"comment"`
}

// AdvanceStageRequest moves a parcours to the next stage
type AdvanceStageRequest struct {
	TargetStage Stage `json:"target_stage" binding:"required"`
}

// SubmitStageRequest marks the current stage as submitted for review
type SubmitStageRequest struct {
	Stage Stage `json:"stage" binding:"required"`
}

// EditSimulationRequest replaces the agent-edited simulation data
type EditSimulationRequest struct {
	Data json.RawMessage `json:"data" binding:"required"`
}

// ArchiveRequest archives a parcours
type ArchiveRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// LinkCaseFileRequest attaches an external case file to a parcours stage
type LinkCaseFileRequest struct {
	Stage          Stage  `json:"stage" binding:"required"`
	ExternalNumber string `json:"external_number" binding:"required"`
}
