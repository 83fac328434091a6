package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the core components. Callers use errors.Is against
// the sentinels; typed errors carry detail and unwrap to their sentinel.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotEditable       = errors.New("not editable")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenAlreadyUsed  = errors.New("token already used")
	ErrValidation        = errors.New("validation error")
	ErrExternalService   = errors.New("external service error")
	ErrMalformedPayload  = errors.New("malformed payload")
)

// DenialReason explains why AccessGuard refused an action
type DenialReason string

const (
	DenialNotAnAgent                DenialReason = "not_an_agent"
	DenialOrganizationNotConfigured DenialReason = "organization_not_configured"
	DenialNotOwner                  DenialReason = "not_owner"
	DenialActionNotPermitted        DenialReason = "action_not_permitted"
)

// DeniedError is returned when an authorization check fails
type DeniedError struct {
	Reason DenialReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrUnauthorized }

// ValidationError reports an invalid input field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError reports a refused progression change
type TransitionError struct {
	From   Stage
	Status StageStatus
	To     Stage
	Detail string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s (%s) to %s: %s", e.From, e.Status, e.To, e.Detail)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ExternalServiceError wraps a failure to talk to the case-management platform.
// It is transient: the caller may retry later.
type ExternalServiceError struct {
	Op  string
	Err error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service error: %s: %v", e.Op, e.Err)
}

// Is lets errors.Is match both the sentinel and the wrapped cause
func (e *ExternalServiceError) Is(target error) bool { return target == ErrExternalService }

func (e *ExternalServiceError) Unwrap() error { return e.Err }
