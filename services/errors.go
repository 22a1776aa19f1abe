// services/errors.go
package services

import (
	"errors"
	"fmt"
	"strings"

	"partner-onboarding/models"
)

var (
	// ErrTokenInvalid covers tokens never issued, already consumed, or belonging to a verified application.
	ErrTokenInvalid = errors.New("verification token is invalid")
	// ErrTokenExpired means the token was older than the validity window; it has been cleared.
	ErrTokenExpired         = errors.New("verification token has expired")
	ErrNoPendingApplication = errors.New("no pending application for this email")
	ErrAlreadyReviewed      = errors.New("application has already been reviewed")
	ErrMissingReason        = errors.New("a rejection reason is required")
	ErrApplicationNotFound  = errors.New("application not found")
	ErrResendThrottled      = errors.New("too many verification emails requested")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violated input field, not just the first.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// InvalidStateTransitionError is returned when an action does not apply to the current status.
type InvalidStateTransitionError struct {
	ApplicationID string
	Status        models.ApplicationStatus
	EmailVerified bool
	Action        string
}

func (e *InvalidStateTransitionError) Error() string {
	if e.Status == models.ApplicationStatusUnderReview && !e.EmailVerified {
		return fmt.Sprintf("cannot %s application %s: email is not verified", e.Action, e.ApplicationID)
	}
	return fmt.Sprintf("cannot %s application %s in status %q", e.Action, e.ApplicationID, e.Status)
}

// ProvisioningFailureError means the application is already approved but the partner or its
// agreement could not be created. Only provisioning must be retried, never the approval.
type ProvisioningFailureError struct {
	ApplicationID string
	PartnerID     string
	Stage         string
	Err           error
}

func (e *ProvisioningFailureError) Error() string {
	if e.PartnerID != "" {
		return fmt.Sprintf("application %s approved but %s provisioning failed for partner %s: %v",
			e.ApplicationID, e.Stage, e.PartnerID, e.Err)
	}
	return fmt.Sprintf("application %s approved but %s provisioning failed: %v", e.ApplicationID, e.Stage, e.Err)
}

func (e *ProvisioningFailureError) Unwrap() error { return e.Err }

// NotificationFailedError reports an email that could not be handed to the transport.
// Workflow state was committed before the send was attempted.
type NotificationFailedError struct {
	Kind string
	Err  error
}

func (e *NotificationFailedError) Error() string {
	return fmt.Sprintf("%s email could not be delivered: %v", e.Kind, e.Err)
}

func (e *NotificationFailedError) Unwrap() error { return e.Err }
