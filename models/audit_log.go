// models/audit_log.go
package models

import "time"

type AuditAction string

const (
	AuditActionSubmitted             AuditAction = "submitted"
	AuditActionVerificationEmailSent AuditAction = "verification_email_sent"
	AuditActionEmailVerified         AuditAction = "email_verified"
	AuditActionApproved              AuditAction = "approved"
	AuditActionRejected              AuditAction = "rejected"
	AuditActionVerificationResent    AuditAction = "verification_resent"
	AuditActionVerificationExpired   AuditAction = "verification_expired"
)

// AuditLogEntry records one application transition. Rows are inserted once and never updated.
// A nil PerformedBy means the system acted on its own.
type AuditLogEntry struct {
	ID            string      `gorm:"primaryKey;type:uuid" json:"id"`
	ApplicationID string      `gorm:"type:uuid;index;not null" json:"application_id"`
	PartnerID     *string     `gorm:"type:uuid" json:"partner_id,omitempty"`
	ActionType    AuditAction `gorm:"type:varchar(32);not null;index" json:"action_type"`
	PerformedBy   *string     `json:"performed_by,omitempty"`
	Note          string      `gorm:"type:text" json:"note,omitempty"`
	CreatedAt     time.Time   `gorm:"not null;index" json:"created_at"`
}

func (AuditLogEntry) TableName() string { return "audit_log_entries" }
