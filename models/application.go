// models/application.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ApplicationStatus is the review state of a partner application.
type ApplicationStatus string

const (
	ApplicationStatusPending     ApplicationStatus = "pending"
	ApplicationStatusUnderReview ApplicationStatus = "under_review"
	ApplicationStatusApproved    ApplicationStatus = "approved"
	ApplicationStatusRejected    ApplicationStatus = "rejected"
)

// applicationTransitions lists every legal status change. Anything not listed is refused.
var applicationTransitions = map[ApplicationStatus][]ApplicationStatus{
	ApplicationStatusPending:     {ApplicationStatusUnderReview},
	ApplicationStatusUnderReview: {ApplicationStatusApproved, ApplicationStatusRejected},
}

func (s ApplicationStatus) Valid() bool {
	switch s {
	case ApplicationStatusPending, ApplicationStatusUnderReview, ApplicationStatusApproved, ApplicationStatusRejected:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s ApplicationStatus) CanTransitionTo(next ApplicationStatus) bool {
	for _, allowed := range applicationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal is true for Approved and Rejected.
func (s ApplicationStatus) IsTerminal() bool {
	return s.Valid() && len(applicationTransitions[s]) == 0
}

// RequiresVerifiedEmail is true for every status past Pending.
func (s ApplicationStatus) RequiresVerifiedEmail() bool {
	return s != ApplicationStatusPending
}

// Application is one applicant submission to become a referral partner.
// Email is stored lowercased; at most one pending/under_review row may hold a given email.
type Application struct {
	ID string `gorm:"primaryKey;type:uuid" json:"id"`

	// 👤 Profile
	Name                string `gorm:"not null" json:"name"`
	Email               string `gorm:"not null;index" json:"email"`
	Phone               string `gorm:"not null" json:"phone"`
	Company             string `gorm:"not null" json:"company"`
	LicenseNumber       string `gorm:"not null" json:"license_number"`
	LicenseJurisdiction string `gorm:"not null" json:"license_jurisdiction"`
	YearsExperience     int    `gorm:"not null;default:0" json:"years_experience"`
	Bio                 string `gorm:"type:text" json:"bio"`

	// 🗺️ Territory
	Territories datatypes.JSONSlice[string] `gorm:"not null" json:"territories"`
	Specialties datatypes.JSONSlice[string] `gorm:"not null" json:"specialties"`

	// 📝 Agreement terms
	ReferralFeePercent decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"referral_fee_percent"`
	AgreedToTerms      bool            `gorm:"not null" json:"agreed_to_terms"`
	TermsAgreedAt      time.Time       `gorm:"not null" json:"terms_agreed_at"`
	TermsVersion       string          `gorm:"not null" json:"terms_version"`
	Signature          string          `gorm:"not null" json:"signature"`

	// ✉️ Verification. TokenIssuedAt is set iff VerificationToken is set.
	EmailVerified     bool       `gorm:"not null;default:false" json:"email_verified"`
	VerificationToken *string    `gorm:"index" json:"-"`
	TokenIssuedAt     *time.Time `json:"-"`

	// 🔎 Review
	Status          ApplicationStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	ReviewedBy      *string           `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time        `json:"reviewed_at,omitempty"`
	RejectionReason *string           `gorm:"type:text" json:"rejection_reason,omitempty"`

	Timestamps
}
