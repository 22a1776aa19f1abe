// models/partner.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Partner is the durable account of an approved applicant.
// ApplicationID never changes after creation and is unique: one partner per application.
type Partner struct {
	ID            string `gorm:"primaryKey;type:uuid" json:"id"`
	ApplicationID string `gorm:"type:uuid;uniqueIndex;not null" json:"application_id"`

	Name                string `gorm:"not null" json:"name"`
	Email               string `gorm:"not null;index" json:"email"`
	Phone               string `json:"phone"`
	Company             string `json:"company"`
	LicenseNumber       string `gorm:"not null" json:"license_number"`
	LicenseJurisdiction string `gorm:"not null" json:"license_jurisdiction"`
	YearsExperience     int    `json:"years_experience"`
	Bio                 string `gorm:"type:text" json:"bio"`

	Territories        datatypes.JSONSlice[string] `gorm:"not null" json:"territories"`
	Specialties        datatypes.JSONSlice[string] `gorm:"not null" json:"specialties"`
	ReferralFeePercent decimal.Decimal             `gorm:"type:numeric(5,2);not null" json:"referral_fee_percent"`

	IsActive              bool       `gorm:"not null;default:true" json:"is_active"`
	OnboardingCompletedAt *time.Time `json:"onboarding_completed_at,omitempty"`
	ReferralAgreementID   *string    `gorm:"type:uuid;index" json:"referral_agreement_id,omitempty"`

	Timestamps
}

// NewPartnerFromApplication copies profile, territory and fee from an approved application.
func NewPartnerFromApplication(id string, app *Application) *Partner {
	return &Partner{
		ID:                  id,
		ApplicationID:       app.ID,
		Name:                app.Name,
		Email:               app.Email,
		Phone:               app.Phone,
		Company:             app.Company,
		LicenseNumber:       app.LicenseNumber,
		LicenseJurisdiction: app.LicenseJurisdiction,
		YearsExperience:     app.YearsExperience,
		Bio:                 app.Bio,
		Territories:         append(datatypes.JSONSlice[string]{}, app.Territories...),
		Specialties:         append(datatypes.JSONSlice[string]{}, app.Specialties...),
		ReferralFeePercent:  app.ReferralFeePercent,
		IsActive:            true,
	}
}

type AgreementStatus string

const (
	AgreementStatusActive     AgreementStatus = "active"
	AgreementStatusTerminated AgreementStatus = "terminated"
)

// ReferralAgreement is the signed fee agreement of a partner. Exactly one per partner.
type ReferralAgreement struct {
	ID            string `gorm:"primaryKey;type:uuid" json:"id"`
	PartnerID     string `gorm:"type:uuid;uniqueIndex;not null" json:"partner_id"`
	ApplicationID string `gorm:"type:uuid;index;not null" json:"application_id"`

	ReferralFeePercent decimal.Decimal             `gorm:"type:numeric(5,2);not null" json:"referral_fee_percent"`
	Territories        datatypes.JSONSlice[string] `gorm:"not null" json:"territories"`
	AgreementVersion   string                      `gorm:"not null" json:"agreement_version"`
	Signature          string                      `gorm:"not null" json:"signature"`
	SignedAt           time.Time                   `gorm:"not null" json:"signed_at"`
	Status             AgreementStatus             `gorm:"type:varchar(16);not null;default:'active'" json:"status"`
	EffectiveDate      time.Time                   `gorm:"not null" json:"effective_date"`
	DocumentURL        string                      `json:"document_url,omitempty"`

	Timestamps
}
