// services/validation.go
package services

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// SubmitApplicationRequest is the applicant's input to Submit.
type SubmitApplicationRequest struct {
	Name                string          `json:"name" validate:"required,max=200"`
	Email               string          `json:"email" validate:"required,email,max=320"`
	Phone               string          `json:"phone" validate:"required,max=40"`
	Company             string          `json:"company" validate:"required,max=200"`
	LicenseNumber       string          `json:"license_number" validate:"required,max=100"`
	LicenseJurisdiction string          `json:"license_jurisdiction" validate:"required,max=100"`
	YearsExperience     int             `json:"years_experience" validate:"gte=0,lte=80"`
	Bio                 string          `json:"bio" validate:"max=4000"`
	Territories         []string        `json:"territories" validate:"required,min=1"`
	Specialties         []string        `json:"specialties" validate:"required,min=1"`
	ReferralFeePercent  decimal.Decimal `json:"referral_fee_percent" validate:"-"`
	AgreedToTerms       bool            `json:"agreed_to_terms"`
	TermsVersion        string          `json:"terms_version" validate:"required,max=40"`
	Signature           string          `json:"signature" validate:"required,max=200"`
}

var (
	maxFeePercent = decimal.NewFromInt(100)
	validate      = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Normalize trims text, lowercases the email and turns territories and specialties into real sets.
func (r SubmitApplicationRequest) Normalize() SubmitApplicationRequest {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = NormalizeEmail(r.Email)
	r.Phone = strings.TrimSpace(r.Phone)
	r.Company = strings.TrimSpace(r.Company)
	r.LicenseNumber = strings.TrimSpace(r.LicenseNumber)
	r.LicenseJurisdiction = strings.TrimSpace(r.LicenseJurisdiction)
	r.Bio = strings.TrimSpace(r.Bio)
	r.TermsVersion = strings.TrimSpace(r.TermsVersion)
	r.Signature = strings.TrimSpace(r.Signature)
	r.Territories = normalizeSet(r.Territories, strings.ToUpper)
	r.Specialties = normalizeSet(r.Specialties, strings.ToLower)
	return r
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeSet(values []string, fold func(string) string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = fold(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Validate reports every violated field of an already normalised request.
func (r SubmitApplicationRequest) Validate() error {
	verr := &ValidationError{}

	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			verr.add(fe.Field(), validationMessage(fe))
		}
	}

	switch {
	case !r.ReferralFeePercent.IsPositive() || r.ReferralFeePercent.GreaterThan(maxFeePercent):
		verr.add("referral_fee_percent", "must be greater than 0 and at most 100")
	case !r.ReferralFeePercent.Equal(r.ReferralFeePercent.Round(2)):
		verr.add("referral_fee_percent", "must have at most two decimal places")
	}
	if !r.AgreedToTerms {
		verr.add("agreed_to_terms", "the partner terms must be accepted")
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		if fe.Kind() == reflect.Slice {
			return "must contain at least one entry"
		}
		return "is required"
	case "min":
		return "must contain at least one entry"
	case "email":
		return "must be a valid email address"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gte":
		return "must be zero or greater"
	case "lte":
		return "must be at most " + fe.Param()
	}
	return "is invalid"
}
