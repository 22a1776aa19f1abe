// services/application_store.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"partner-onboarding/models"

	"gorm.io/gorm"
)

// ApplicationPatch is the set of columns a conditional write changes. Nil fields are left alone.
type ApplicationPatch struct {
	Status          *models.ApplicationStatus
	EmailVerified   *bool
	Token           *string
	TokenIssuedAt   *time.Time
	ClearToken      bool
	ReviewedBy      *string
	ReviewedAt      *time.Time
	RejectionReason *string
}

// Columns returns the patch as a gorm update map.
func (p ApplicationPatch) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	if p.EmailVerified != nil {
		cols["email_verified"] = *p.EmailVerified
	}
	if p.ClearToken {
		cols["verification_token"] = nil
		cols["token_issued_at"] = nil
	} else {
		if p.Token != nil {
			cols["verification_token"] = *p.Token
		}
		if p.TokenIssuedAt != nil {
			cols["token_issued_at"] = *p.TokenIssuedAt
		}
	}
	if p.ReviewedBy != nil {
		cols["reviewed_by"] = *p.ReviewedBy
	}
	if p.ReviewedAt != nil {
		cols["reviewed_at"] = *p.ReviewedAt
	}
	if p.RejectionReason != nil {
		cols["rejection_reason"] = *p.RejectionReason
	}
	return cols
}

// ApplyTo mirrors a committed patch onto an in-memory copy.
func (p ApplicationPatch) ApplyTo(app *models.Application) {
	if p.Status != nil {
		app.Status = *p.Status
	}
	if p.EmailVerified != nil {
		app.EmailVerified = *p.EmailVerified
	}
	if p.ClearToken {
		app.VerificationToken = nil
		app.TokenIssuedAt = nil
	} else {
		if p.Token != nil {
			token := *p.Token
			app.VerificationToken = &token
		}
		if p.TokenIssuedAt != nil {
			issuedAt := *p.TokenIssuedAt
			app.TokenIssuedAt = &issuedAt
		}
	}
	if p.ReviewedBy != nil {
		reviewer := *p.ReviewedBy
		app.ReviewedBy = &reviewer
	}
	if p.ReviewedAt != nil {
		reviewedAt := *p.ReviewedAt
		app.ReviewedAt = &reviewedAt
	}
	if p.RejectionReason != nil {
		reason := *p.RejectionReason
		app.RejectionReason = &reason
	}
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type ApplicationFilter struct {
	Status models.ApplicationStatus
	Page   int
	Size   int
}

// ApplicationStore is the authoritative record of applications. The two conditional
// methods are single atomic writes and report whether they matched a row.
type ApplicationStore interface {
	Insert(ctx context.Context, app *models.Application) (string, error)
	Get(ctx context.Context, id string) (*models.Application, error)
	// FindByToken only matches applications whose email is not yet verified.
	FindByToken(ctx context.Context, token string) (*models.Application, error)
	FindPendingByEmail(ctx context.Context, email string) (*models.Application, error)
	// FindActiveByEmail matches pending or under-review applications.
	FindActiveByEmail(ctx context.Context, email string) (*models.Application, error)
	// ConditionalUpdate applies patch only if the row is still in expected status
	// (and, past Pending, still email-verified).
	ConditionalUpdate(ctx context.Context, id string, expected models.ApplicationStatus, patch ApplicationPatch) (bool, error)
	// ConditionalClearToken applies patch and clears the token only if token is still
	// current and the email is not verified.
	ConditionalClearToken(ctx context.Context, token string, patch ApplicationPatch) (bool, error)
	List(ctx context.Context, filter ApplicationFilter) ([]models.Application, int64, error)
	// ListUnprovisioned returns applications approved no later than reviewedBefore
	// that are still missing a partner or its agreement.
	ListUnprovisioned(ctx context.Context, reviewedBefore time.Time, limit int) ([]models.Application, error)
}

// ErrDuplicateActiveApplication is returned by Insert when the email already has an in-flight application.
var ErrDuplicateActiveApplication = errors.New("an application for this email is already in progress")

type GormApplicationStore struct {
	DB *gorm.DB
}

func NewGormApplicationStore(db *gorm.DB) *GormApplicationStore {
	return &GormApplicationStore{DB: db}
}

func (s *GormApplicationStore) Insert(ctx context.Context, app *models.Application) (string, error) {
	if err := s.DB.WithContext(ctx).Create(app).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", ErrDuplicateActiveApplication
		}
		return "", err
	}
	return app.ID, nil
}

func (s *GormApplicationStore) Get(ctx context.Context, id string) (*models.Application, error) {
	var app models.Application
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrApplicationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *GormApplicationStore) FindByToken(ctx context.Context, token string) (*models.Application, error) {
	return s.first(ctx, "verification_token = ? AND email_verified = ?", token, false)
}

func (s *GormApplicationStore) FindPendingByEmail(ctx context.Context, email string) (*models.Application, error) {
	return s.first(ctx, "email = ? AND status = ? AND email_verified = ?",
		email, models.ApplicationStatusPending, false)
}

func (s *GormApplicationStore) FindActiveByEmail(ctx context.Context, email string) (*models.Application, error) {
	return s.first(ctx, "email = ? AND status IN ?", email,
		[]models.ApplicationStatus{models.ApplicationStatusPending, models.ApplicationStatusUnderReview})
}

// first returns nil, nil when nothing matches.
func (s *GormApplicationStore) first(ctx context.Context, query string, args ...interface{}) (*models.Application, error) {
	var app models.Application
	err := s.DB.WithContext(ctx).Where(query, args...).Order("created_at DESC").First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *GormApplicationStore) ConditionalUpdate(ctx context.Context, id string, expected models.ApplicationStatus, patch ApplicationPatch) (bool, error) {
	q := s.DB.WithContext(ctx).Model(&models.Application{}).
		Where("id = ? AND status = ?", id, expected)
	if expected.RequiresVerifiedEmail() {
		q = q.Where("email_verified = ?", true)
	}
	res := q.Updates(patch.Columns())
	if res.Error != nil {
		return false, fmt.Errorf("conditional update of application %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormApplicationStore) ConditionalClearToken(ctx context.Context, token string, patch ApplicationPatch) (bool, error) {
	patch.ClearToken = true
	res := s.DB.WithContext(ctx).Model(&models.Application{}).
		Where("verification_token = ? AND email_verified = ?", token, false).
		Updates(patch.Columns())
	if res.Error != nil {
		return false, fmt.Errorf("conditional token clear: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormApplicationStore) List(ctx context.Context, filter ApplicationFilter) ([]models.Application, int64, error) {
	page, size := normalizePage(filter.Page, filter.Size)

	q := s.DB.WithContext(ctx).Model(&models.Application{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var apps []models.Application
	if err := q.Order("created_at DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&apps).Error; err != nil {
		return nil, 0, err
	}
	return apps, total, nil
}

func (s *GormApplicationStore) ListUnprovisioned(ctx context.Context, reviewedBefore time.Time, limit int) ([]models.Application, error) {
	if limit <= 0 {
		limit = 50
	}
	var apps []models.Application
	err := s.DB.WithContext(ctx).
		Select("applications.*").
		Joins("LEFT JOIN partners ON partners.application_id = applications.id AND partners.deleted_at IS NULL").
		Where("applications.status = ?", models.ApplicationStatusApproved).
		Where("applications.reviewed_at IS NULL OR applications.reviewed_at <= ?", reviewedBefore).
		Where("partners.id IS NULL OR partners.referral_agreement_id IS NULL").
		Order("applications.reviewed_at ASC").
		Limit(limit).
		Find(&apps).Error
	return apps, err
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}
	return page, size
}
