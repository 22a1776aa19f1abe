// services/partner_provisioner.go
package services

import (
	"context"
	"errors"
	"fmt"

	"partner-onboarding/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PartnerProvisioner turns an approved application into a partner record.
// Create is idempotent per application so provisioning can be retried.
type PartnerProvisioner interface {
	Create(ctx context.Context, app *models.Application) (*models.Partner, error)
}

type GormPartnerProvisioner struct {
	DB *gorm.DB
}

func NewGormPartnerProvisioner(db *gorm.DB) *GormPartnerProvisioner {
	return &GormPartnerProvisioner{DB: db}
}

func (p *GormPartnerProvisioner) Create(ctx context.Context, app *models.Application) (*models.Partner, error) {
	if app.Status != models.ApplicationStatusApproved {
		return nil, fmt.Errorf("application %s is %s, not approved", app.ID, app.Status)
	}

	if existing, err := p.byApplication(ctx, app.ID); err != nil || existing != nil {
		return existing, err
	}

	partner := models.NewPartnerFromApplication(uuid.NewString(), app)
	res := p.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "application_id"}}, DoNothing: true}).
		Create(partner)
	if res.Error != nil {
		return nil, fmt.Errorf("create partner for application %s: %w", app.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		// A concurrent repair created it first.
		existing, err := p.byApplication(ctx, app.ID)
		if err == nil && existing == nil {
			err = fmt.Errorf("partner for application %s vanished after conflict", app.ID)
		}
		return existing, err
	}
	return partner, nil
}

func (p *GormPartnerProvisioner) byApplication(ctx context.Context, applicationID string) (*models.Partner, error) {
	var partner models.Partner
	err := p.DB.WithContext(ctx).Where("application_id = ?", applicationID).First(&partner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &partner, nil
}
