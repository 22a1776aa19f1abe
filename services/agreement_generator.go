// services/agreement_generator.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"partner-onboarding/models"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AgreementGenerator creates the referral agreement of a partner from the application snapshot.
// Create is idempotent per partner.
type AgreementGenerator interface {
	Create(ctx context.Context, partnerID string, app *models.Application) (*models.ReferralAgreement, error)
}

// AgreementArchive stores a rendered copy of an agreement and returns where it lives.
type AgreementArchive interface {
	Store(ctx context.Context, partnerName string, agreement *models.ReferralAgreement) (string, error)
}

type GormAgreementGenerator struct {
	DB      *gorm.DB
	Clock   clockwork.Clock
	Archive AgreementArchive // optional
	Logger  *zap.Logger
}

func NewGormAgreementGenerator(db *gorm.DB, clock clockwork.Clock, archive AgreementArchive, logger *zap.Logger) *GormAgreementGenerator {
	return &GormAgreementGenerator{DB: db, Clock: clock, Archive: archive, Logger: logger}
}

func (g *GormAgreementGenerator) Create(ctx context.Context, partnerID string, app *models.Application) (*models.ReferralAgreement, error) {
	if existing, err := g.byPartner(ctx, partnerID); err != nil || existing != nil {
		return existing, err
	}

	now := g.Clock.Now().UTC()
	agreement := &models.ReferralAgreement{
		ID:                 uuid.NewString(),
		PartnerID:          partnerID,
		ApplicationID:      app.ID,
		ReferralFeePercent: app.ReferralFeePercent,
		Territories:        append(datatypes.JSONSlice[string]{}, app.Territories...),
		AgreementVersion:   app.TermsVersion,
		Signature:          app.Signature,
		SignedAt:           app.TermsAgreedAt,
		Status:             models.AgreementStatusActive,
		EffectiveDate:      time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
	}

	// The agreement row and the partner's link to it commit together; without a partner nothing is written.
	err := g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(agreement).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Partner{}).
			Where("id = ?", partnerID).
			Update("referral_agreement_id", agreement.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("partner %s not found", partnerID)
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent provisioning of the same partner committed first.
		existing, lookupErr := g.byPartner(ctx, partnerID)
		if lookupErr != nil {
			return nil, fmt.Errorf("reload agreement for partner %s: %w", partnerID, lookupErr)
		}
		if existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create agreement for partner %s: %w", partnerID, err)
	}

	g.archive(ctx, app.Name, agreement)
	return agreement, nil
}

// archive uploads the committed agreement and records where it lives. Failures only warn.
func (g *GormAgreementGenerator) archive(ctx context.Context, partnerName string, agreement *models.ReferralAgreement) {
	if g.Archive == nil {
		return
	}
	url, err := g.Archive.Store(ctx, partnerName, agreement)
	if err != nil {
		g.Logger.Warn("⚠️ agreement document archive failed",
			zap.String("agreement_id", agreement.ID), zap.Error(err))
		return
	}
	if err := g.DB.WithContext(ctx).Model(&models.ReferralAgreement{}).
		Where("id = ?", agreement.ID).
		Update("document_url", url).Error; err != nil {
		g.Logger.Warn("⚠️ agreement document url not saved",
			zap.String("agreement_id", agreement.ID), zap.String("url", url), zap.Error(err))
		return
	}
	agreement.DocumentURL = url
}

func (g *GormAgreementGenerator) byPartner(ctx context.Context, partnerID string) (*models.ReferralAgreement, error) {
	var agreement models.ReferralAgreement
	err := g.DB.WithContext(ctx).Where("partner_id = ?", partnerID).First(&agreement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// Heal a link lost between an earlier commit and a crash.
	if err := g.DB.WithContext(ctx).Model(&models.Partner{}).
		Where("id = ? AND referral_agreement_id IS NULL", partnerID).
		Update("referral_agreement_id", agreement.ID).Error; err != nil {
		return nil, err
	}
	return &agreement, nil
}

type objectUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// R2AgreementArchive uploads a plain-text rendering of the agreement to object storage.
type R2AgreementArchive struct {
	Uploader objectUploader
}

func NewR2AgreementArchive(uploader objectUploader) *R2AgreementArchive {
	return &R2AgreementArchive{Uploader: uploader}
}

func (a *R2AgreementArchive) Store(ctx context.Context, partnerName string, agreement *models.ReferralAgreement) (string, error) {
	return a.Uploader.Upload(ctx, AgreementDocumentKey(partnerName, agreement.ID),
		[]byte(RenderAgreementDocument(partnerName, agreement)), "text/plain; charset=utf-8")
}

func AgreementDocumentKey(partnerName, agreementID string) string {
	name := slug.Make(partnerName)
	if name == "" {
		name = "partner"
	}
	return fmt.Sprintf("agreements/%s-%s.txt", name, agreementID)
}

func RenderAgreementDocument(partnerName string, agreement *models.ReferralAgreement) string {
	title := cases.Title(language.English)
	var b strings.Builder
	b.WriteString("REFERRAL PARTNER AGREEMENT\n\n")
	fmt.Fprintf(&b, "Agreement ID:    %s\n", agreement.ID)
	fmt.Fprintf(&b, "Partner:         %s\n", title.String(strings.ToLower(partnerName)))
	fmt.Fprintf(&b, "Partner ID:      %s\n", agreement.PartnerID)
	fmt.Fprintf(&b, "Referral fee:    %s%%\n", agreement.ReferralFeePercent.StringFixed(2))
	fmt.Fprintf(&b, "Territory:       %s\n", strings.Join(agreement.Territories, ", "))
	fmt.Fprintf(&b, "Terms version:   %s\n", agreement.AgreementVersion)
	fmt.Fprintf(&b, "Effective date:  %s\n", agreement.EffectiveDate.Format("2006-01-02"))
	fmt.Fprintf(&b, "Signed at:       %s\n", agreement.SignedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Signature:       %s\n", agreement.Signature)
	return b.String()
}
