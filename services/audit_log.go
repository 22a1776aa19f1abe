// services/audit_log.go
package services

import (
	"context"

	"partner-onboarding/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AuditLog is append-only. Append never fails the caller; failures are reported to operators.
type AuditLog interface {
	Append(ctx context.Context, entry models.AuditLogEntry)
}

type AuditTrailReader interface {
	AuditTrail(ctx context.Context, applicationID string) ([]models.AuditLogEntry, error)
}

type GormAuditLog struct {
	DB     *gorm.DB
	Clock  clockwork.Clock
	Logger *zap.Logger
}

func NewGormAuditLog(db *gorm.DB, clock clockwork.Clock, logger *zap.Logger) *GormAuditLog {
	return &GormAuditLog{DB: db, Clock: clock, Logger: logger}
}

func (a *GormAuditLog) Append(ctx context.Context, entry models.AuditLogEntry) {
	if entry.ID == "" {
		// v7 ids increase within the process, ordering entries that share a timestamp.
		entry.ID = uuid.Must(uuid.NewV7()).String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.Clock.Now().UTC()
	}
	// Detached from request cancellation so a dropped client still leaves a trail.
	if err := a.DB.WithContext(context.WithoutCancel(ctx)).Create(&entry).Error; err != nil {
		a.Logger.Error("🚨 audit log append failed",
			zap.String("application_id", entry.ApplicationID),
			zap.String("action", string(entry.ActionType)),
			zap.Error(err),
		)
	}
}

func (a *GormAuditLog) AuditTrail(ctx context.Context, applicationID string) ([]models.AuditLogEntry, error) {
	var entries []models.AuditLogEntry
	err := a.DB.WithContext(ctx).
		Where("application_id = ?", applicationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}
