// models/migrate.go
package models

import (
	"fmt"

	"gorm.io/gorm"
)

// activeEmailIndex keeps one in-flight application per email. Works on postgres and sqlite.
const activeEmailIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_applications_active_email
ON applications (email) WHERE status IN ('pending', 'under_review') AND deleted_at IS NULL`

// AutoMigrate creates or updates every table the service owns.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Application{},
		&Partner{},
		&ReferralAgreement{},
		&AuditLogEntry{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	if err := db.Exec(activeEmailIndex).Error; err != nil {
		return fmt.Errorf("create active email index: %w", err)
	}
	return nil
}
