package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func indexProcessingNotifications() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_index_processing_notifications",
		Migrate: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_notifications_processing_updated ON notifications (updated_at) WHERE status = 'PROCESSING'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_notifications_processing_updated`).Error
		},
	}
}
