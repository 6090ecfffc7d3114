package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notify-router/internal/repository"
	"gorm.io/gorm"
)

func createProviderHealthTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_provider_health",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(
				&repository.HealthCheckModel{},
				&repository.IncidentModel{},
				&repository.ProviderStateModel{},
			); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_health_checks_provider_checked ON provider_health_checks (provider_key, checked_at DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_incidents_provider_status ON provider_health_incidents (provider_key, status)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(
				&repository.ProviderStateModel{},
				&repository.IncidentModel{},
				&repository.HealthCheckModel{},
			)
		},
	}
}
