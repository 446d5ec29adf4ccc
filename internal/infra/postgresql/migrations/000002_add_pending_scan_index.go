package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addPendingScanIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_add_pending_scan_index",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_notification_records_pending ON notification_records (created_at) WHERE state = 'PENDING'`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_notification_records_pending`).Error
		},
	}
}
