package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/push-relay/internal/repository"
	"gorm.io/gorm"
)

func createNotificationRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_notification_records",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.NotificationRecordModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_notification_records_created_at ON notification_records (created_at, id)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NotificationRecordModel{})
		},
	}
}
