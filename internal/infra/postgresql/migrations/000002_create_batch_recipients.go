package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/mailroomhq/mailroom/internal/repository"
)

func createBatchRecipientsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_batch_recipients",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.RecipientModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_recipients_email_lower ON batch_recipients (LOWER(email))`,
				`CREATE INDEX IF NOT EXISTS idx_recipients_batch_status ON batch_recipients (batch_id, status)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RecipientModel{})
		},
	}
}
