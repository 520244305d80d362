package migrations

import (
	"gorm.io/gorm"

	"github.com/danantara/anivault/internal/models"
)

// AllMigrations returns all registered migrations in order.
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
	}
}

// migration001Schema creates all database tables using GORM AutoMigrate.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create all database tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.Mapping{},
				&models.MALMetadata{},
				&models.VideoQueueEntry{},
				&models.VideoStoreEntry{},
			)
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(
				&models.VideoStoreEntry{},
				&models.VideoQueueEntry{},
				&models.MALMetadata{},
				&models.Mapping{},
			)
		},
	}
}
