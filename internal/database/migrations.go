package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MigrationDefinition is one named, idempotent data migration, applied at
// most once and recorded in db_migrations. Generalized from the teacher's
// single hard-coded migration list into a caller-supplied slice so each
// package that owns a schema can register its own corrective migrations.
type MigrationDefinition struct {
	Name  string
	Apply func(*gorm.DB) error
}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// ApplyMigrations runs every migration in migrations whose name is not yet
// present in db_migrations, in order, recording each as it completes.
func ApplyMigrations(db *gorm.DB, logger *zap.Logger, migrations []MigrationDefinition) error {
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return err
	}
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.Name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.Apply(db); err != nil {
			return err
		}
		if err := db.Create(&migrationRecord{Name: migration.Name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.Name))
		}
	}
	return nil
}
