package persistence

import (
	"github.com/dandytbermillo/annotation/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AutoMigrate creates/updates the tables the core owns outright (updates,
// snapshots, compaction_log) and the thin slice of notes/panels/branches
// it needs (id, note_id, deleted_at) without touching any other column
// those tables may already carry. There are no corrective migrations yet,
// so the registered list is empty — the scaffolding stays so a future
// schema change has somewhere to go, per the teacher's pattern.
func AutoMigrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&UpdateRecord{},
		&Snapshot{},
		&CompactionLogEntry{},
		&Note{},
		&Panel{},
		&Branch{},
	); err != nil {
		return err
	}
	return database.ApplyMigrations(db, logger, nil)
}
