package database

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestOpenPostgresRejectsEmptyDSN(testContext *testing.T) {
	if _, err := OpenPostgres("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected an error for an empty dsn")
	}
}

func TestOpenSQLiteDefaultsToInMemory(testContext *testing.T) {
	db, err := OpenSQLite("", zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	if err := db.Exec("SELECT 1").Error; err != nil {
		testContext.Fatalf("exec failed: %v", err)
	}
}

func TestApplyMigrationsRunsEachDefinitionOnce(testContext *testing.T) {
	dbPath := filepath.Join(testContext.TempDir(), "migrate.db")
	rawDB, err := OpenSQLite(dbPath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	applyCount := 0
	migrations := []MigrationDefinition{
		{Name: "add_widget_table", Apply: func(tx *gorm.DB) error {
			applyCount++
			return tx.Exec("CREATE TABLE widgets (id TEXT PRIMARY KEY)").Error
		}},
	}

	if err := ApplyMigrations(rawDB, zap.NewNop(), migrations); err != nil {
		testContext.Fatalf("first apply failed: %v", err)
	}
	if applyCount != 1 {
		testContext.Fatalf("expected the migration to run once, ran %d times", applyCount)
	}

	if err := ApplyMigrations(rawDB, zap.NewNop(), migrations); err != nil {
		testContext.Fatalf("second apply failed: %v", err)
	}
	if applyCount != 1 {
		testContext.Fatalf("expected a re-run to skip an already-applied migration, ran %d times", applyCount)
	}
}

func TestApplyMigrationsStopsOnFirstFailure(testContext *testing.T) {
	dbPath := filepath.Join(testContext.TempDir(), "migrate-fail.db")
	rawDB, err := OpenSQLite(dbPath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	secondRan := false
	migrations := []MigrationDefinition{
		{Name: "broken", Apply: func(tx *gorm.DB) error {
			return tx.Exec("SELECT * FROM does_not_exist").Error
		}},
		{Name: "after_broken", Apply: func(tx *gorm.DB) error {
			secondRan = true
			return nil
		}},
	}

	if err := ApplyMigrations(rawDB, zap.NewNop(), migrations); err == nil {
		testContext.Fatalf("expected the broken migration to fail")
	}
	if secondRan {
		testContext.Fatalf("expected a later migration to be skipped after an earlier failure")
	}
}
