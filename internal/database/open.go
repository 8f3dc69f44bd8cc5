package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// OpenPostgres establishes a Postgres connection via dsn and returns the
// raw *gorm.DB. Callers are responsible for AutoMigrate and for wrapping
// the result in a Store.
func OpenPostgres(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database connection opened", zap.String("driver", "postgres"))
	}
	return db, nil
}

// OpenSQLite establishes an in-process SQLite connection. Intended for
// tests only — the schema described in §6.2 uses Postgres-specific column
// types (bytea/jsonb/uuid/timestamptz) that SQLite maps onto its own
// affinities, so production always runs OpenPostgres.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if logger != nil {
		logger.Info("database connection opened", zap.String("driver", "sqlite"), zap.String("path", path))
	}
	return db, nil
}
