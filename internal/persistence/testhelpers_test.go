package persistence

import (
	"path/filepath"
	"testing"

	"github.com/dandytbermillo/annotation/internal/database"
	"go.uber.org/zap"
)

func newTestStore(testContext *testing.T) *database.Store {
	testContext.Helper()
	dbPath := filepath.Join(testContext.TempDir(), "test.db")

	rawDB, err := database.OpenSQLite(dbPath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := AutoMigrate(rawDB, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := database.NewStore(rawDB, database.StoreConfig{Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to construct store: %v", err)
	}
	testContext.Cleanup(func() { _ = store.Close() })
	return store
}

func mustDocName(testContext *testing.T, raw string) DocName {
	testContext.Helper()
	doc, err := NewDocName(raw)
	if err != nil {
		testContext.Fatalf("invalid doc name %q: %v", raw, err)
	}
	return doc
}
