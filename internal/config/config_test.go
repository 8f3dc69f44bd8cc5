package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadAppliesDefaultsWhenDatabaseURLIsSet(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("database.url", "postgres://localhost/test")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		testContext.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if cfg.BatchingPreset != "web" {
		testContext.Fatalf("expected default batching preset web, got %q", cfg.BatchingPreset)
	}
	if cfg.PoolSize != defaultPoolSize {
		testContext.Fatalf("expected default pool size, got %d", cfg.PoolSize)
	}
	if cfg.SweepInterval != 5*time.Minute {
		testContext.Fatalf("expected default sweep interval, got %v", cfg.SweepInterval)
	}
}

func TestLoadRejectsMissingDatabaseURL(testContext *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		testContext.Fatalf("expected an error when database.url is unset")
	}
}

func TestLoadRejectsNonPositivePoolSize(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("database.url", "postgres://localhost/test")
	configViper.Set("database.pool_size", 0)
	if _, err := Load(configViper); err == nil {
		testContext.Fatalf("expected an error for a non-positive pool size")
	}
}

func TestLoadRejectsUnknownBatchingPreset(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("database.url", "postgres://localhost/test")
	configViper.Set("batching.preset", "turbo")
	if _, err := Load(configViper); err == nil {
		testContext.Fatalf("expected an error for an unknown batching preset")
	}
}

func TestLoadHonoursEnvironmentOverrides(testContext *testing.T) {
	testContext.Setenv("PERSIST_DATABASE_URL", "postgres://localhost/env")
	testContext.Setenv("PERSIST_COMPACTION_UPDATE_THRESHOLD", "250")

	configViper := viper.New()
	ApplyDefaults(configViper)

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/env" {
		testContext.Fatalf("expected env override for database url, got %q", cfg.DatabaseURL)
	}
	if cfg.UpdateThreshold != 250 {
		testContext.Fatalf("expected env override for update threshold, got %d", cfg.UpdateThreshold)
	}
}
