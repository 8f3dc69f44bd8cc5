package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "PERSIST"

	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseURL    = ""
	defaultLogLevel       = "info"
	defaultPoolSize       = 10
	defaultIdleTimeout    = 30 * time.Second
	defaultAcquireTimeout = 2 * time.Second
	defaultOperationDeadline = 5 * time.Second

	defaultBatchingPreset   = "web"
	defaultUpdateThreshold  = 100
	defaultSizeThresholdMiB = 1
	defaultAgeThreshold     = 24 * time.Hour
	defaultKeepSnapshots    = 3
	defaultAutoCompact      = true
	defaultSweepInterval    = 5 * time.Minute
)

// AppConfig captures runtime configuration for the persistence service.
type AppConfig struct {
	HTTPAddress       string
	DatabaseURL       string
	LogLevel          string
	PoolSize          int
	IdleTimeout       time.Duration
	AcquireTimeout    time.Duration
	OperationDeadline time.Duration

	BatchingPreset  string
	UpdateThreshold int
	SizeThreshold   int64
	AgeThreshold    time.Duration
	KeepSnapshots   int
	AutoCompact     bool
	SweepInterval   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.url", defaultDatabaseURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.pool_size", defaultPoolSize)
	configViper.SetDefault("database.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("database.acquire_timeout", defaultAcquireTimeout)
	configViper.SetDefault("database.operation_deadline", defaultOperationDeadline)

	configViper.SetDefault("batching.preset", defaultBatchingPreset)
	configViper.SetDefault("compaction.update_threshold", defaultUpdateThreshold)
	configViper.SetDefault("compaction.size_threshold_bytes", int64(defaultSizeThresholdMiB<<20))
	configViper.SetDefault("compaction.age_threshold", defaultAgeThreshold)
	configViper.SetDefault("compaction.keep_snapshots", defaultKeepSnapshots)
	configViper.SetDefault("compaction.auto_compact", defaultAutoCompact)
	configViper.SetDefault("compaction.sweep_interval", defaultSweepInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseURL:       configViper.GetString("database.url"),
		LogLevel:          configViper.GetString("log.level"),
		PoolSize:          configViper.GetInt("database.pool_size"),
		IdleTimeout:       configViper.GetDuration("database.idle_timeout"),
		AcquireTimeout:    configViper.GetDuration("database.acquire_timeout"),
		OperationDeadline: configViper.GetDuration("database.operation_deadline"),

		BatchingPreset:  configViper.GetString("batching.preset"),
		UpdateThreshold: configViper.GetInt("compaction.update_threshold"),
		SizeThreshold:   configViper.GetInt64("compaction.size_threshold_bytes"),
		AgeThreshold:    configViper.GetDuration("compaction.age_threshold"),
		KeepSnapshots:   configViper.GetInt("compaction.keep_snapshots"),
		AutoCompact:     configViper.GetBool("compaction.auto_compact"),
		SweepInterval:   configViper.GetDuration("compaction.sweep_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("database.pool_size must be positive")
	}
	if c.KeepSnapshots <= 0 {
		return fmt.Errorf("compaction.keep_snapshots must be positive")
	}
	switch c.BatchingPreset {
	case "web", "embedded", "test":
	default:
		return fmt.Errorf("batching.preset must be one of web, embedded, test")
	}
	return nil
}
