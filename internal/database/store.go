package database

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StoreConfig describes the pool and retry behaviour for a Store.
type StoreConfig struct {
	PoolSize          int
	IdleTimeout       time.Duration
	AcquireTimeout    time.Duration
	OperationDeadline time.Duration
	Logger            *zap.Logger

	MaxRetries    int
	InitialDelay  time.Duration
}

func (cfg StoreConfig) withDefaults() StoreConfig {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}
	if cfg.OperationDeadline <= 0 {
		cfg.OperationDeadline = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Store is a pooled gorm handle shared across the engines. It classifies
// errors as retryable or terminal and applies bounded exponential backoff
// for callers that opt in via WithRetry.
type Store struct {
	db     *gorm.DB
	cfg    StoreConfig
	logger *zap.Logger
}

// NewStore wraps an already-opened gorm handle with pool limits and a retry
// policy. The caller is responsible for opening db with the right dialector
// (postgres in production, sqlite in tests) and for closing it at shutdown.
func NewStore(db *gorm.DB, cfg StoreConfig) (*Store, error) {
	if db == nil {
		return nil, errors.New("database: nil gorm handle")
	}
	cfg = cfg.withDefaults()

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.PoolSize)
	sqlDB.SetMaxIdleConns(cfg.PoolSize)
	sqlDB.SetConnMaxIdleTime(cfg.IdleTimeout)

	return &Store{db: db, cfg: cfg, logger: cfg.Logger}, nil
}

// DB returns the underlying gorm handle, scoped to ctx and bounded by the
// store's acquire timeout plus its operation deadline so no caller can hold
// a connection indefinitely.
func (s *Store) DB(ctx context.Context) *gorm.DB {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout+s.cfg.OperationDeadline)
	_ = cancel // cancellation is driven by ctx.Done(); gorm propagates it to the driver.
	return s.db.WithContext(ctx)
}

// Transaction runs fn inside BEGIN/COMMIT, rolling back on any error
// including a panic raised by fn.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.DB(ctx).Transaction(fn)
}

// PoolStats reports pool occupancy for HealthCheck.
type PoolStats struct {
	Total   int
	Idle    int
	Waiting int
}

// Stats returns the current open and idle connection counts. Waiting is the
// cumulative number of times a caller had to wait for a connection since
// the pool opened, not the number of callers waiting right now.
func (s *Store) Stats() PoolStats {
	sqlDB, err := s.db.DB()
	if err != nil {
		return PoolStats{}
	}
	dbStats := sqlDB.Stats()
	return PoolStats{
		Total:   dbStats.OpenConnections,
		Idle:    dbStats.Idle,
		Waiting: int(dbStats.WaitCount),
	}
}

// Close releases the pool. Intended to be called once at process shutdown.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsRetryable classifies an error as a transient storage failure: connection
// refused, timed out, host not found, or a connection exception/failure
// class reported by the driver.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	message := strings.ToLower(err.Error())
	retryableSubstrings := []string{
		"connection refused",
		"timed out",
		"timeout",
		"no such host",
		"connection reset",
		"connection exception",
		"connection failure",
		"broken pipe",
		"too many connections",
	}
	for _, substr := range retryableSubstrings {
		if strings.Contains(message, substr) {
			return true
		}
	}
	return false
}

// WithRetry runs fn up to cfg.MaxRetries+1 times, retrying only on errors
// IsRetryable classifies as transient, with exponential backoff starting at
// cfg.InitialDelay. The final attempt's error (retryable or not) is
// returned verbatim to the caller as StorageError-equivalent.
func (s *Store) WithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := s.cfg.InitialDelay
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || attempt == s.cfg.MaxRetries {
			return lastErr
		}
		s.logger.Warn("retrying transient storage error",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(math.Min(float64(delay*2), float64(30*time.Second)))
	}
	return lastErr
}
