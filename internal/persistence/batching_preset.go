package persistence

import (
	"fmt"
	"time"
)

// BatchingConfig governs the Batching Writer's debounce/size/count
// behaviour, per §4.6.
type BatchingConfig struct {
	MaxBatchCount int
	MaxBatchBytes int64
	BatchTimeout  time.Duration
	DebounceDelay time.Duration
	Coalesce      bool
}

// Validate enforces §4.6's constructor rejection rules.
func (c BatchingConfig) Validate() error {
	if c.MaxBatchCount < 1 {
		return newError(KindConfig, "batching.validate", "max_batch_count", fmt.Errorf("must be >= 1, got %d", c.MaxBatchCount))
	}
	if c.BatchTimeout <= 0 {
		return newError(KindConfig, "batching.validate", "batch_timeout", fmt.Errorf("must be > 0, got %s", c.BatchTimeout))
	}
	if c.DebounceDelay < 0 {
		return newError(KindConfig, "batching.validate", "debounce_ms", fmt.Errorf("must be >= 0, got %s", c.DebounceDelay))
	}
	if c.MaxBatchBytes < 1 {
		return newError(KindConfig, "batching.validate", "max_batch_bytes", fmt.Errorf("must be >= 1, got %d", c.MaxBatchBytes))
	}
	return nil
}

// WebPreset is the "web" platform preset from §4.6's table.
func WebPreset() BatchingConfig {
	return BatchingConfig{
		MaxBatchCount: 100,
		MaxBatchBytes: 1 << 20,
		BatchTimeout:  2000 * time.Millisecond,
		DebounceDelay: 300 * time.Millisecond,
		Coalesce:      true,
	}
}

// EmbeddedPreset is the "embedded" platform preset.
func EmbeddedPreset() BatchingConfig {
	return BatchingConfig{
		MaxBatchCount: 50,
		MaxBatchBytes: 256 << 10,
		BatchTimeout:  500 * time.Millisecond,
		DebounceDelay: 100 * time.Millisecond,
		Coalesce:      true,
	}
}

// TestPreset is the "test" platform preset.
func TestPreset() BatchingConfig {
	return BatchingConfig{
		MaxBatchCount: 10,
		MaxBatchBytes: 10 << 10,
		BatchTimeout:  100 * time.Millisecond,
		DebounceDelay: 20 * time.Millisecond,
		Coalesce:      true,
	}
}

// PresetByName resolves one of "web", "embedded" or "test".
func PresetByName(name string) (BatchingConfig, error) {
	switch name {
	case "web", "":
		return WebPreset(), nil
	case "embedded":
		return EmbeddedPreset(), nil
	case "test":
		return TestPreset(), nil
	default:
		return BatchingConfig{}, newError(KindConfig, "batching.preset", "unknown_preset", fmt.Errorf("%q", name))
	}
}
