package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/dandytbermillo/annotation/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCompactionShould  = "compaction.should_compact"
	opCompactionCompact = "compaction.compact"
	opCompactionLog     = "compaction.recent_log"
)

// CompactionThresholds configures ShouldCompact, per §4.5.
type CompactionThresholds struct {
	UpdateThreshold int
	SizeThreshold   int64
	AgeThreshold    time.Duration
	KeepSnapshots   int
}

func (t CompactionThresholds) withDefaults() CompactionThresholds {
	if t.UpdateThreshold <= 0 {
		t.UpdateThreshold = 100
	}
	if t.SizeThreshold <= 0 {
		t.SizeThreshold = 1 << 20
	}
	if t.AgeThreshold <= 0 {
		t.AgeThreshold = 24 * time.Hour
	}
	if t.KeepSnapshots <= 0 {
		t.KeepSnapshots = 3
	}
	return t
}

// CompactionEngine merges a doc's accumulated updates into one snapshot,
// atomically replacing the update range it consumed, per §4.5.
type CompactionEngine struct {
	store      *database.Store
	logEngine  *LogEngine
	codec      Codec
	idProvider IDProvider
	thresholds CompactionThresholds
	logger     *zap.Logger
}

// NewCompactionEngine constructs a CompactionEngine.
func NewCompactionEngine(store *database.Store, logEngine *LogEngine, codec Codec, idProvider IDProvider, thresholds CompactionThresholds, logger *zap.Logger) *CompactionEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idProvider == nil {
		idProvider = UUIDProvider{}
	}
	return &CompactionEngine{
		store:      store,
		logEngine:  logEngine,
		codec:      codec,
		idProvider: idProvider,
		thresholds: thresholds.withDefaults(),
		logger:     logger,
	}
}

// ShouldCompact reports whether doc meets any of the count/size/age
// thresholds in §4.5.
func (c *CompactionEngine) ShouldCompact(ctx context.Context, doc DocName) (bool, error) {
	stats, err := c.logEngine.Stats(ctx, doc)
	if err != nil {
		return false, err
	}
	if stats.Count == 0 {
		return false, nil
	}
	if stats.Count >= c.thresholds.UpdateThreshold {
		return true, nil
	}
	if stats.TotalSizeBytes >= c.thresholds.SizeThreshold {
		return true, nil
	}
	if stats.OldestTimestamp != nil && time.Since(*stats.OldestTimestamp) > c.thresholds.AgeThreshold {
		return true, nil
	}
	return false, nil
}

// CompactResult reports the outcome of a Compact call.
type CompactResult struct {
	Skipped       bool
	UpdateCount   int
	Checksum      Checksum
	SnapshotSize  int
	DurationMs    int64
}

// Compact runs the full compaction algorithm for doc inside one
// transaction: read latest snapshot, read all updates, rebuild the
// document, encode a new snapshot, bounded-delete the consumed updates,
// prune old snapshots, append a compaction-log entry. force bypasses
// ShouldCompact.
func (c *CompactionEngine) Compact(ctx context.Context, doc DocName, force bool) (CompactResult, error) {
	if !force {
		should, err := c.ShouldCompact(ctx, doc)
		if err != nil {
			return CompactResult{}, err
		}
		if !should {
			stats, _ := c.logEngine.Stats(ctx, doc)
			return CompactResult{Skipped: true, UpdateCount: stats.Count}, nil
		}
	}

	start := time.Now()
	var result CompactResult

	err := c.store.Transaction(ctx, func(tx *gorm.DB) error {
		var existing Snapshot
		hasExisting := true
		if err := tx.Where("doc_name = ?", doc.String()).Order(orderCreatedAtDesc).Take(&existing).Error; err != nil {
			if !isRecordNotFound(err) {
				return newError(KindStorage, opCompactionCompact, "load_snapshot_failed", err)
			}
			hasExisting = false
		}

		var updates []UpdateRecord
		if err := tx.Where("doc_name = ?", doc.String()).Order(orderTimestampIDAsc).Find(&updates).Error; err != nil {
			return newError(KindStorage, opCompactionCompact, "load_updates_failed", err)
		}

		if len(updates) == 0 {
			result = CompactResult{Skipped: true, UpdateCount: 0}
			return nil
		}

		state := c.codec.NewDoc()
		if hasExisting {
			if err := c.codec.Apply(state, existing.State); err != nil {
				return newError(KindCodec, opCompactionCompact, "apply_snapshot_failed", err)
			}
		}
		for _, update := range updates {
			if err := c.codec.Apply(state, update.Payload); err != nil {
				return newError(KindCodec, opCompactionCompact, "apply_update_failed", err)
			}
		}

		encoded, err := c.codec.Encode(state)
		if err != nil {
			return newError(KindCodec, opCompactionCompact, "encode_failed", err)
		}

		updateCount := len(updates)
		saved, err := SaveTx(tx, c.idProvider, SaveParams{
			Doc:         doc,
			State:       encoded,
			UpdateCount: &updateCount,
		})
		if err != nil {
			return err
		}

		lastUpdate := updates[len(updates)-1]
		if _, err := TruncateTx(tx, doc, lastUpdate.Timestamp, lastUpdate.ID); err != nil {
			return newError(KindStorage, opCompactionCompact, "truncate_failed", err)
		}

		if _, err := PruneToLastTx(tx, doc, c.thresholds.KeepSnapshots); err != nil {
			return err
		}

		duration := time.Since(start)
		logEntry := CompactionLogEntry{
			DocName:       doc.String(),
			UpdatesBefore: len(updates),
			UpdatesAfter:  0,
			SnapshotSize:  len(encoded),
			DurationMs:    int(duration.Milliseconds()),
			CreatedAt:     time.Now().UTC(),
		}
		id, err := c.idProvider.NewID()
		if err != nil {
			return newError(KindStorage, opCompactionCompact, "id_generation_failed", err)
		}
		logEntry.ID = id
		if err := tx.Create(&logEntry).Error; err != nil {
			return newError(KindStorage, opCompactionCompact, "log_insert_failed", err)
		}

		checksum, _ := NewChecksum(saved.Checksum)
		result = CompactResult{
			Skipped:      false,
			UpdateCount:  updateCount,
			Checksum:     checksum,
			SnapshotSize: len(encoded),
			DurationMs:   duration.Milliseconds(),
		}
		return nil
	})

	if err != nil {
		c.logger.Error("compaction failed", zap.String("doc", doc.String()), zap.Error(err))
		return CompactResult{}, err
	}
	return result, nil
}

// RecentLog returns the most recent compaction-log entries for doc, newest
// first, bounded by limit. Observability only, per §3.
func (c *CompactionEngine) RecentLog(ctx context.Context, doc DocName, limit int) ([]CompactionLogEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	var entries []CompactionLogEntry
	err := c.store.WithRetry(ctx, func() error {
		return c.store.DB(ctx).Where("doc_name = ?", doc.String()).
			Order("created_at DESC").Limit(limit).Find(&entries).Error
	})
	if err != nil {
		c.logger.Error("compaction log read failed", zap.String("doc", doc.String()), zap.Error(err))
		return nil, newError(KindStorage, opCompactionLog, "query_failed", err)
	}
	return entries, nil
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
