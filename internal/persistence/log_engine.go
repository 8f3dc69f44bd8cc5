package persistence

import (
	"context"
	"time"

	"github.com/dandytbermillo/annotation/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opLogAppend    = "log.append"
	opLogReadAll   = "log.read_all"
	opLogReadSince = "log.read_since"
	opLogTruncate  = "log.truncate"
	opLogStats     = "log.stats"

	orderTimestampIDAsc = "timestamp ASC, id ASC"
)

// LogEngine appends, range-reads and deletes update records for a doc, per
// §4.3. It is the only component that writes to the updates table outside
// of the Compaction Engine's bounded delete.
type LogEngine struct {
	store  *database.Store
	logger *zap.Logger
}

// NewLogEngine constructs a LogEngine over store.
func NewLogEngine(store *database.Store, logger *zap.Logger) *LogEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEngine{store: store, logger: logger}
}

// Append inserts one update record with a server timestamp. Succeeds iff
// the row is durably stored.
func (l *LogEngine) Append(ctx context.Context, doc DocName, payload []byte, producer ProducerID) (UpdateRecord, error) {
	if len(payload) == 0 {
		return UpdateRecord{}, newError(KindValidation, opLogAppend, "empty_payload", errEmptyPayload)
	}
	record := UpdateRecord{
		DocName:   doc.String(),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if producer.String() != "" {
		v := producer.String()
		record.ProducerID = &v
	}

	err := l.store.WithRetry(ctx, func() error {
		return l.store.DB(ctx).Create(&record).Error
	})
	if err != nil {
		l.logger.Error("log append failed", zap.String("doc", doc.String()), zap.Error(err))
		return UpdateRecord{}, newError(KindStorage, opLogAppend, "insert_failed", err)
	}
	return record, nil
}

// ReadAll returns every update payload for doc ordered by (timestamp, id)
// ascending.
func (l *LogEngine) ReadAll(ctx context.Context, doc DocName) ([]UpdateRecord, error) {
	return l.readWhere(ctx, opLogReadAll, "doc_name = ?", doc.String())
}

// ReadSince returns updates strictly newer than cutoff, used by Load to
// fetch updates not covered by the latest snapshot.
func (l *LogEngine) ReadSince(ctx context.Context, doc DocName, cutoff time.Time) ([]UpdateRecord, error) {
	return l.readWhere(ctx, opLogReadSince, "doc_name = ? AND timestamp > ?", doc.String(), cutoff)
}

func (l *LogEngine) readWhere(ctx context.Context, op, query string, args ...interface{}) ([]UpdateRecord, error) {
	var records []UpdateRecord
	err := l.store.WithRetry(ctx, func() error {
		return l.store.DB(ctx).Where(query, args...).Order(orderTimestampIDAsc).Find(&records).Error
	})
	if err != nil {
		l.logger.Error("log read failed", zap.String("op", op), zap.Error(err))
		return nil, newError(KindStorage, op, "query_failed", err)
	}
	return records, nil
}

// Truncate deletes every update record for doc. Used only by the
// Compaction Engine inside its own transaction, or by ClearUpdates/delete
// cascades.
func (l *LogEngine) Truncate(ctx context.Context, doc DocName) (int64, error) {
	result := l.store.DB(ctx).Where("doc_name = ?", doc.String()).Delete(&UpdateRecord{})
	if result.Error != nil {
		l.logger.Error("log truncate failed", zap.String("doc", doc.String()), zap.Error(result.Error))
		return 0, newError(KindStorage, opLogTruncate, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// TruncateTx is Truncate scoped to an existing transaction, bounded to the
// exact rows the caller already observed (the compaction cut point) so
// updates committed after that read survive — see §4.5's bounded-delete
// requirement.
func TruncateTx(tx *gorm.DB, doc DocName, maxTimestamp time.Time, maxID int64) (int64, error) {
	result := tx.Where("doc_name = ? AND (timestamp < ? OR (timestamp = ? AND id <= ?))",
		doc.String(), maxTimestamp, maxTimestamp, maxID).Delete(&UpdateRecord{})
	return result.RowsAffected, result.Error
}

// CompactionStats bundles the cheap aggregates ShouldCompact and
// CompactStatus need.
type CompactionStats struct {
	Count           int
	TotalSizeBytes  int64
	OldestTimestamp *time.Time
	NewestTimestamp *time.Time
}

// Stats computes Count, SumSize and OldestTimestamp/NewestTimestamp for doc
// in one query.
func (l *LogEngine) Stats(ctx context.Context, doc DocName) (CompactionStats, error) {
	var stats CompactionStats
	var row struct {
		Count   int64
		Total   int64
		Oldest  *time.Time
		Newest  *time.Time
	}
	err := l.store.WithRetry(ctx, func() error {
		return l.store.DB(ctx).Model(&UpdateRecord{}).
			Where("doc_name = ?", doc.String()).
			Select(`COUNT(*) AS count, COALESCE(SUM(LENGTH("update")),0) AS total, MIN(timestamp) AS oldest, MAX(timestamp) AS newest`).
			Scan(&row).Error
	})
	if err != nil {
		l.logger.Error("log stats failed", zap.String("doc", doc.String()), zap.Error(err))
		return stats, newError(KindStorage, opLogStats, "query_failed", err)
	}
	stats.Count = int(row.Count)
	stats.TotalSizeBytes = row.Total
	stats.OldestTimestamp = row.Oldest
	stats.NewestTimestamp = row.Newest
	return stats, nil
}
