package persistence

import (
	"context"
	"time"

	"github.com/dandytbermillo/annotation/internal/crdt"
	"github.com/dandytbermillo/annotation/internal/database"
	"go.uber.org/zap"
)

const (
	opServiceLoad     = "service.load"
	opServiceHealth   = "service.health_check"
	opServiceCompact  = "service.compact_status"
	opServiceSnapshot = "service.save_snapshot"
	opServiceDelete   = "service.delete_doc"
)

// Service is the single entry point the HTTP layer and any in-process
// caller use to reach persistence, per §4.7. It wires the Log Engine,
// Snapshot Engine, Compaction Engine, Batching Writer and Delete
// Coordinator behind one facade so none of those components need to know
// about each other directly.
type Service struct {
	store             *database.Store
	codec             Codec
	logEngine         *LogEngine
	snapshotEngine    *SnapshotEngine
	compactionEngine  *CompactionEngine
	writer            *BatchingWriter
	deleteCoordinator *DeleteCoordinator
	logger            *zap.Logger
}

// ServiceConfig bundles the dependencies NewService wires together.
type ServiceConfig struct {
	Store         *database.Store
	Codec         Codec
	IDProvider    IDProvider
	Batching      BatchingConfig
	Thresholds    CompactionThresholds
	Logger        *zap.Logger
}

// NewService constructs every persistence component from cfg and returns
// the assembled Service. The Batching Writer's post-flush hook drives an
// asynchronous, non-blocking ShouldCompact/Compact check — the "post-Append
// check" trigger source from §4.5 — so ordinary writes never wait on
// compaction.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newError(KindConfig, "service.new", "missing_store", errMissingStore)
	}
	if cfg.Codec == nil {
		cfg.Codec = DefaultCodec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	logEngine := NewLogEngine(cfg.Store, cfg.Logger)
	snapshotEngine := NewSnapshotEngine(cfg.Store, cfg.IDProvider, cfg.Logger)
	compactionEngine := NewCompactionEngine(cfg.Store, logEngine, cfg.Codec, cfg.IDProvider, cfg.Thresholds, cfg.Logger)

	svc := &Service{
		store:            cfg.Store,
		codec:            cfg.Codec,
		logEngine:        logEngine,
		snapshotEngine:   snapshotEngine,
		compactionEngine: compactionEngine,
		logger:           cfg.Logger,
	}

	writer, err := NewBatchingWriter(cfg.Batching, logEngine, cfg.Codec, cfg.Logger, svc.onFlushed)
	if err != nil {
		return nil, err
	}
	svc.writer = writer
	svc.deleteCoordinator = NewDeleteCoordinator(cfg.Store, writer, cfg.Logger)
	return svc, nil
}

func (s *Service) onFlushed(doc DocName) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := s.compactionEngine.Compact(ctx, doc, false)
		if err != nil {
			s.logger.Warn("post-append compaction check failed", zap.String("doc", doc.String()), zap.Error(err))
			return
		}
		if !result.Skipped {
			s.logger.Info("post-append compaction ran", zap.String("doc", doc.String()), zap.Int("updates", result.UpdateCount))
		}
	}()
}

// Persist enqueues payload for doc through the Batching Writer and returns
// as soon as it is accepted into the in-memory batch, per §4.7.
func (s *Service) Persist(ctx context.Context, doc DocName, payload []byte, producer ProducerID) error {
	return s.writer.Enqueue(ctx, doc, payload, producer)
}

// Load flushes doc's pending batch, then reconstructs its current CRDT
// state from the latest snapshot (if any) plus every update strictly newer
// than that snapshot.
func (s *Service) Load(ctx context.Context, doc DocName) (*crdt.State, error) {
	if err := s.writer.Flush(ctx, doc); err != nil {
		return nil, newError(KindStorage, opServiceLoad, "flush_failed", err)
	}

	state := s.codec.NewDoc()
	var cutoff time.Time

	snapshot, found, err := s.snapshotEngine.Latest(ctx, doc)
	if err != nil {
		return nil, err
	}
	if found {
		if err := s.codec.Apply(state, snapshot.State); err != nil {
			return nil, newError(KindCodec, opServiceLoad, "apply_snapshot_failed", err)
		}
		cutoff = snapshot.CreatedAt
	}

	var updates []UpdateRecord
	if found {
		updates, err = s.logEngine.ReadSince(ctx, doc, cutoff)
	} else {
		updates, err = s.logEngine.ReadAll(ctx, doc)
	}
	if err != nil {
		return nil, err
	}
	for _, update := range updates {
		if err := s.codec.Apply(state, update.Payload); err != nil {
			return nil, newError(KindCodec, opServiceLoad, "apply_update_failed", err)
		}
	}
	return state, nil
}

// ReadAll flushes doc's pending batch, then returns its raw update log in
// (timestamp, id) order, for clients that apply updates themselves.
func (s *Service) ReadAll(ctx context.Context, doc DocName) ([]UpdateRecord, error) {
	if err := s.writer.Flush(ctx, doc); err != nil {
		return nil, err
	}
	return s.logEngine.ReadAll(ctx, doc)
}

// ClearUpdates flushes doc's pending batch, then deletes every row in its
// update log. Used when a caller has folded the log into a snapshot by a
// means other than the Compaction Engine.
func (s *Service) ClearUpdates(ctx context.Context, doc DocName) (int64, error) {
	if err := s.writer.Flush(ctx, doc); err != nil {
		return 0, err
	}
	return s.logEngine.Truncate(ctx, doc)
}

// SaveSnapshot flushes doc's pending batch, then writes state as a new
// snapshot row. Idempotent by checksum, per §4.7: if a snapshot with the
// same doc and checksum already exists, SaveSnapshot returns it unchanged
// with Duplicate set instead of inserting a second row.
func (s *Service) SaveSnapshot(ctx context.Context, params SaveParams) (Snapshot, error) {
	if len(params.State) == 0 {
		return Snapshot{}, newError(KindValidation, opServiceSnapshot, "empty_state", errEmptyPayload)
	}
	if err := s.writer.Flush(ctx, params.Doc); err != nil {
		return Snapshot{}, err
	}

	checksum := ChecksumOf(params.State)
	existing, found, err := s.snapshotEngine.ByChecksum(ctx, params.Doc, checksum)
	if err != nil {
		return Snapshot{}, err
	}
	if found {
		existing.Duplicate = true
		return existing, nil
	}

	snapshot, err := s.snapshotEngine.Save(ctx, params)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// LoadSnapshot returns the most recent snapshot for doc without touching
// the update log.
func (s *Service) LoadSnapshot(ctx context.Context, doc DocName) (Snapshot, bool, error) {
	return s.snapshotEngine.Latest(ctx, doc)
}

// Compact flushes doc's pending batch, then runs the Compaction Engine.
func (s *Service) Compact(ctx context.Context, doc DocName, force bool) (CompactResult, error) {
	if err := s.writer.Flush(ctx, doc); err != nil {
		return CompactResult{}, err
	}
	return s.compactionEngine.Compact(ctx, doc, force)
}

// CompactStatusResult reports whether doc is a compaction candidate and the
// stats the decision was based on.
type CompactStatusResult struct {
	ShouldCompact bool
	Stats         CompactionStats
}

// CompactStatus reports doc's compaction eligibility without running one.
func (s *Service) CompactStatus(ctx context.Context, doc DocName) (CompactStatusResult, error) {
	stats, err := s.logEngine.Stats(ctx, doc)
	if err != nil {
		return CompactStatusResult{}, newError(KindStorage, opServiceCompact, "stats_failed", err)
	}
	should, err := s.compactionEngine.ShouldCompact(ctx, doc)
	if err != nil {
		return CompactStatusResult{}, err
	}
	return CompactStatusResult{ShouldCompact: should, Stats: stats}, nil
}

// HardDeleteConfirmation is the confirmation token a caller must pass to
// DeleteDoc's confirmation parameter to perform a hard delete, per §4.7/§4.8.
const HardDeleteConfirmation = "PERMANENTLY-DELETE"

// DeleteDoc soft- or hard-deletes noteID via the Delete Coordinator. A hard
// delete additionally requires confirmation to equal HardDeleteConfirmation;
// anything else raises an AuthorizationError without mutating any row, per
// §4.7's testable scenario for a missing confirmation token. confirmation is
// ignored for a soft delete.
func (s *Service) DeleteDoc(ctx context.Context, noteID string, hard bool, confirmation string) error {
	if hard {
		if confirmation != HardDeleteConfirmation {
			return newError(KindAuthorization, opServiceDelete, "missing_confirmation", errMissingConfirmation)
		}
		return s.deleteCoordinator.HardDelete(ctx, noteID)
	}
	return s.deleteCoordinator.SoftDelete(ctx, noteID)
}

// HealthStatus reports the state HealthCheck observed.
type HealthStatus struct {
	Healthy bool
	Pool    database.PoolStats
}

// HealthCheck verifies the database connection is reachable and reports
// pool utilization, per §6.1's /health endpoint.
func (s *Service) HealthCheck(ctx context.Context) (HealthStatus, error) {
	err := s.store.WithRetry(ctx, func() error {
		return s.store.DB(ctx).Exec("SELECT 1").Error
	})
	if err != nil {
		return HealthStatus{Healthy: false, Pool: s.store.Stats()}, newError(KindStorage, opServiceHealth, "ping_failed", err)
	}
	return HealthStatus{Healthy: true, Pool: s.store.Stats()}, nil
}

// Shutdown drains the Batching Writer so no accepted update is lost.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.writer.Shutdown(ctx)
}

// WriterMetrics exposes the Batching Writer's metrics for observability endpoints.
func (s *Service) WriterMetrics() Metrics {
	return s.writer.Metrics()
}

// StartCompactionSweep starts the Compaction Engine's background sweep and
// returns its stop function.
func (s *Service) StartCompactionSweep(ctx context.Context, interval time.Duration) (stop func()) {
	return s.compactionEngine.StartSweep(ctx, interval)
}
