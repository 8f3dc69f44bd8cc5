package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/dandytbermillo/annotation/internal/database"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opSnapshotSave         = "snapshot.save"
	opSnapshotLatest       = "snapshot.latest"
	opSnapshotByChecksum   = "snapshot.by_checksum"
	opSnapshotPruneToLast  = "snapshot.prune_to_last"

	orderCreatedAtDesc = "created_at DESC"
)

// SnapshotEngine loads, saves and prunes per-doc snapshots, per §4.4.
type SnapshotEngine struct {
	store      *database.Store
	idProvider IDProvider
	logger     *zap.Logger
}

// IDProvider mints identifiers for rows whose primary key is a uuid,
// mirroring the teacher's notes.IDProvider abstraction for NoteChange.
type IDProvider interface {
	NewID() (string, error)
}

// UUIDProvider issues UUIDv7 identifiers.
type UUIDProvider struct{}

// NewID returns a fresh UUIDv7 string.
func (UUIDProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewSnapshotEngine constructs a SnapshotEngine over store.
func NewSnapshotEngine(store *database.Store, idProvider IDProvider, logger *zap.Logger) *SnapshotEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idProvider == nil {
		idProvider = UUIDProvider{}
	}
	return &SnapshotEngine{store: store, idProvider: idProvider, logger: logger}
}

// ChecksumOf computes the lowercase hex SHA-256 digest of state.
func ChecksumOf(state []byte) Checksum {
	sum := sha256.Sum256(state)
	return Checksum(hex.EncodeToString(sum[:]))
}

// SaveParams bundles Save's optional fields.
type SaveParams struct {
	Doc         DocName
	State       []byte
	UpdateCount *int
	PanelsJSON  *string
}

// Save inserts one snapshot row whose checksum it computes from
// params.State. It takes no caller-supplied checksum, so it never compares
// one against the computed digest or rejects a write on a mismatch.
func (s *SnapshotEngine) Save(ctx context.Context, params SaveParams) (Snapshot, error) {
	if len(params.State) == 0 {
		return Snapshot{}, newError(KindValidation, opSnapshotSave, "empty_state", errEmptyPayload)
	}
	computed := ChecksumOf(params.State)

	id, err := s.idProvider.NewID()
	if err != nil {
		return Snapshot{}, newError(KindStorage, opSnapshotSave, "id_generation_failed", err)
	}

	sizeBytes := len(params.State)
	row := Snapshot{
		ID:          id,
		DocName:     params.Doc.String(),
		State:       params.State,
		Checksum:    computed.String(),
		UpdateCount: params.UpdateCount,
		SizeBytes:   &sizeBytes,
		PanelsJSON:  params.PanelsJSON,
		CreatedAt:   time.Now().UTC(),
	}
	if noteID := params.Doc.NotePrefix(); noteID != "" {
		row.NoteID = &noteID
	}

	err = s.store.WithRetry(ctx, func() error {
		return s.store.DB(ctx).Create(&row).Error
	})
	if err != nil {
		s.logger.Error("snapshot save failed", zap.String("doc", params.Doc.String()), zap.Error(err))
		return Snapshot{}, newError(KindStorage, opSnapshotSave, "insert_failed", err)
	}
	return row, nil
}

// SaveTx is Save scoped to an existing transaction, used by the Compaction
// Engine so the snapshot insert and the update-log truncate commit
// atomically.
func SaveTx(tx *gorm.DB, idProvider IDProvider, params SaveParams) (Snapshot, error) {
	if len(params.State) == 0 {
		return Snapshot{}, newError(KindValidation, opSnapshotSave, "empty_state", errEmptyPayload)
	}
	id, err := idProvider.NewID()
	if err != nil {
		return Snapshot{}, newError(KindStorage, opSnapshotSave, "id_generation_failed", err)
	}
	sizeBytes := len(params.State)
	row := Snapshot{
		ID:          id,
		DocName:     params.Doc.String(),
		State:       params.State,
		Checksum:    ChecksumOf(params.State).String(),
		UpdateCount: params.UpdateCount,
		SizeBytes:   &sizeBytes,
		PanelsJSON:  params.PanelsJSON,
		CreatedAt:   time.Now().UTC(),
	}
	if noteID := params.Doc.NotePrefix(); noteID != "" {
		row.NoteID = &noteID
	}
	if err := tx.Create(&row).Error; err != nil {
		return Snapshot{}, newError(KindStorage, opSnapshotSave, "insert_failed", err)
	}
	return row, nil
}

// Latest returns the most recently created snapshot for doc, or
// (Snapshot{}, false, nil) if none exists.
func (s *SnapshotEngine) Latest(ctx context.Context, doc DocName) (Snapshot, bool, error) {
	var row Snapshot
	err := s.store.WithRetry(ctx, func() error {
		return s.store.DB(ctx).Where("doc_name = ?", doc.String()).
			Order(orderCreatedAtDesc).Take(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		s.logger.Error("snapshot latest failed", zap.String("doc", doc.String()), zap.Error(err))
		return Snapshot{}, false, newError(KindStorage, opSnapshotLatest, "query_failed", err)
	}
	return row, true, nil
}

// ByChecksum returns the snapshot for doc matching checksum, allowing Save
// callers to skip a redundant write when an identical snapshot already
// exists.
func (s *SnapshotEngine) ByChecksum(ctx context.Context, doc DocName, checksum Checksum) (Snapshot, bool, error) {
	var row Snapshot
	err := s.store.WithRetry(ctx, func() error {
		return s.store.DB(ctx).Where("doc_name = ? AND checksum = ?", doc.String(), checksum.String()).
			Take(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		s.logger.Error("snapshot by checksum failed", zap.String("doc", doc.String()), zap.Error(err))
		return Snapshot{}, false, newError(KindStorage, opSnapshotByChecksum, "query_failed", err)
	}
	return row, true, nil
}

// PruneToLast deletes every snapshot for doc except the K most recent.
func (s *SnapshotEngine) PruneToLast(ctx context.Context, doc DocName, keep int) (int64, error) {
	return pruneToLastTx(s.store.DB(ctx), doc, keep)
}

// PruneToLastTx is PruneToLast scoped to an existing transaction.
func PruneToLastTx(tx *gorm.DB, doc DocName, keep int) (int64, error) {
	return pruneToLastTx(tx, doc, keep)
}

func pruneToLastTx(tx *gorm.DB, doc DocName, keep int) (int64, error) {
	if keep <= 0 {
		keep = 1
	}
	var keepIDs []string
	if err := tx.Model(&Snapshot{}).
		Where("doc_name = ?", doc.String()).
		Order(orderCreatedAtDesc).
		Limit(keep).
		Pluck("id", &keepIDs).Error; err != nil {
		return 0, newError(KindStorage, opSnapshotPruneToLast, "select_failed", err)
	}
	query := tx.Where("doc_name = ?", doc.String())
	if len(keepIDs) > 0 {
		query = query.Where("id NOT IN ?", keepIDs)
	}
	result := query.Delete(&Snapshot{})
	if result.Error != nil {
		return 0, newError(KindStorage, opSnapshotPruneToLast, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}
