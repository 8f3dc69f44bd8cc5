package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/dandytbermillo/annotation/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opDeleteSoft = "delete.soft"
	opDeleteHard = "delete.hard"
)

// DeleteCoordinator cascades a note deletion across the update log,
// snapshots and the notes/panels/branches tables, per §4.8. A note owns
// one doc named "note:<id>" and zero or more panel docs named
// "panel:<id>:<sub>"; the coordinator builds both forms from the note id
// and matches panel docs by the "panel:<id>:" prefix.
type DeleteCoordinator struct {
	store  *database.Store
	writer *BatchingWriter
	logger *zap.Logger
}

// NewDeleteCoordinator constructs a DeleteCoordinator. writer may be nil,
// in which case Hard/SoftDelete skip the pre-delete flush (used in tests
// that write directly through the LogEngine).
func NewDeleteCoordinator(store *database.Store, writer *BatchingWriter, logger *zap.Logger) *DeleteCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeleteCoordinator{store: store, writer: writer, logger: logger}
}

func noteDocName(noteID string) string {
	return "note:" + noteID
}

func panelDocPrefix(noteID string) string {
	return "panel:" + noteID + ":"
}

// docsForNote enumerates every doc name ever written for noteID, across
// both the update log and the snapshot table, plus the note's own canonical
// doc name even if nothing has been written under it yet.
func (d *DeleteCoordinator) docsForNote(ctx context.Context, noteID string) ([]DocName, error) {
	seen := map[string]struct{}{noteDocName(noteID): {}}
	pattern := panelDocPrefix(noteID) + "%"

	for _, table := range []interface{}{&UpdateRecord{}, &Snapshot{}} {
		var names []string
		err := d.store.WithRetry(ctx, func() error {
			return d.store.DB(ctx).Model(table).
				Where("doc_name = ? OR doc_name LIKE ?", noteDocName(noteID), pattern).
				Distinct("doc_name").Pluck("doc_name", &names).Error
		})
		if err != nil {
			return nil, newError(KindStorage, "delete.docs_for_note", "scan_failed", err)
		}
		for _, n := range names {
			seen[n] = struct{}{}
		}
	}

	docs := make([]DocName, 0, len(seen))
	for name := range seen {
		doc, err := NewDocName(name)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (d *DeleteCoordinator) flushNote(ctx context.Context, noteID string) error {
	if d.writer == nil {
		return nil
	}
	docs, err := d.docsForNote(ctx, noteID)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := d.writer.Flush(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// SoftDelete marks the note and its panels/branches as deleted without
// removing those rows, so the note can still be recovered by clearing
// deleted_at. Its CRDT update log and snapshots are removed outright,
// though: per §4.8 a soft-deleted note must leave zero update-log rows and
// zero snapshot rows for its doc and panel docs, the same as a hard delete,
// while keeping the note/panel/branch rows themselves recoverable.
// Idempotent: deleting an already-deleted note is a no-op, not an error.
func (d *DeleteCoordinator) SoftDelete(ctx context.Context, noteID string) error {
	if noteID == "" {
		return newError(KindValidation, opDeleteSoft, "missing_note_id", errMissingDocName)
	}
	if err := d.flushNote(ctx, noteID); err != nil {
		return newError(KindStorage, opDeleteSoft, "pre_delete_flush_failed", err)
	}

	noteDoc := noteDocName(noteID)
	pattern := panelDocPrefix(noteID) + "%"
	now := time.Now().UTC()

	err := d.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, table := range []interface{}{&UpdateRecord{}, &Snapshot{}} {
			if err := tx.Where("doc_name = ? OR doc_name LIKE ?", noteDoc, pattern).
				Delete(table).Error; err != nil {
				return fmt.Errorf("delete %T: %w", table, err)
			}
		}
		if err := tx.Model(&Note{}).Where("id = ? AND deleted_at IS NULL", noteID).
			Update("deleted_at", now).Error; err != nil {
			return err
		}
		if err := tx.Model(&Panel{}).Where("note_id = ? AND deleted_at IS NULL", noteID).
			Update("deleted_at", now).Error; err != nil {
			return err
		}
		if err := tx.Model(&Branch{}).Where("note_id = ? AND deleted_at IS NULL", noteID).
			Update("deleted_at", now).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		d.logger.Error("soft delete failed", zap.String("note_id", noteID), zap.Error(err))
		return newError(KindStorage, opDeleteSoft, "transaction_failed", err)
	}
	return nil
}

// HardDelete permanently removes every row belonging to noteID: its update
// log entries, snapshots, compaction-log entries, and the notes/panels/
// branches rows themselves. It flushes any pending batched updates for the
// note's docs first, so a write racing the delete is either durably
// persisted and then removed, or never observed — never silently dropped
// by a batch that outlives the delete.
func (d *DeleteCoordinator) HardDelete(ctx context.Context, noteID string) error {
	if noteID == "" {
		return newError(KindValidation, opDeleteHard, "missing_note_id", errMissingDocName)
	}
	if err := d.flushNote(ctx, noteID); err != nil {
		return newError(KindStorage, opDeleteHard, "pre_delete_flush_failed", err)
	}

	noteDoc := noteDocName(noteID)
	pattern := panelDocPrefix(noteID) + "%"

	err := d.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, table := range []interface{}{&UpdateRecord{}, &Snapshot{}, &CompactionLogEntry{}} {
			if err := tx.Where("doc_name = ? OR doc_name LIKE ?", noteDoc, pattern).
				Delete(table).Error; err != nil {
				return fmt.Errorf("delete %T: %w", table, err)
			}
		}
		if err := tx.Where("note_id = ?", noteID).Delete(&Branch{}).Error; err != nil {
			return err
		}
		if err := tx.Where("note_id = ?", noteID).Delete(&Panel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", noteID).Delete(&Note{}).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		d.logger.Error("hard delete failed", zap.String("note_id", noteID), zap.Error(err))
		return newError(KindStorage, opDeleteHard, "transaction_failed", err)
	}
	return nil
}
