package persistence

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDeleteCoordinatorSoftDeleteMarksRowsWithoutRemovingThem(testContext *testing.T) {
	store := newTestStore(testContext)
	ctx := context.Background()
	noteID := "note-soft-1"

	if err := store.DB(ctx).Create(&Note{ID: noteID}).Error; err != nil {
		testContext.Fatalf("failed to seed note: %v", err)
	}
	if err := store.DB(ctx).Create(&Panel{ID: "panel-1", NoteID: noteID}).Error; err != nil {
		testContext.Fatalf("failed to seed panel: %v", err)
	}

	coordinator := NewDeleteCoordinator(store, nil, zap.NewNop())
	if err := coordinator.SoftDelete(ctx, noteID); err != nil {
		testContext.Fatalf("soft delete failed: %v", err)
	}

	var note Note
	if err := store.DB(ctx).Where("id = ?", noteID).Take(&note).Error; err != nil {
		testContext.Fatalf("expected note row to still exist: %v", err)
	}
	if note.DeletedAt == nil {
		testContext.Fatalf("expected note to be marked deleted")
	}

	var panel Panel
	if err := store.DB(ctx).Where("id = ?", "panel-1").Take(&panel).Error; err != nil {
		testContext.Fatalf("expected panel row to still exist: %v", err)
	}
	if panel.DeletedAt == nil {
		testContext.Fatalf("expected panel to be marked deleted")
	}
}

func TestDeleteCoordinatorSoftDeleteIsIdempotent(testContext *testing.T) {
	store := newTestStore(testContext)
	ctx := context.Background()
	noteID := "note-soft-2"

	if err := store.DB(ctx).Create(&Note{ID: noteID}).Error; err != nil {
		testContext.Fatalf("failed to seed note: %v", err)
	}

	coordinator := NewDeleteCoordinator(store, nil, zap.NewNop())
	if err := coordinator.SoftDelete(ctx, noteID); err != nil {
		testContext.Fatalf("first soft delete failed: %v", err)
	}

	var firstDeletedAt time.Time
	var note Note
	if err := store.DB(ctx).Where("id = ?", noteID).Take(&note).Error; err != nil {
		testContext.Fatalf("failed to reload note: %v", err)
	}
	firstDeletedAt = *note.DeletedAt

	if err := coordinator.SoftDelete(ctx, noteID); err != nil {
		testContext.Fatalf("second soft delete failed: %v", err)
	}
	if err := store.DB(ctx).Where("id = ?", noteID).Take(&note).Error; err != nil {
		testContext.Fatalf("failed to reload note: %v", err)
	}
	if !note.DeletedAt.Equal(firstDeletedAt) {
		testContext.Fatalf("expected idempotent soft delete to leave deleted_at unchanged")
	}
}

func TestDeleteCoordinatorSoftDeleteRemovesUpdatesAndSnapshotsForEveryDoc(testContext *testing.T) {
	store := newTestStore(testContext)
	logEngine := NewLogEngine(store, zap.NewNop())
	snapshotEngine := NewSnapshotEngine(store, nil, zap.NewNop())
	ctx := context.Background()
	noteID := "note-soft-3"

	noteDoc := mustDocName(testContext, "note:"+noteID)
	panelDoc := mustDocName(testContext, "panel:"+noteID+":p1")

	if _, err := logEngine.Append(ctx, noteDoc, []byte{1}, ""); err != nil {
		testContext.Fatalf("append to note doc failed: %v", err)
	}
	if _, err := logEngine.Append(ctx, panelDoc, []byte{2}, ""); err != nil {
		testContext.Fatalf("append to panel doc failed: %v", err)
	}
	if _, err := snapshotEngine.Save(ctx, SaveParams{Doc: noteDoc, State: []byte("snap")}); err != nil {
		testContext.Fatalf("save snapshot failed: %v", err)
	}
	if err := store.DB(ctx).Create(&Note{ID: noteID}).Error; err != nil {
		testContext.Fatalf("failed to seed note: %v", err)
	}

	coordinator := NewDeleteCoordinator(store, nil, zap.NewNop())
	if err := coordinator.SoftDelete(ctx, noteID); err != nil {
		testContext.Fatalf("soft delete failed: %v", err)
	}

	if records, err := logEngine.ReadAll(ctx, noteDoc); err != nil || len(records) != 0 {
		testContext.Fatalf("expected note doc's updates to be gone, err=%v records=%v", err, records)
	}
	if records, err := logEngine.ReadAll(ctx, panelDoc); err != nil || len(records) != 0 {
		testContext.Fatalf("expected panel doc's updates to be gone, err=%v records=%v", err, records)
	}
	if _, found, err := snapshotEngine.Latest(ctx, noteDoc); err != nil || found {
		testContext.Fatalf("expected the note's snapshot to be gone, err=%v found=%v", err, found)
	}

	var note Note
	if err := store.DB(ctx).Where("id = ?", noteID).Take(&note).Error; err != nil {
		testContext.Fatalf("expected note row to still exist: %v", err)
	}
	if note.DeletedAt == nil {
		testContext.Fatalf("expected note to be marked deleted")
	}
}

func TestDeleteCoordinatorHardDeleteRemovesEveryDocForTheNote(testContext *testing.T) {
	store := newTestStore(testContext)
	logEngine := NewLogEngine(store, zap.NewNop())
	ctx := context.Background()
	noteID := "note-hard-1"

	noteDoc := mustDocName(testContext, "note:"+noteID)
	panelDoc := mustDocName(testContext, "panel:"+noteID+":p1")

	if _, err := logEngine.Append(ctx, noteDoc, []byte{1}, ""); err != nil {
		testContext.Fatalf("append to note doc failed: %v", err)
	}
	if _, err := logEngine.Append(ctx, panelDoc, []byte{2}, ""); err != nil {
		testContext.Fatalf("append to panel doc failed: %v", err)
	}
	if err := store.DB(ctx).Create(&Note{ID: noteID}).Error; err != nil {
		testContext.Fatalf("failed to seed note: %v", err)
	}
	if err := store.DB(ctx).Create(&Panel{ID: "p1", NoteID: noteID}).Error; err != nil {
		testContext.Fatalf("failed to seed panel: %v", err)
	}

	coordinator := NewDeleteCoordinator(store, nil, zap.NewNop())
	if err := coordinator.HardDelete(ctx, noteID); err != nil {
		testContext.Fatalf("hard delete failed: %v", err)
	}

	if records, err := logEngine.ReadAll(ctx, noteDoc); err != nil || len(records) != 0 {
		testContext.Fatalf("expected note doc's updates to be gone, err=%v records=%v", err, records)
	}
	if records, err := logEngine.ReadAll(ctx, panelDoc); err != nil || len(records) != 0 {
		testContext.Fatalf("expected panel doc's updates to be gone, err=%v records=%v", err, records)
	}

	var noteCount int64
	store.DB(ctx).Model(&Note{}).Where("id = ?", noteID).Count(&noteCount)
	if noteCount != 0 {
		testContext.Fatalf("expected note row to be removed")
	}
	var panelCount int64
	store.DB(ctx).Model(&Panel{}).Where("note_id = ?", noteID).Count(&panelCount)
	if panelCount != 0 {
		testContext.Fatalf("expected panel rows to be removed")
	}
}

func TestDeleteCoordinatorHardDeleteRequiresNoteID(testContext *testing.T) {
	store := newTestStore(testContext)
	coordinator := NewDeleteCoordinator(store, nil, zap.NewNop())
	if err := coordinator.HardDelete(context.Background(), ""); err == nil {
		testContext.Fatalf("expected error for missing note id")
	}
}
