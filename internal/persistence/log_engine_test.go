package persistence

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLogEngineAppendAndReadAllOrdersByTimestampThenID(testContext *testing.T) {
	store := newTestStore(testContext)
	engine := NewLogEngine(store, zap.NewNop())
	doc := mustDocName(testContext, "note:engine-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := engine.Append(ctx, doc, []byte{byte(i)}, ""); err != nil {
			testContext.Fatalf("append %d failed: %v", i, err)
		}
	}

	records, err := engine.ReadAll(ctx, doc)
	if err != nil {
		testContext.Fatalf("read all failed: %v", err)
	}
	if len(records) != 3 {
		testContext.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, r := range records {
		if r.Payload[0] != byte(i) {
			testContext.Fatalf("expected record %d to have payload %d, got %d", i, i, r.Payload[0])
		}
	}
}

func TestLogEngineAppendRejectsEmptyPayload(testContext *testing.T) {
	store := newTestStore(testContext)
	engine := NewLogEngine(store, zap.NewNop())
	doc := mustDocName(testContext, "note:engine-2")

	_, err := engine.Append(context.Background(), doc, nil, "")
	if err == nil {
		testContext.Fatalf("expected error for empty payload")
	}
	if KindOf(err) != KindValidation {
		testContext.Fatalf("expected validation kind, got %v", KindOf(err))
	}
}

func TestLogEngineReadSinceExcludesOlderUpdates(testContext *testing.T) {
	store := newTestStore(testContext)
	engine := NewLogEngine(store, zap.NewNop())
	doc := mustDocName(testContext, "note:engine-3")
	ctx := context.Background()

	first, err := engine.Append(ctx, doc, []byte{1}, "")
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	if _, err := engine.Append(ctx, doc, []byte{2}, ""); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	since, err := engine.ReadSince(ctx, doc, first.Timestamp)
	if err != nil {
		testContext.Fatalf("read since failed: %v", err)
	}
	if len(since) != 1 || since[0].Payload[0] != 2 {
		testContext.Fatalf("expected only the second update, got %+v", since)
	}
}

func TestLogEngineStatsReportsCountAndSize(testContext *testing.T) {
	store := newTestStore(testContext)
	engine := NewLogEngine(store, zap.NewNop())
	doc := mustDocName(testContext, "note:engine-4")
	ctx := context.Background()

	if _, err := engine.Append(ctx, doc, []byte("abc"), ""); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	if _, err := engine.Append(ctx, doc, []byte("de"), ""); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	stats, err := engine.Stats(ctx, doc)
	if err != nil {
		testContext.Fatalf("stats failed: %v", err)
	}
	if stats.Count != 2 {
		testContext.Fatalf("expected count 2, got %d", stats.Count)
	}
	if stats.TotalSizeBytes != 5 {
		testContext.Fatalf("expected total size 5, got %d", stats.TotalSizeBytes)
	}
	if stats.OldestTimestamp == nil || stats.NewestTimestamp == nil {
		testContext.Fatalf("expected oldest/newest timestamps to be set")
	}
}
