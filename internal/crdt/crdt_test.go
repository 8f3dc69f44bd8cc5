package crdt

import "testing"

func TestApplyInsertAndDeleteRendersText(testContext *testing.T) {
	state := NewDoc()
	headReplica, headCounter := HeadID()

	insertH := NewInsert("r1", 1, headReplica, headCounter, 'h')
	if err := Apply(state, insertH); err != nil {
		testContext.Fatalf("apply insert h failed: %v", err)
	}
	insertI := NewInsert("r1", 2, "r1", 1, 'i')
	if err := Apply(state, insertI); err != nil {
		testContext.Fatalf("apply insert i failed: %v", err)
	}
	if got := state.Text(); got != "hi" {
		testContext.Fatalf("expected %q, got %q", "hi", got)
	}

	deleteH := NewDelete("r1", 1)
	if err := Apply(state, deleteH); err != nil {
		testContext.Fatalf("apply delete failed: %v", err)
	}
	if got := state.Text(); got != "i" {
		testContext.Fatalf("expected %q after delete, got %q", "i", got)
	}
}

func TestApplyIsOrderIndependent(testContext *testing.T) {
	headReplica, headCounter := HeadID()
	insertH := NewInsert("r1", 1, headReplica, headCounter, 'h')
	insertI := NewInsert("r1", 2, "r1", 1, 'i')

	forward := NewDoc()
	if err := Apply(forward, insertH); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	if err := Apply(forward, insertI); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	backward := NewDoc()
	if err := Apply(backward, insertI); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	if err := Apply(backward, insertH); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	if forward.Text() != backward.Text() {
		testContext.Fatalf("expected order-independent result, got %q vs %q", forward.Text(), backward.Text())
	}
}

func TestEncodeRoundTripsThroughApply(testContext *testing.T) {
	headReplica, headCounter := HeadID()
	state := NewDoc()
	if err := Apply(state, NewInsert("r1", 1, headReplica, headCounter, 'h')); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	if err := Apply(state, NewInsert("r1", 2, "r1", 1, 'i')); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	encoded, err := Encode(state)
	if err != nil {
		testContext.Fatalf("encode failed: %v", err)
	}

	restored := NewDoc()
	if err := Apply(restored, encoded); err != nil {
		testContext.Fatalf("apply snapshot failed: %v", err)
	}
	if restored.Text() != state.Text() {
		testContext.Fatalf("expected snapshot round trip to preserve text, got %q want %q", restored.Text(), state.Text())
	}
}

func TestMergeCoalescesDuplicateInsertsAndDeletes(testContext *testing.T) {
	headReplica, headCounter := HeadID()
	blobA := NewInsert("r1", 1, headReplica, headCounter, 'h')
	blobB := NewInsert("r1", 2, "r1", 1, 'i')
	blobC := NewDelete("r1", 1)

	merged, err := Merge([][]byte{blobA, blobB, blobC})
	if err != nil {
		testContext.Fatalf("merge failed: %v", err)
	}

	state := NewDoc()
	if err := Apply(state, merged); err != nil {
		testContext.Fatalf("apply merged blob failed: %v", err)
	}
	if got := state.Text(); got != "i" {
		testContext.Fatalf("expected %q, got %q", "i", got)
	}
}

func TestMergeAcceptsMixedSnapshotAndDeltaInputs(testContext *testing.T) {
	headReplica, headCounter := HeadID()
	base := NewDoc()
	if err := Apply(base, NewInsert("r1", 1, headReplica, headCounter, 'h')); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	snapshot, err := Encode(base)
	if err != nil {
		testContext.Fatalf("encode failed: %v", err)
	}
	delta := NewInsert("r1", 2, "r1", 1, 'i')

	merged, err := Merge([][]byte{snapshot, delta})
	if err != nil {
		testContext.Fatalf("merge failed: %v", err)
	}

	state := NewDoc()
	if err := Apply(state, merged); err != nil {
		testContext.Fatalf("apply merged blob failed: %v", err)
	}
	if got := state.Text(); got != "hi" {
		testContext.Fatalf("expected %q, got %q", "hi", got)
	}
}

func TestApplyMalformedBlobReturnsCodecError(testContext *testing.T) {
	state := NewDoc()
	err := Apply(state, []byte{0xff, 0xff})
	if err == nil {
		testContext.Fatalf("expected error for truncated blob")
	}
	var codecErr *CodecError
	if !asCodecError(err, &codecErr) {
		testContext.Fatalf("expected *CodecError, got %T", err)
	}
}

func asCodecError(err error, target **CodecError) bool {
	ce, ok := err.(*CodecError)
	if !ok {
		return false
	}
	*target = ce
	return true
}
