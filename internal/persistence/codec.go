package persistence

import "github.com/dandytbermillo/annotation/internal/crdt"

// Codec is the opaque CRDT capability set spec.md §4.1 describes: merge,
// apply and encode primitives over update/snapshot blobs. Every engine in
// this package depends on the interface, not the concrete crdt package,
// the same way the teacher's Service depended on the IDProvider interface
// rather than a concrete UUID generator.
type Codec interface {
	NewDoc() *crdt.State
	Apply(state *crdt.State, blob []byte) error
	Encode(state *crdt.State) ([]byte, error)
	Merge(blobs [][]byte) ([]byte, error)
}

// DefaultCodec adapts the internal/crdt package's free functions to the
// Codec interface.
type DefaultCodec struct{}

// NewDoc returns a fresh empty CRDT document.
func (DefaultCodec) NewDoc() *crdt.State { return crdt.NewDoc() }

// Apply folds blob into state.
func (DefaultCodec) Apply(state *crdt.State, blob []byte) error { return crdt.Apply(state, blob) }

// Encode produces a full-state snapshot blob.
func (DefaultCodec) Encode(state *crdt.State) ([]byte, error) { return crdt.Encode(state) }

// Merge combines several update blobs into one.
func (DefaultCodec) Merge(blobs [][]byte) ([]byte, error) { return crdt.Merge(blobs) }
