// Package crdt is the opaque CRDT codec spec.md treats as an external
// collaborator (§4.1): Merge, Apply, Encode and NewDoc are the only
// primitives the persistence core needs. The sequence CRDT implemented here
// is a small RGA (replicated growable array) — the same shape shown in the
// retrieved reference implementations (ID{Replica,Counter} tie-broken
// insertion order, tombstoned deletes, DFS rendering) — reimplemented
// locally because no third-party Go CRDT library ships in the example
// corpus. Nothing outside this package inspects an update or snapshot blob.
package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// CodecError is returned when a blob is too malformed to decode. Callers
// treat it as non-retryable per §4.1.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("crdt: %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

func codecErr(op string, err error) error {
	return &CodecError{Op: op, Err: err}
}

// ID identifies one inserted element by the replica that minted it and that
// replica's local counter at the time.
type ID struct {
	Replica string
	Counter int64
}

func (a ID) less(b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Replica < b.Replica
}

type element struct {
	id      ID
	value   rune
	visible bool
}

// State is an in-memory CRDT document. Callers obtain one via NewDoc and
// fold updates into it with Apply; it is never accessed concurrently by
// this package's callers (the Batching Writer and Compaction Engine each
// hold their own).
type State struct {
	elems    map[ID]element
	children map[ID][]ID
	head     ID
	pending  map[ID][]op // inserts held until their parent is applied
}

var headID = ID{Replica: "HEAD", Counter: 0}

// NewDoc returns a fresh, empty CRDT document.
func NewDoc() *State {
	s := &State{
		elems:    make(map[ID]element),
		children: make(map[ID][]ID),
		head:     headID,
	}
	s.elems[s.head] = element{id: s.head, visible: false}
	return s
}

// Text renders the document's currently-visible characters in sequence
// order. It exists for tests and diagnostics; the persistence core never
// needs to interpret document contents.
func (s *State) Text() string {
	var b bytes.Buffer
	s.walk(s.head, &b)
	return b.String()
}

func (s *State) walk(parent ID, b *bytes.Buffer) {
	for _, id := range s.children[parent] {
		e := s.elems[id]
		if e.visible {
			b.WriteRune(e.value)
		}
		s.walk(id, b)
	}
}

type opKind byte

const (
	opInsert opKind = 1
	opDelete opKind = 2
)

type op struct {
	kind   opKind
	id     ID
	parent ID
	value  rune
}

func (s *State) applyOp(o op) {
	switch o.kind {
	case opInsert:
		s.applyInsert(o)
	case opDelete:
		s.applyDelete(o.id)
	}
}

func (s *State) applyInsert(o op) {
	if _, exists := s.elems[o.id]; exists {
		return
	}
	if _, ok := s.elems[o.parent]; !ok {
		// Parent not seen yet: hold the insert until its parent is applied,
		// so the resulting document does not depend on the order blobs are
		// applied in. A held insert is not part of Text or Encode until then.
		if s.pending == nil {
			s.pending = make(map[ID][]op)
		}
		s.pending[o.parent] = append(s.pending[o.parent], o)
		return
	}
	s.elems[o.id] = element{id: o.id, value: o.value, visible: true}
	s.children[o.parent] = insertSorted(s.children[o.parent], o.id)
	waiting := s.pending[o.id]
	delete(s.pending, o.id)
	for _, child := range waiting {
		s.applyInsert(child)
	}
}

func (s *State) applyDelete(target ID) {
	e, ok := s.elems[target]
	if !ok || !e.visible {
		return
	}
	e.visible = false
	s.elems[target] = e
}

func insertSorted(ids []ID, x ID) []ID {
	pos := sort.Search(len(ids), func(i int) bool {
		return !ids[i].less(x)
	})
	ids = append(ids, ID{})
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = x
	return ids
}

// --- wire format ---
//
// An update blob is a sequence of ops: [opCount:uint32][op...]
// op = [kind:byte][idReplicaLen:uint16][idReplica][idCounter:int64]
//      insert-only: [parentReplicaLen:uint16][parentReplica][parentCounter:int64][value:int32]
//
// A snapshot blob is the full element/children table:
// [magic:uint32 = snapshotMagic][elemCount:uint32][elem...] where
// elem = [replicaLen:uint16][replica][counter:int64][visible:byte][value:int32]
//        [parentReplicaLen:uint16][parentReplica][parentCounter:int64]
// Elements are written sorted by (counter, replica), the same order
// insertSorted uses, so Encode is byte-deterministic for a given
// document state.

func writeID(w *bytes.Buffer, id ID) {
	binary.Write(w, binary.BigEndian, uint16(len(id.Replica)))
	w.WriteString(id.Replica)
	binary.Write(w, binary.BigEndian, id.Counter)
}

func readID(r *bytes.Reader) (ID, error) {
	var replicaLen uint16
	if err := binary.Read(r, binary.BigEndian, &replicaLen); err != nil {
		return ID{}, err
	}
	replicaBytes := make([]byte, replicaLen)
	if _, err := io.ReadFull(r, replicaBytes); err != nil {
		return ID{}, err
	}
	var counter int64
	if err := binary.Read(r, binary.BigEndian, &counter); err != nil {
		return ID{}, err
	}
	return ID{Replica: string(replicaBytes), Counter: counter}, nil
}

func encodeOps(ops []op) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(len(ops)))
	for _, o := range ops {
		buf.WriteByte(byte(o.kind))
		writeID(&buf, o.id)
		if o.kind == opInsert {
			writeID(&buf, o.parent)
			binary.Write(&buf, binary.BigEndian, int32(o.value))
		}
	}
	return buf.Bytes()
}

func decodeOps(blob []byte) ([]op, error) {
	r := bytes.NewReader(blob)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	ops := make([]op, 0, count)
	for i := uint32(0); i < count; i++ {
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		id, err := readID(r)
		if err != nil {
			return nil, err
		}
		o := op{kind: opKind(kindByte), id: id}
		if o.kind == opInsert {
			parent, err := readID(r)
			if err != nil {
				return nil, err
			}
			var value int32
			if err := binary.Read(r, binary.BigEndian, &value); err != nil {
				return nil, err
			}
			o.parent = parent
			o.value = rune(value)
		} else if o.kind != opDelete {
			return nil, errors.New("unknown op kind")
		}
		ops = append(ops, o)
	}
	return ops, nil
}

// Apply folds blob (either a delta produced by Merge/op-encoding, or a full
// snapshot produced by Encode) into state, returning a CodecError if blob is
// malformed.
func Apply(state *State, blob []byte) error {
	if state == nil {
		return codecErr("apply", errors.New("nil state"))
	}
	if len(blob) == 0 {
		return nil
	}
	if snapshotElems, ok, err := tryDecodeSnapshot(blob); err != nil {
		return codecErr("apply", err)
	} else if ok {
		applySnapshotElems(state, snapshotElems)
		return nil
	}
	ops, err := decodeOps(blob)
	if err != nil {
		return codecErr("apply", err)
	}
	for _, o := range ops {
		state.applyOp(o)
	}
	return nil
}

type snapshotElem struct {
	id      ID
	value   rune
	visible bool
	parent  ID
}

const snapshotMagic uint32 = 0x53504400 // "SPD\0"

func tryDecodeSnapshot(blob []byte) ([]snapshotElem, bool, error) {
	r := bytes.NewReader(blob)
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, false, nil
	}
	if magic != snapshotMagic {
		return nil, false, nil
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, true, err
	}
	elems := make([]snapshotElem, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := readID(r)
		if err != nil {
			return nil, true, err
		}
		visibleByte, err := r.ReadByte()
		if err != nil {
			return nil, true, err
		}
		var value int32
		if err := binary.Read(r, binary.BigEndian, &value); err != nil {
			return nil, true, err
		}
		parent, err := readID(r)
		if err != nil {
			return nil, true, err
		}
		elems = append(elems, snapshotElem{id: id, value: rune(value), visible: visibleByte == 1, parent: parent})
	}
	return elems, true, nil
}

func applySnapshotElems(state *State, elems []snapshotElem) {
	// Two passes: materialize every element first so parent lookups never
	// miss due to encode order, then link children.
	for _, e := range elems {
		if e.id == state.head {
			continue
		}
		if _, exists := state.elems[e.id]; !exists {
			state.elems[e.id] = element{id: e.id, value: e.value, visible: e.visible}
		}
	}
	for _, e := range elems {
		if e.id == state.head {
			continue
		}
		if _, ok := state.elems[e.parent]; !ok {
			continue
		}
		alreadyLinked := false
		for _, child := range state.children[e.parent] {
			if child == e.id {
				alreadyLinked = true
				break
			}
		}
		if !alreadyLinked {
			state.children[e.parent] = insertSorted(state.children[e.parent], e.id)
		}
	}
}

// Encode produces a full-state blob suitable as a snapshot.
func Encode(state *State) ([]byte, error) {
	if state == nil {
		return nil, codecErr("encode", errors.New("nil state"))
	}
	parentOf := make(map[ID]ID, len(state.elems))
	for parent, kids := range state.children {
		for _, kid := range kids {
			parentOf[kid] = parent
		}
	}

	ids := make([]ID, 0, len(state.elems))
	for id := range state.elems {
		if id == state.head {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].less(ids[j]) })

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, snapshotMagic)
	binary.Write(&buf, binary.BigEndian, uint32(len(ids)))
	for _, id := range ids {
		e := state.elems[id]
		writeID(&buf, id)
		if e.visible {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		binary.Write(&buf, binary.BigEndian, int32(e.value))
		parent, ok := parentOf[id]
		if !ok {
			parent = state.head
		}
		writeID(&buf, parent)
	}
	return buf.Bytes(), nil
}

// Merge combines multiple update blobs into one semantically equivalent,
// typically smaller blob. Inputs may be delta blobs or snapshot blobs (or a
// mix, e.g. a base snapshot plus subsequent deltas); the result is always a
// delta blob replaying the same ops against a fresh document. Merge never
// reorders visible-insert-before-delete semantics because the underlying
// CRDT is order-independent (§4.1) — duplicate/contradictory ops for the
// same ID simply collapse to their final state.
func Merge(blobs [][]byte) ([]byte, error) {
	if len(blobs) == 0 {
		return nil, nil
	}
	scratch := NewDoc()
	seenInsert := make(map[ID]op)
	var insertOrder []ID
	deleted := make(map[ID]bool)

	for _, blob := range blobs {
		if len(blob) == 0 {
			continue
		}
		if snapshotElems, ok, err := tryDecodeSnapshot(blob); err != nil {
			return nil, codecErr("merge", err)
		} else if ok {
			for _, e := range snapshotElems {
				if e.id == scratch.head {
					continue
				}
				if _, exists := seenInsert[e.id]; !exists {
					seenInsert[e.id] = op{kind: opInsert, id: e.id, parent: e.parent, value: e.value}
					insertOrder = append(insertOrder, e.id)
				}
				if !e.visible {
					deleted[e.id] = true
				}
			}
			continue
		}
		ops, err := decodeOps(blob)
		if err != nil {
			return nil, codecErr("merge", err)
		}
		for _, o := range ops {
			switch o.kind {
			case opInsert:
				if _, exists := seenInsert[o.id]; !exists {
					seenInsert[o.id] = o
					insertOrder = append(insertOrder, o.id)
				}
			case opDelete:
				deleted[o.id] = true
			}
		}
	}

	merged := make([]op, 0, len(insertOrder)+len(deleted))
	for _, id := range insertOrder {
		merged = append(merged, seenInsert[id])
	}
	for id := range deleted {
		merged = append(merged, op{kind: opDelete, id: id})
	}
	return encodeOps(merged), nil
}

// NewInsert mints an insert op for value appended after parent, encoded as a
// single-op delta blob. Exposed for producers (and tests) that need to
// construct update blobs without a full editing surface.
func NewInsert(replica string, counter int64, parentReplica string, parentCounter int64, value rune) []byte {
	o := op{
		kind:   opInsert,
		id:     ID{Replica: replica, Counter: counter},
		parent: ID{Replica: parentReplica, Counter: parentCounter},
		value:  value,
	}
	return encodeOps([]op{o})
}

// HeadID is the sentinel parent id representing the start of the document.
func HeadID() (replica string, counter int64) {
	return headID.Replica, headID.Counter
}

// NewDelete mints a delete op for the element identified by
// (replica, counter), encoded as a single-op delta blob.
func NewDelete(replica string, counter int64) []byte {
	o := op{kind: opDelete, id: ID{Replica: replica, Counter: counter}}
	return encodeOps([]op{o})
}
