// Package lsm wraps the log-structured merge-tree the value log hangs off.
//
// The engine above needs a few things an off-the-shelf LSM does not expose
// directly: every entry carries a value-type tag (inline value, value handle
// or deletion), batch commits can be gated by a caller-supplied callback that
// runs under the commit lock, and snapshots expose the commit sequence they
// observe. Store provides that surface on top of pebble.
package lsm

import "github.com/pkg/errors"

// ErrNotFound is returned by point reads for absent or deleted keys.
var ErrNotFound = errors.New("lsm: not found")

// ValueType tags every LSM entry. Handle entries carry an encoded value
// handle as their LSM value; reads surface the tag so callers know how to
// interpret the bytes.
type ValueType uint8

const (
	TypeDeletion ValueType = iota
	TypeInline
	TypeHandle
)

// Getter is the read surface handed to write callbacks. Reads issued through
// it observe the latest committed state.
type Getter interface {
	Get(key []byte) (value []byte, vt ValueType, err error)
}

// WriteCallback gates a batch commit. Callback runs while the commit lock is
// held; a non-nil error drops the batch without applying it.
type WriteCallback interface {
	Callback(g Getter) error

	// AllowGrouping reports whether the batch may be group-committed with
	// other writers. Callbacks that compare-and-swap on the pre-commit state
	// must return false so each commit is independently gated.
	AllowGrouping() bool
}

// BatchEntry is one operation inside a Batch.
type BatchEntry struct {
	Key   []byte
	Value []byte
	Kind  ValueType
}

// Batch is an ordered set of writes applied atomically.
type Batch struct {
	entries []BatchEntry
}

func NewBatch() *Batch {
	return &Batch{}
}

// Put appends a tagged put. The tag distinguishes inline values from encoded
// value handles.
func (b *Batch) Put(key, value []byte, vt ValueType) {
	b.entries = append(b.entries, BatchEntry{Key: key, Value: value, Kind: vt})
}

func (b *Batch) Delete(key []byte) {
	b.entries = append(b.entries, BatchEntry{Key: key, Kind: TypeDeletion})
}

func (b *Batch) Len() int {
	return len(b.entries)
}

// Entries exposes the batch contents. The returned slice shares the batch's
// backing array; callers may fill in values reserved earlier.
func (b *Batch) Entries() []BatchEntry {
	return b.entries
}
