package lsm

import (
	"io"
	"math"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// Store adapts pebble to the contract the value log engine needs. Values are
// stored with a one-byte type tag prefix; deletions are pebble deletions.
//
// Commits are serialized by an internal mutex so that a WriteCallback
// observes exactly the state its batch will be applied on. The store keeps
// its own commit sequence, advanced once per applied entry, which snapshots
// capture at creation; the value log uses these sequences to decide when an
// obsolete file is safe to remove.
type Store struct {
	db *pebble.DB

	commitMu sync.Mutex

	seqMu sync.Mutex // guards seq and the snapshot registry together
	seq   uint64
	snaps map[*Snapshot]uint64
}

// Open opens (or creates) the LSM under dir.
func Open(dir string, createIfMissing bool) (*Store, error) {
	opts := &pebble.Options{
		ErrorIfNotExists: !createIfMissing,
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrap(err, "lsm: open")
	}
	return &Store{
		db:    db,
		snaps: make(map[*Snapshot]uint64),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored bytes and tag for key.
func (s *Store) Get(key []byte) ([]byte, ValueType, error) {
	return get(s.db, key)
}

// Apply commits the batch. If cb is non-nil its Callback runs under the
// commit lock first; a callback error drops the batch and is returned
// unwrapped so callers can classify it.
func (s *Store) Apply(b *Batch, sync bool, cb WriteCallback) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if cb != nil {
		if err := cb.Callback(s); err != nil {
			return err
		}
	}

	pb := s.db.NewBatch()
	defer pb.Close()
	for _, e := range b.Entries() {
		var err error
		switch e.Kind {
		case TypeDeletion:
			err = pb.Delete(e.Key, nil)
		default:
			err = pb.Set(e.Key, tagValue(e.Kind, e.Value), nil)
		}
		if err != nil {
			return errors.Wrap(err, "lsm: batch")
		}
	}

	wo := pebble.NoSync
	if sync {
		wo = pebble.Sync
	}
	if err := s.db.Apply(pb, wo); err != nil {
		return errors.Wrap(err, "lsm: apply")
	}

	s.seqMu.Lock()
	s.seq += uint64(b.Len())
	s.seqMu.Unlock()
	return nil
}

// MarkSequenceUsed bumps the commit sequence to at least seq. The value log
// calls it during recovery with the last sequence its manifest recorded, so
// obsoletion sequences from earlier runs stay comparable.
func (s *Store) MarkSequenceUsed(seq uint64) {
	s.seqMu.Lock()
	if seq > s.seq {
		s.seq = seq
	}
	s.seqMu.Unlock()
}

// LatestSequence returns the sequence of the most recent committed entry.
func (s *Store) LatestSequence() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.seq
}

// OldestSnapshotSequence returns the smallest sequence still observed by an
// open snapshot, or MaxUint64 when none is open.
func (s *Store) OldestSnapshotSequence() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	oldest := uint64(math.MaxUint64)
	for _, seq := range s.snaps {
		if seq < oldest {
			oldest = seq
		}
	}
	return oldest
}

// NewSnapshot pins the current state and sequence.
func (s *Store) NewSnapshot() *Snapshot {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	snap := &Snapshot{
		store: s,
		snap:  s.db.NewSnapshot(),
		seq:   s.seq,
	}
	s.snaps[snap] = snap.seq
	return snap
}

// Sync makes the WAL durable up to the latest commit.
func (s *Store) Sync() error {
	return errors.Wrap(s.db.LogData(nil, pebble.Sync), "lsm: sync")
}

// Compact manually compacts the given key range.
func (s *Store) Compact(start, end []byte) error {
	return s.db.Compact(start, end, false)
}

// Flush flushes the memtable; used by tests that want stable on-disk state.
func (s *Store) Flush() error {
	return s.db.Flush()
}

// NewIter returns an iterator over the latest state, or over snap when
// non-nil.
func (s *Store) NewIter(snap *Snapshot) (*Iterator, error) {
	var it *pebble.Iterator
	var err error
	if snap != nil {
		it, err = snap.snap.NewIter(&pebble.IterOptions{})
	} else {
		it, err = s.db.NewIter(&pebble.IterOptions{})
	}
	if err != nil {
		return nil, errors.Wrap(err, "lsm: iterator")
	}
	return &Iterator{it: it}, nil
}

// Snapshot is a consistent read-only view plus the commit sequence it
// observes.
type Snapshot struct {
	store *Store
	snap  *pebble.Snapshot
	seq   uint64
}

func (sn *Snapshot) Sequence() uint64 {
	return sn.seq
}

func (sn *Snapshot) Get(key []byte) ([]byte, ValueType, error) {
	return get(sn.snap, key)
}

func (sn *Snapshot) Close() error {
	sn.store.seqMu.Lock()
	delete(sn.store.snaps, sn)
	sn.store.seqMu.Unlock()
	return sn.snap.Close()
}

// Iterator walks LSM entries in key order, exposing the value-type tag of
// each entry. Deletions are already hidden by the LSM.
type Iterator struct {
	it *pebble.Iterator
}

func (i *Iterator) First() bool { return i.it.First() }
func (i *Iterator) Last() bool  { return i.it.Last() }
func (i *Iterator) Next() bool  { return i.it.Next() }
func (i *Iterator) Prev() bool  { return i.it.Prev() }
func (i *Iterator) Valid() bool { return i.it.Valid() }

// Key returns the current key. The slice is only valid until the iterator
// moves.
func (i *Iterator) Key() []byte {
	return i.it.Key()
}

// Value returns the current tagged value. The slice is only valid until the
// iterator moves.
func (i *Iterator) Value() ([]byte, ValueType, error) {
	raw := i.it.Value()
	if len(raw) == 0 {
		return nil, TypeInline, errors.Wrap(ErrNotFound, "empty lsm value")
	}
	return raw[1:], ValueType(raw[0]), nil
}

func (i *Iterator) Err() error {
	return i.it.Error()
}

func (i *Iterator) Close() error {
	return i.it.Close()
}

func tagValue(vt ValueType, value []byte) []byte {
	buf := make([]byte, 1+len(value))
	buf[0] = byte(vt)
	copy(buf[1:], value)
	return buf
}

type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func get(g getter, key []byte) ([]byte, ValueType, error) {
	raw, closer, err := g.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, TypeInline, ErrNotFound
		}
		return nil, TypeInline, errors.Wrap(err, "lsm: get")
	}
	defer closer.Close()
	if len(raw) == 0 {
		return nil, TypeInline, errors.New("lsm: empty stored value")
	}
	value := make([]byte, len(raw)-1)
	copy(value, raw[1:])
	return value, ValueType(raw[0]), nil
}
