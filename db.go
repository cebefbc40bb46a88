// Package wisckey implements a value-separated storage engine: large values
// live in append-only value log files, while the LSM index stores a small
// fixed-size handle in their place. Reads transparently follow handles back
// to the value log and a background garbage collector reclaims space from
// files whose entries have been overwritten or deleted.
package wisckey

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/kabu1204/wisckey/lsm"
	"github.com/kabu1204/wisckey/record"
	"github.com/kabu1204/wisckey/util"
	"github.com/pkg/errors"
)

const lsmSubdir = "lsm"

// DB is the database façade. It splits incoming batches between the LSM and
// the value log, dereferences handles on reads and exposes GC controls.
type DB struct {
	dirname string
	opts    Options

	store *lsm.Store
	vlog  *valueLog

	// writeMu serializes the write path: the value log assumes a single
	// logical writer.
	writeMu sync.Mutex
	closed  util.AtomicBool
}

// Snapshot pins a consistent view of the database. Value log files its
// handles reference are retained until the snapshot is released.
type Snapshot struct {
	snap *lsm.Snapshot
}

// WriteBatch collects user operations for one atomic Write.
type WriteBatch struct {
	entries []writeBatchEntry
}

type writeBatchEntry struct {
	key      []byte
	value    []byte
	deletion bool
}

func NewWriteBatch() *WriteBatch {
	return &WriteBatch{}
}

func (b *WriteBatch) Put(key, value []byte) {
	b.entries = append(b.entries, writeBatchEntry{key: key, value: value})
}

func (b *WriteBatch) Delete(key []byte) {
	b.entries = append(b.entries, writeBatchEntry{key: key, deletion: true})
}

func (b *WriteBatch) Len() int {
	return len(b.entries)
}

// Open opens (creating if allowed) a database under dirname.
func Open(opts Options, dirname string) (*DB, error) {
	opts = opts.withDefaults()
	if !opts.CreateIfMissing {
		if _, err := os.Stat(dirname); os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrInvalidArgument, "%s does not exist", dirname)
		}
	}
	if err := util.MakeDirIfNotExists(dirname); err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}

	store, err := lsm.Open(filepath.Join(dirname, lsmSubdir), opts.CreateIfMissing)
	if err != nil {
		return nil, err
	}
	vlog, err := openValueLog(opts, dirname, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &DB{
		dirname: dirname,
		opts:    opts,
		store:   store,
		vlog:    vlog,
	}, nil
}

// Close waits out any running GC, seals the active value log file and shuts
// the LSM down.
func (db *DB) Close() error {
	if db.closed.Get() {
		return nil
	}
	db.closed.Set()
	err := db.vlog.close()
	if cerr := db.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Put writes a single key/value pair.
func (db *DB) Put(wo WriteOptions, key, value []byte) error {
	b := NewWriteBatch()
	b.Put(key, value)
	return db.Write(wo, b)
}

// Delete removes a key.
func (db *DB) Delete(wo WriteOptions, key []byte) error {
	b := NewWriteBatch()
	b.Delete(key)
	return db.Write(wo, b)
}

// Write applies a batch atomically.
func (db *DB) Write(wo WriteOptions, batch *WriteBatch) error {
	return db.WriteWithCallback(wo, batch, nil)
}

// WriteWithCallback additionally gates the LSM commit on cb, which runs
// under the commit lock.
//
// Large values are appended to the value log and synced before the LSM
// commit, so a handle can never be observed before the bytes it references
// are durable. If the LSM commit fails afterwards, the appended bytes are
// unreferenced garbage that GC or recovery reclaims.
func (db *DB) WriteWithCallback(wo WriteOptions, batch *WriteBatch, cb lsm.WriteCallback) error {
	if db.closed.Get() {
		return ErrClosed
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	small, vb, slots := db.divideWriteBatch(batch)
	if !vb.Empty() {
		if err := db.vlog.write(vb, true); err != nil {
			return err
		}
		entries := small.Entries()
		for i, h := range vb.Handles() {
			entries[slots[i]].Value = record.AppendHandle(nil, h)
		}
	}
	return db.store.Apply(small, wo.Sync, cb)
}

// divideWriteBatch splits the user batch: deletions and small values go to
// the LSM batch directly; large values are staged in a value batch, with a
// slot reserved in the LSM batch for the handle each will produce.
func (db *DB) divideWriteBatch(batch *WriteBatch) (*lsm.Batch, *ValueBatch, []int) {
	small := lsm.NewBatch()
	vb := NewValueBatch()
	var slots []int
	for _, e := range batch.entries {
		switch {
		case e.deletion:
			small.Delete(e.key)
		case len(e.value) < db.opts.BlobValueSizeThreshold:
			small.Put(e.key, e.value, lsm.TypeInline)
		default:
			vb.Put(e.key, e.value)
			small.Put(e.key, nil, lsm.TypeHandle)
			slots = append(slots, small.Len()-1)
		}
	}
	return small, vb, slots
}

// Get returns the value last written for key, following a value handle into
// the value log when necessary.
func (db *DB) Get(ro ReadOptions, key []byte) ([]byte, error) {
	if db.closed.Get() {
		return nil, ErrClosed
	}
	var (
		value []byte
		vt    lsm.ValueType
		err   error
	)
	if ro.Snapshot != nil {
		value, vt, err = ro.Snapshot.snap.Get(key)
	} else {
		value, vt, err = db.store.Get(key)
	}
	if err != nil {
		if errors.Is(err, lsm.ErrNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "key %q", key)
		}
		return nil, err
	}
	switch vt {
	case lsm.TypeInline:
		return value, nil
	case lsm.TypeHandle:
		h, _, err := record.DecodeHandle(value)
		if err != nil {
			return nil, err
		}
		return db.vlog.get(h)
	default:
		return nil, corruptf("unexpected value type %d for key %q", vt, key)
	}
}

// GetSnapshot pins the current state.
func (db *DB) GetSnapshot() *Snapshot {
	return &Snapshot{snap: db.store.NewSnapshot()}
}

// ReleaseSnapshot releases a snapshot; obsolete value log files it kept
// readable become eligible for removal.
func (db *DB) ReleaseSnapshot(s *Snapshot) {
	s.snap.Close()
}

// SyncLSM makes the LSM write-ahead log durable.
func (db *DB) SyncLSM() error {
	return db.store.Sync()
}

// CompactRange manually compacts the LSM over the given key range.
func (db *DB) CompactRange(start, end []byte) error {
	return db.store.Compact(start, end)
}

// ManualGC schedules a garbage collection starting from the given file
// number. Use WaitVLogGC to observe completion.
func (db *DB) ManualGC(number uint64) {
	db.vlog.manualGCAt(number)
}

// WaitVLogGC blocks until no garbage collection is running.
func (db *DB) WaitVLogGC() {
	db.vlog.waitGC()
}

// VLogBGError returns the status of the most recent background GC run.
// NonFatal statuses do not suppress future runs.
func (db *DB) VLogBGError() error {
	return db.vlog.backgroundError()
}

// RemoveObsoleteBlob physically removes obsolete value log files no live
// snapshot can still observe.
func (db *DB) RemoveObsoleteBlob() {
	db.vlog.removeObsoleteFiles()
}

// DebugString dumps the value log state for diagnostics.
func (db *DB) DebugString() string {
	return db.vlog.debugString()
}

// Metrics is a point-in-time summary of the value log.
type Metrics struct {
	LiveFiles        int
	ObsoleteFiles    int
	ActiveFileNumber uint64
	ActiveFileSize   uint32
	GCRuns           uint64
	GCRewrites       uint64
}

func (db *DB) Metrics() Metrics {
	v := db.vlog
	v.mu.RLock()
	m := Metrics{
		LiveFiles:     len(v.version.liveFiles),
		ObsoleteFiles: len(v.version.obsoleteFiles),
	}
	if v.rwfile != nil {
		m.ActiveFileNumber = v.rwfile.fileNumber()
		m.ActiveFileSize = v.rwfile.fileSize()
	}
	v.mu.RUnlock()
	m.GCRuns = v.gcRuns.Get()
	m.GCRewrites = v.gcRewrites.Get()
	return m
}
