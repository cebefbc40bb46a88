package wisckey

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kabu1204/wisckey/lsm"
	"github.com/kabu1204/wisckey/record"
	"github.com/kabu1204/wisckey/util"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// valueLog owns every value log file of one database: the active file being
// appended, the read-only set, the manifest that tracks them, the file cache
// and the garbage collector.
//
// Concurrency contract: one logical writer (the DB serializes writes), many
// readers, one GC task. mu guards the version state (live files, obsolete
// ledger, pending outputs, file numbering, active file pointer, manifest);
// gcMu guards GC scheduling state only.
type valueLog struct {
	dirname string
	opts    Options
	logger  Logger
	db      *lsm.Store

	mu             sync.RWMutex
	fileNumber     uint64 // current maximum allocated file number
	rwfile         *vlogRWFile
	version        *blobVersion
	pendingOutputs map[uint64]struct{}
	manifest       *manifestWriter
	manifestNumber uint64

	cache *fileCache

	gcMu           sync.Mutex
	gcCond         *sync.Cond
	bgGC           bool
	gcLastRun      time.Time
	bgErr          error
	manualGC       bool
	manualGCNumber uint64
	gcPointer      uint64
	gcRuns         util.AtomicUint64
	gcRewrites     util.AtomicUint64

	shutdown   util.AtomicBool
	tickerDone chan struct{}
	tickerWG   sync.WaitGroup

	// Failure injection for crash-consistency tests; nil in production.
	hookAfterCollect      func()
	hookAfterValueRewrite func() error
	hookAfterLSMRewrite   func() error
}

// openValueLog recovers (or initializes) the value log under dirname and
// starts the GC scheduler.
func openValueLog(opts Options, dirname string, db *lsm.Store) (*valueLog, error) {
	v := &valueLog{
		dirname:        dirname,
		opts:           opts,
		logger:         opts.Logger,
		db:             db,
		version:        newBlobVersion(),
		pendingOutputs: make(map[uint64]struct{}),
		cache:          newFileCache(dirname, opts.BlobFileCacheCapacity),
		tickerDone:     make(chan struct{}),
	}
	v.gcCond = sync.NewCond(&v.gcMu)
	v.gcLastRun = time.Now()

	if err := v.recover(); err != nil {
		return nil, err
	}

	v.tickerWG.Add(1)
	go v.gcTicker()
	return v, nil
}

// recover replays the manifest, reconciles it with the files actually on
// disk and resumes the active file at its valid prefix.
func (v *valueLog) recover() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	manifestNumber, haveCurrent, err := readCurrent(v.dirname)
	if err != nil {
		return err
	}
	// recordedNext is the file-number counter as of the last persisted edit.
	// Files numbered at or above it can only be outputs of a crashed GC;
	// every edit stamps the counter, and the active file is always numbered
	// below the stamp that followed its creation.
	recordedNext := uint64(1)
	if haveCurrent {
		next, lastSequence, err := replayManifest(v.dirname, manifestNumber, v.version)
		if err != nil {
			return err
		}
		if next > 0 {
			recordedNext = next
			v.markFileNumberUsed(next - 1)
		}
		v.db.MarkSequenceUsed(lastSequence)
		v.manifestNumber = manifestNumber
		if v.manifest, err = openManifestForAppend(v.dirname, manifestNumber); err != nil {
			return err
		}
	} else {
		v.manifestNumber = 1
		snapshot := v.version.snapshotEdit(1)
		snapshot.setLastSequence(v.db.LatestSequence())
		if v.manifest, err = createManifest(v.dirname, 1, snapshot); err != nil {
			return err
		}
	}

	names, err := util.ListDir(v.dirname, vlogFileExt)
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	onDisk := make([]uint64, 0, len(names))
	for _, name := range names {
		if number, ok := parseVLogFileName(name); ok {
			onDisk = append(onDisk, number)
			v.markFileNumberUsed(number)
		}
	}
	sort.Slice(onDisk, func(i, j int) bool { return onDisk[i] < onDisk[j] })

	// Obsolete entries whose file is already gone need no further tracking.
	present := make(map[uint64]struct{}, len(onDisk))
	for _, number := range onDisk {
		present[number] = struct{}{}
	}
	for number := range v.version.obsoleteFiles {
		if _, ok := present[number]; !ok {
			delete(v.version.obsoleteFiles, number)
		}
	}

	// The largest file numbered below recordedNext resumes as the active
	// file unless the manifest already sealed it (crash between the rollover
	// edit and the next file's creation).
	activeNumber := uint64(0)
	for i := len(onDisk) - 1; i >= 0; i-- {
		candidate := onDisk[i]
		if candidate >= recordedNext {
			continue
		}
		_, sealed := v.version.liveFiles[candidate]
		_, obsolete := v.version.obsoleteFiles[candidate]
		if !sealed && !obsolete {
			activeNumber = candidate
		}
		break
	}

	// Anything else on disk that the version does not know is an untracked
	// output of a crashed GC: keep it iff the LSM still references it.
	var untracked []uint64
	for _, number := range onDisk {
		if number == activeNumber {
			continue
		}
		_, live := v.version.liveFiles[number]
		_, obsolete := v.version.obsoleteFiles[number]
		if !live && !obsolete {
			untracked = append(untracked, number)
		}
	}
	if err := v.adoptUntracked(untracked); err != nil {
		return err
	}

	if activeNumber == 0 {
		activeNumber = v.newFileNumber()
		rw, err := newVLogRWFile(vlogFileName(v.dirname, activeNumber), activeNumber, false, 0, 0)
		if err != nil {
			return err
		}
		v.rwfile = rw
	} else {
		offset, numEntries, err := v.validateAndTruncate(activeNumber)
		if err != nil {
			return err
		}
		rw, err := newVLogRWFile(vlogFileName(v.dirname, activeNumber), activeNumber, true, offset, numEntries)
		if err != nil {
			return err
		}
		v.rwfile = rw
	}

	// Persist the recovered file-number high-water mark so numbering stays
	// monotonic even if we crash before the next rollover.
	return v.logAndApplyLocked(&versionEdit{})
}

// adoptUntracked validates crashed-GC outputs in parallel and either re-adds
// them to the live set (still referenced by LSM handles) or deletes them.
func (v *valueLog) adoptUntracked(numbers []uint64) error {
	if len(numbers) == 0 {
		return nil
	}

	type verdict struct {
		number     uint64
		validSize  uint32
		referenced bool
	}
	verdicts := make([]verdict, len(numbers))

	g := &errgroup.Group{}
	g.SetLimit(runtime.NumCPU())
	for i, number := range numbers {
		i, number := i, number
		g.Go(func() error {
			size, _, err := v.validateAndTruncate(number)
			if err != nil {
				return err
			}
			referenced, err := v.fileReferenced(number, size)
			if err != nil {
				return err
			}
			verdicts[i] = verdict{number: number, validSize: size, referenced: referenced}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	edit := &versionEdit{}
	for _, vd := range verdicts {
		if vd.referenced && vd.validSize > 0 {
			v.logger.Infof("recover: adopting untracked vlog %d (%d bytes)", vd.number, vd.validSize)
			edit.addFile(vd.number, vd.validSize)
		} else {
			v.logger.Infof("recover: removing unreferenced vlog %d", vd.number)
			if err := os.Remove(vlogFileName(v.dirname, vd.number)); err != nil && !os.IsNotExist(err) {
				return errors.Wrap(ErrIO, err.Error())
			}
		}
	}
	if len(edit.added) == 0 {
		return nil
	}
	return v.logAndApplyLocked(edit)
}

// fileReferenced walks the file's records and reports whether any LSM entry
// still holds a handle into it.
func (v *valueLog) fileReferenced(number uint64, size uint32) (bool, error) {
	f, err := os.Open(vlogFileName(v.dirname, number))
	if err != nil {
		return false, errors.Wrap(ErrIO, err.Error())
	}
	defer f.Close()

	it := newVLogReader(f, size).newIterator(number)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		val, vt, err := v.db.Get(it.Key())
		if err != nil {
			if errors.Is(err, lsm.ErrNotFound) {
				continue
			}
			return false, errors.Wrap(ErrIO, err.Error())
		}
		if vt != lsm.TypeHandle {
			continue
		}
		h, _, err := record.DecodeHandle(val)
		if err != nil {
			return false, err
		}
		if h == it.Handle() {
			return true, nil
		}
	}
	return false, nil
}

// validateAndTruncate walks records from offset zero; the first decoding
// failure defines the valid prefix, and a longer physical file is truncated
// down to it.
func (v *valueLog) validateAndTruncate(number uint64) (validSize uint32, numEntries uint32, err error) {
	path := vlogFileName(v.dirname, number)
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrap(ErrIO, err.Error())
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, 0, errors.Wrap(ErrIO, err.Error())
	}
	fileSize := uint32(stat.Size())

	it := newVLogReader(f, fileSize).newIterator(number)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		validSize = it.next
		numEntries++
	}
	f.Close()

	if werr := it.Err(); werr != nil && !errors.Is(werr, io.ErrUnexpectedEOF) && !IsCorruption(werr) {
		return 0, 0, werr
	}
	if validSize < fileSize {
		v.logger.Infof("vlog %d: truncating torn tail %d -> %d", number, fileSize, validSize)
		if err := os.Truncate(path, int64(validSize)); err != nil {
			return 0, 0, errors.Wrap(ErrIO, err.Error())
		}
	}
	return validSize, numEntries, nil
}

func (v *valueLog) newFileNumber() uint64 {
	v.fileNumber++
	return v.fileNumber
}

func (v *valueLog) markFileNumberUsed(number uint64) {
	if number > v.fileNumber {
		v.fileNumber = number
	}
}

// logAndApplyLocked persists an edit (always stamped with the next file
// number) and applies it to the in-memory version, rotating the manifest
// when it grows large. Requires mu held exclusively.
func (v *valueLog) logAndApplyLocked(edit *versionEdit) error {
	edit.setNextFileNumber(v.fileNumber + 1)
	edit.setLastSequence(v.db.LatestSequence())
	if err := v.manifest.append(edit); err != nil {
		return err
	}
	v.version.apply(edit)

	if v.manifest.size > manifestRotateSizeDefault {
		newNumber := v.manifestNumber + 1
		snapshot := v.version.snapshotEdit(v.fileNumber + 1)
		snapshot.setLastSequence(edit.lastSequence)
		m, err := createManifest(v.dirname, newNumber, snapshot)
		if err != nil {
			return err
		}
		old, oldNumber := v.manifest, v.manifestNumber
		v.manifest, v.manifestNumber = m, newNumber
		old.close()
		os.Remove(manifestFileName(v.dirname, oldNumber))
	}
	return nil
}

// put appends one record to the active file and returns its handle. Callers
// decide when to sync; rollover happens after the append.
func (v *valueLog) put(key, value []byte) (record.Handle, error) {
	if v.shutdown.Get() {
		return record.Handle{}, ErrClosed
	}
	v.mu.RLock()
	rw := v.rwfile
	rw.ref()
	v.mu.RUnlock()

	h, err := rw.add(key, value)
	rw.unref()
	if err != nil {
		return record.Handle{}, err
	}
	return h, v.maybeRollover()
}

// write appends a whole batch in one shot, finalizing its handles against
// the active file. With syncAfter set the file is made durable before the
// rollover check, so every returned handle references synced bytes.
func (v *valueLog) write(vb *ValueBatch, syncAfter bool) error {
	if v.shutdown.Get() {
		return ErrClosed
	}
	v.mu.RLock()
	rw := v.rwfile
	rw.ref()
	v.mu.RUnlock()

	err := rw.write(vb)
	if err == nil && syncAfter {
		err = rw.sync()
	}
	rw.unref()
	if err != nil {
		return err
	}
	return v.maybeRollover()
}

func (v *valueLog) sync() error {
	v.mu.RLock()
	rw := v.rwfile
	rw.ref()
	v.mu.RUnlock()
	err := rw.sync()
	rw.unref()
	return err
}

func (v *valueLog) maybeRollover() error {
	v.mu.RLock()
	needs := v.rwfile != nil && v.rwfile.fileOffset() >= v.opts.BlobMaxFileSize
	v.mu.RUnlock()
	if !needs {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rwfile == nil || v.rwfile.fileOffset() < v.opts.BlobMaxFileSize {
		return nil
	}
	return v.rolloverLocked()
}

// rolloverLocked seals the active file, records it in the live set and opens
// a fresh one.
func (v *valueLog) rolloverLocked() error {
	old := v.rwfile
	if err := old.finish(); err != nil {
		return err
	}
	// Allocate the successor's number before logging the edit so the edit's
	// next-file-number stamp covers it; recovery relies on the active file
	// being numbered below the stamp.
	number := v.newFileNumber()
	edit := &versionEdit{}
	edit.addFile(old.fileNumber(), old.fileSize())
	if err := v.logAndApplyLocked(edit); err != nil {
		return err
	}

	rw, err := newVLogRWFile(vlogFileName(v.dirname, number), number, false, 0, 0)
	if err != nil {
		return err
	}
	v.logger.Infof("vlog rollover: %d (%d bytes) -> %d", old.fileNumber(), old.fileSize(), number)
	v.rwfile = rw
	old.unref()
	return nil
}

// get dereferences a handle. The file must be the active one or a member of
// the live set; obsolete-but-not-yet-removed files stay readable for
// snapshot readers.
func (v *valueLog) get(h record.Handle) ([]byte, error) {
	v.mu.RLock()
	if rw := v.rwfile; rw != nil && h.FileNumber == rw.fileNumber() {
		rw.ref()
		v.mu.RUnlock()
		value, err := rw.get(h)
		rw.unref()
		return value, err
	}
	fileSize, ok := v.fileSizeLocked(h.FileNumber)
	v.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "vlog %d is not live", h.FileNumber)
	}

	cf, err := v.cache.get(h.FileNumber, fileSize)
	if err != nil {
		return nil, err
	}
	defer cf.release()
	return cf.reader.get(h)
}

// readExtent bulk-reads consecutive bytes of one file for iterator prefetch.
func (v *valueLog) readExtent(number uint64, off, n uint32) ([]byte, error) {
	v.mu.RLock()
	if rw := v.rwfile; rw != nil && number == rw.fileNumber() {
		rw.ref()
		v.mu.RUnlock()
		buf, err := rw.reader.readExtent(off, n)
		rw.unref()
		return buf, err
	}
	fileSize, ok := v.fileSizeLocked(number)
	v.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "vlog %d is not live", number)
	}

	cf, err := v.cache.get(number, fileSize)
	if err != nil {
		return nil, err
	}
	defer cf.release()
	return cf.reader.readExtent(off, n)
}

func (v *valueLog) fileSizeLocked(number uint64) (uint32, bool) {
	if meta, ok := v.version.liveFiles[number]; ok {
		return meta.fileSize, true
	}
	if info, ok := v.version.obsoleteFiles[number]; ok && info.fileSize > 0 {
		return info.fileSize, true
	}
	return 0, false
}

// removeObsoleteFiles physically deletes obsolete files that no live
// snapshot can still reach and that no GC is writing.
func (v *valueLog) removeObsoleteFiles() {
	oldest := v.db.OldestSnapshotSequence()

	v.mu.Lock()
	var removable []uint64
	for number, info := range v.version.obsoleteFiles {
		if _, pending := v.pendingOutputs[number]; pending {
			continue
		}
		if info.sequence < oldest {
			removable = append(removable, number)
			delete(v.version.obsoleteFiles, number)
		}
	}
	v.mu.Unlock()

	for _, number := range removable {
		v.cache.evict(number)
		if err := os.Remove(vlogFileName(v.dirname, number)); err != nil && !os.IsNotExist(err) {
			v.logger.Errorf("remove obsolete vlog %d: %v", number, err)
		} else {
			v.logger.Infof("removed obsolete vlog %d", number)
		}
	}
}

func (v *valueLog) close() error {
	v.shutdown.Set()
	close(v.tickerDone)
	v.tickerWG.Wait()
	v.waitGC()

	v.mu.Lock()
	defer v.mu.Unlock()
	var err error
	if v.rwfile != nil {
		err = v.rwfile.finish()
		v.rwfile.unref()
		v.rwfile = nil
	}
	if cerr := v.manifest.close(); err == nil {
		err = cerr
	}
	v.cache.close()
	return err
}

// debugString dumps the version state for diagnostics.
func (v *valueLog) debugString() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var b strings.Builder
	if v.rwfile != nil {
		fmt.Fprintf(&b, "active: vlog %d (%d bytes, %d entries)\n",
			v.rwfile.fileNumber(), v.rwfile.fileSize(), v.rwfile.entries())
	}
	fmt.Fprintf(&b, "gc pointer: %d\n", v.gcPointer)
	for _, m := range v.version.sortedLive() {
		fmt.Fprintf(&b, "live: vlog %d (%d bytes)\n", m.number, m.fileSize)
	}
	for number, info := range v.version.obsoleteFiles {
		fmt.Fprintf(&b, "obsolete: vlog %d @ seq %d\n", number, info.sequence)
	}
	return b.String()
}
