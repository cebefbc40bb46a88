package wisckey

import (
	"time"

	"github.com/kabu1204/wisckey/lsm"
	"github.com/kabu1204/wisckey/record"
	"github.com/pkg/errors"
)

// Garbage collection reclaims value log space: pick one read-only file,
// classify its records against the LSM, rewrite the survivors into a fresh
// file, swing the LSM handles over, then mark the old file obsolete at the
// current sequence. A single background slot runs at a time.

const gcTickerPeriod = time.Second

// gcWriteCallback gates one handle rewrite. It runs under the LSM commit
// lock and succeeds only if the key still carries the exact pre-GC handle,
// so a concurrent user write always wins.
type gcWriteCallback struct {
	key    []byte
	handle record.Handle
}

func (cb *gcWriteCallback) Callback(g lsm.Getter) error {
	value, vt, err := g.Get(cb.key)
	if err != nil {
		if errors.Is(err, lsm.ErrNotFound) {
			return errors.Wrap(ErrInvalidArgument, "key deleted during gc")
		}
		return errors.Wrap(ErrIO, err.Error())
	}
	if vt != lsm.TypeHandle {
		return errors.Wrap(ErrInvalidArgument, "value handle may be overwritten")
	}
	current, _, err := record.DecodeHandle(value)
	if err != nil {
		return err
	}
	if current != cb.handle {
		return errors.Wrap(ErrInvalidArgument, "value handle may be overwritten")
	}
	return nil
}

// AllowGrouping is false so every rewrite commit is independently gated.
func (cb *gcWriteCallback) AllowGrouping() bool { return false }

// garbageCollection carries the state of one GC run.
type garbageCollection struct {
	number uint64

	valueBatch ValueBatch
	rewrites   []gcWriteCallback

	totalSize      uint32
	totalEntries   uint32
	discardSize    uint32
	discardEntries uint32

	obsoleteSequence uint64
}

// gcTicker periodically offers the scheduler a chance to run; the interval
// check itself lives in maybeScheduleGCLocked.
func (v *valueLog) gcTicker() {
	defer v.tickerWG.Done()
	ticker := time.NewTicker(gcTickerPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			v.gcMu.Lock()
			v.maybeScheduleGCLocked()
			v.gcMu.Unlock()
		case <-v.tickerDone:
			return
		}
	}
}

// maybeScheduleGCLocked starts the background slot when it is free, the
// engine is healthy and either a manual run is requested or the interval
// elapsed. Requires gcMu held.
func (v *valueLog) maybeScheduleGCLocked() {
	switch {
	case v.bgGC:
		// the single slot is busy
	case v.shutdown.Get():
	case isFatal(v.bgErr):
		v.logger.Errorf("fatal background error, gc suppressed: %v", v.bgErr)
	case v.manualGC || time.Since(v.gcLastRun) >= v.opts.BlobGCInterval:
		v.bgGC = true
		go v.bgCall()
	}
}

func (v *valueLog) bgCall() {
	v.gcMu.Lock()
	if v.shutdown.Get() || isFatal(v.bgErr) {
		// skip the run, release the slot below
	} else {
		v.gcMu.Unlock()
		v.backgroundGC()
		v.gcMu.Lock()
	}
	v.bgGC = false
	v.maybeScheduleGCLocked()
	v.gcCond.Broadcast()
	v.gcMu.Unlock()
}

func (v *valueLog) backgroundGC() {
	v.gcRuns.Add(1)

	v.gcMu.Lock()
	manual, manualNumber := v.manualGC, v.manualGCNumber
	v.manualGC = false
	v.gcMu.Unlock()

	v.mu.Lock()
	var gc *garbageCollection
	if manual {
		gc = v.pickGCLocked(manualNumber)
	} else {
		gc = v.pickGCLocked(v.gcPointer)
		if gc != nil {
			v.gcPointer = gc.number + 1
		} else {
			// Ran past the end of the live set; restart from the bottom on
			// the next round instead of spinning within this one.
			v.gcPointer = 0
		}
	}
	v.mu.Unlock()

	if gc == nil {
		v.gcMu.Lock()
		v.gcLastRun = time.Now()
		v.gcMu.Unlock()
		v.recordBGError(nonFatalf("empty gc pick"))
		return
	}

	err := v.collect(gc)
	if isFatal(err) {
		v.recordBGError(err)
		return
	}
	if hook := v.hookAfterCollect; hook != nil {
		hook()
	}

	err = v.rewrite(gc)
	if !isFatal(err) {
		v.gcMu.Lock()
		v.gcLastRun = time.Now()
		v.gcMu.Unlock()
	}
	v.recordBGError(err)
}

func (v *valueLog) recordBGError(err error) {
	v.gcMu.Lock()
	v.bgErr = err
	v.gcMu.Unlock()
	if err != nil && !IsNonFatal(err) {
		v.logger.Errorf("gc: %v", err)
	}
}

// pickGCLocked returns the lowest-numbered live file at or above number that
// is neither obsolete nor a pending GC output. Requires mu held.
func (v *valueLog) pickGCLocked(number uint64) *garbageCollection {
	for _, m := range v.version.sortedLive() {
		if m.number < number {
			continue
		}
		if _, obsolete := v.version.obsoleteFiles[m.number]; obsolete {
			continue
		}
		if _, pending := v.pendingOutputs[m.number]; pending {
			continue
		}
		return &garbageCollection{number: m.number}
	}
	v.logger.Infof("gc pick: no candidate at or above %d", number)
	return nil
}

// manualGCAt requests a run starting from the given file number.
func (v *valueLog) manualGCAt(number uint64) {
	v.gcMu.Lock()
	v.manualGC = true
	v.manualGCNumber = number
	v.maybeScheduleGCLocked()
	v.gcMu.Unlock()
}

// waitGC blocks until the background slot is idle.
func (v *valueLog) waitGC() {
	v.gcMu.Lock()
	for v.bgGC {
		v.gcCond.Wait()
	}
	v.gcMu.Unlock()
}

func (v *valueLog) backgroundError() error {
	v.gcMu.Lock()
	defer v.gcMu.Unlock()
	return v.bgErr
}

// collect scans the candidate file and classifies every record against the
// LSM. Records whose key still maps to this exact handle are copied into the
// pending value batch together with a rewrite callback; everything else is
// discardable.
func (v *valueLog) collect(gc *garbageCollection) error {
	v.mu.RLock()
	meta, ok := v.version.liveFiles[gc.number]
	v.mu.RUnlock()
	if !ok {
		return nonFatalf("invalid gc file number %d", gc.number)
	}
	v.logger.Infof("gc #%d: collecting", gc.number)

	cf, err := v.cache.get(gc.number, meta.fileSize)
	if err != nil {
		if IsNotFound(err) {
			return nonFatalf("vlog %d disappeared before gc", gc.number)
		}
		return err
	}
	defer cf.release()

	it := cf.reader.newIterator(gc.number)
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		key := it.Key()
		current := it.Handle()
		gc.totalEntries++
		gc.totalSize += current.Size

		value, vt, err := v.db.Get(key)
		if err != nil && !errors.Is(err, lsm.ErrNotFound) {
			return errors.Wrapf(ErrIO, "gc: lsm lookup: %v", err)
		}

		live := false
		if err == nil && vt == lsm.TypeHandle {
			h, _, derr := record.DecodeHandle(value)
			if derr == nil && h == current {
				live = true
			}
		}
		if !live {
			gc.discardEntries++
			gc.discardSize += current.Size
			continue
		}

		gc.valueBatch.Put(key, it.Value())
		gc.rewrites = append(gc.rewrites, gcWriteCallback{
			key:    append([]byte(nil), key...),
			handle: current,
		})
	}
	if err := it.Err(); err != nil {
		return errors.Wrapf(ErrCorruption, "gc: scanning vlog %d: %v", gc.number, err)
	}
	return nil
}

// rewriteLSMHandler walks the finalized value batch and commits one
// single-entry LSM batch per record, each gated by its compare-and-swap
// callback. A callback miss means a concurrent user write took the key; the
// rewrite for that record is silently dropped.
type rewriteLSMHandler struct {
	v        *valueLog
	rewrites []gcWriteCallback
	i        int
	scratch  []byte
	err      error
}

func (h *rewriteLSMHandler) OnRecord(key, _ []byte, handle record.Handle) bool {
	if h.v.shutdown.Get() {
		h.err = errors.Wrap(ErrIO, "value log shutting down during gc rewrite")
		return false
	}
	cb := &h.rewrites[h.i]
	h.i++

	h.scratch = record.AppendHandle(h.scratch[:0], handle)
	batch := lsm.NewBatch()
	batch.Put(key, h.scratch, lsm.TypeHandle)
	if err := h.v.db.Apply(batch, false, cb); err != nil && !IsInvalidArgument(err) {
		h.err = errors.Wrapf(ErrIO, "gc: lsm rewrite: %v", err)
		return false
	}
	return h.i < len(h.rewrites)
}

// rewrite applies the GC decision: skip below the discard thresholds, drop
// the file outright when everything is dead, otherwise write survivors to a
// new file, swing the handles, and obsolete the old file.
//
// Crash consistency: a crash before the new file is registered leaves an
// untracked file that recovery adopts or deletes depending on whether any
// LSM handle references it; registration is in memory only, so a crash after
// it but before the final edit also leaves the new file untracked, and
// recovery keeps it next to the still-live old file iff some handle rewrite
// reached the LSM, which is safe because each handle rewrite only succeeded
// if the prior state was the pre-GC handle; after the final edit the old
// file waits out live snapshots and is then removed.
func (v *valueLog) rewrite(gc *garbageCollection) error {
	if gc.totalEntries == 0 {
		return nonFatalf("gc #%d: nothing collected", gc.number)
	}
	sizePct := int(uint64(gc.discardSize) * 100 / uint64(gc.totalSize))
	numPct := int(uint64(gc.discardEntries) * 100 / uint64(gc.totalEntries))
	v.logger.Infof("gc #%d: discard ratios size %d/%d = %d%%, num %d/%d = %d%%",
		gc.number, gc.discardSize, gc.totalSize, sizePct,
		gc.discardEntries, gc.totalEntries, numPct)
	if sizePct < v.opts.BlobGCSizeDiscardThreshold && numPct < v.opts.BlobGCNumDiscardThreshold {
		return nonFatalf("gc #%d: below discard thresholds", gc.number)
	}

	if gc.discardEntries == gc.totalEntries {
		v.logger.Infof("gc #%d: all entries dead, dropping file", gc.number)
		gc.obsoleteSequence = v.db.LatestSequence()
		edit := &versionEdit{}
		edit.deleteFile(gc.number, gc.obsoleteSequence)
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.logAndApplyLocked(edit)
	}

	// Survivors go to a fresh file rather than the active one.
	v.mu.Lock()
	number := v.newFileNumber()
	v.pendingOutputs[number] = struct{}{}
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		delete(v.pendingOutputs, number)
		v.mu.Unlock()
	}()

	v.logger.Infof("gc #%d: rewriting %d live entries to vlog %d",
		gc.number, gc.totalEntries-gc.discardEntries, number)
	rw, err := newVLogRWFile(vlogFileName(v.dirname, number), number, false, 0, 0)
	if err != nil {
		return err
	}
	if err := rw.write(&gc.valueBatch); err != nil {
		rw.unref()
		return err
	}
	if err := rw.finish(); err != nil {
		rw.unref()
		return err
	}
	meta := vlogFileMeta{number: number, fileSize: rw.fileSize()}
	rw.unref()

	// Publish in memory ahead of the manifest edit so concurrent readers can
	// already resolve rewritten handles.
	v.mu.Lock()
	v.version.liveFiles[number] = meta
	v.mu.Unlock()

	if hook := v.hookAfterValueRewrite; hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}

	handler := &rewriteLSMHandler{v: v, rewrites: gc.rewrites}
	if err := gc.valueBatch.Iterate(handler); err != nil {
		return err
	}
	if handler.err != nil {
		return handler.err
	}
	if err := v.db.Sync(); err != nil {
		return err
	}

	if hook := v.hookAfterLSMRewrite; hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}

	gc.obsoleteSequence = v.db.LatestSequence()
	edit := &versionEdit{}
	edit.addFile(meta.number, meta.fileSize)
	edit.deleteFile(gc.number, gc.obsoleteSequence)
	v.mu.Lock()
	err = v.logAndApplyLocked(edit)
	v.mu.Unlock()
	if err == nil {
		v.gcRewrites.Add(1)
	}
	return err
}
